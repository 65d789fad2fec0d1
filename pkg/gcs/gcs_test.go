package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jacktea/gcsfs/pkg/auth"
	"github.com/jacktea/gcsfs/pkg/xerrors"
	"github.com/jacktea/gcsfs/pkg/zone"
)

// newTestFS wires a Filesystem at a local fake API server. The default
// configuration mirrors an unconfigured client: every cache off, retries
// without backoff.
func newTestFS(t *testing.T, handler http.Handler, mutate func(*Options)) *Filesystem {
	t.Helper()
	server := newHTTPTestServer(t, handler)
	t.Cleanup(server.Close)
	opts := DefaultOptions()
	opts.TokenProvider = auth.Static{Value: "fake_token"}
	opts.ZoneProvider = zone.Static{Value: "us-east1-b"}
	opts.HTTPClient = server.Client()
	opts.Retry = RetryConfig{MaxAttempts: 10, InitDelay: 0}
	opts.BlockSize = 0
	opts.MaxBytes = 0
	opts.Timeouts = TimeoutConfig{
		Connect: 5 * time.Second, Idle: time.Second,
		Metadata: 10 * time.Second, Read: 20 * time.Second, Write: 30 * time.Second,
	}
	opts.JSONEndpoint = server.URL + "/storage/v1"
	opts.MediaEndpoint = server.URL
	opts.UploadEndpoint = server.URL + "/upload/storage/v1"
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func newHTTPTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("httptest listener unavailable: %v", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener = ln
	srv.Start()
	return srv
}

func checkAuth(t *testing.T, r *http.Request) {
	t.Helper()
	if got := r.Header.Get("Authorization"); got != "Bearer fake_token" {
		t.Errorf("request %s %s: Authorization = %q", r.Method, r.URL, got)
	}
}

func objectMetaJSON(size int, generation int64) string {
	return fmt.Sprintf(`{"size": "%d","generation": "%d","updated": "2016-04-29T23:15:24.896Z"}`, size, generation)
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

// parseRange extracts (start, end) from "bytes=start-end".
func parseRange(t *testing.T, r *http.Request) (int64, int64) {
	t.Helper()
	var start, end int64
	if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
		t.Fatalf("bad Range header %q: %v", r.Header.Get("Range"), err)
	}
	return start, end
}

// serveRange writes content[start:end+1] honoring the request range.
func serveRange(t *testing.T, w http.ResponseWriter, r *http.Request, content string) {
	t.Helper()
	start, end := parseRange(t, r)
	if start >= int64(len(content)) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if end >= int64(len(content)) {
		end = int64(len(content)) - 1
	}
	w.WriteHeader(http.StatusPartialContent)
	fmt.Fprint(w, content[start:end+1])
}

// fakeBucket is a minimal stateful object store for round-trip tests: it
// answers metadata, listing, media, delete, rewrite, and resumable uploads
// from an in-memory map.
type fakeBucket struct {
	t       *testing.T
	name    string
	mu      sync.Mutex
	objects map[string]string
	gens    map[string]int64

	statRequests  int
	mediaRequests int
	listRequests  int
}

func newFakeBucket(t *testing.T, name string, objects map[string]string) *fakeBucket {
	if objects == nil {
		objects = make(map[string]string)
	}
	gens := make(map[string]int64)
	for k := range objects {
		gens[k] = 1
	}
	return &fakeBucket{t: t, name: name, objects: objects, gens: gens}
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checkAuth(b.t, r)
	b.mu.Lock()
	defer b.mu.Unlock()
	path := r.URL.EscapedPath()
	jsonPrefix := "/storage/v1/b/" + b.name
	switch {
	case path == "/upload/storage/v1/b/"+b.name+"/o":
		name := r.URL.Query().Get("name")
		w.Header().Set("Location", "http://"+r.Host+"/upload-session/"+escapeObject(name))
		w.WriteHeader(http.StatusOK)
	case strings.HasPrefix(path, "/upload-session/"):
		name := unescapeObject(strings.TrimPrefix(path, "/upload-session/"))
		body, _ := io.ReadAll(r.Body)
		b.objects[name] = string(body)
		b.gens[name]++
		w.WriteHeader(http.StatusOK)
	case path == jsonPrefix && r.Method == http.MethodGet:
		writeJSON(w, "{}")
	case path == jsonPrefix+"/o" && r.Method == http.MethodGet:
		b.listRequests++
		b.serveList(w, r)
	case strings.HasPrefix(path, jsonPrefix+"/o/"):
		name := unescapeObject(strings.TrimPrefix(path, jsonPrefix+"/o/"))
		if rewriteIdx := strings.Index(name, "/rewriteTo/"); rewriteIdx >= 0 && r.Method == http.MethodPost {
			src := name[:rewriteIdx]
			dst := unescapeObject(strings.TrimPrefix(name[rewriteIdx:], "/rewriteTo/b/"+b.name+"/o/"))
			if content, ok := b.objects[src]; ok {
				b.objects[dst] = content
				b.gens[dst]++
				writeJSON(w, `{"done": true}`)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
			return
		}
		switch r.Method {
		case http.MethodGet:
			b.statRequests++
			if content, ok := b.objects[name]; ok {
				writeJSON(w, objectMetaJSON(len(content), b.gens[name]))
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case http.MethodDelete:
			if _, ok := b.objects[name]; ok {
				delete(b.objects, name)
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case strings.HasPrefix(path, "/"+b.name+"/") && r.Method == http.MethodGet:
		b.mediaRequests++
		name := unescapeObject(strings.TrimPrefix(path, "/"+b.name+"/"))
		content, ok := b.objects[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		serveRange(b.t, w, r, content)
	default:
		b.t.Errorf("unexpected request %s %s", r.Method, path)
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (b *fakeBucket) serveList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimited := q.Get("delimiter") == "/"
	max := 0
	fmt.Sscanf(q.Get("maxResults"), "%d", &max)

	var names []string
	for name := range b.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var items []string
	prefixSet := map[string]bool{}
	var prefixes []string
	for _, name := range names {
		rest := name[len(prefix):]
		if delimited {
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				p := prefix + rest[:idx+1]
				if !prefixSet[p] {
					prefixSet[p] = true
					prefixes = append(prefixes, fmt.Sprintf("%q", p))
				}
				continue
			}
		}
		items = append(items, fmt.Sprintf(`{"name": %q}`, name))
		if max > 0 && len(items) >= max {
			break
		}
	}
	var body strings.Builder
	body.WriteString("{")
	if len(items) > 0 {
		body.WriteString(`"items": [` + strings.Join(items, ",") + "]")
	}
	if len(prefixes) > 0 {
		if len(items) > 0 {
			body.WriteString(",")
		}
		body.WriteString(`"prefixes": [` + strings.Join(prefixes, ",") + "]")
	}
	body.WriteString("}")
	writeJSON(w, body.String())
}

func escapeObject(name string) string   { return strings.ReplaceAll(name, "/", "%2F") }
func unescapeObject(name string) string { return strings.ReplaceAll(name, "%2F", "/") }

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestFileExistsAsObject(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"path/file1.txt": "contents"})
	fs := newTestFS(t, bucket, nil)
	if err := fs.FileExists(ctx, "gs://bucket/path/file1.txt"); err != nil {
		t.Fatalf("FileExists: %v", err)
	}
}

func TestFileExistsAsFolder(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"path/subfolder/file.txt": "x"})
	fs := newTestFS(t, bucket, nil)
	if err := fs.FileExists(ctx, "gs://bucket/path/subfolder"); err != nil {
		t.Fatalf("FileExists on implicit folder: %v", err)
	}
}

func TestFileExistsAsDirectoryMarker(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"dir/": ""})
	fs := newTestFS(t, bucket, nil)
	if err := fs.FileExists(ctx, "gs://bucket/dir"); err != nil {
		t.Fatalf("FileExists on marker: %v", err)
	}
}

func TestFileExistsAsBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", nil)
	fs := newTestFS(t, bucket, nil)
	for _, uri := range []string{"gs://bucket", "gs://bucket/"} {
		if err := fs.FileExists(ctx, uri); err != nil {
			t.Fatalf("FileExists(%q): %v", uri, err)
		}
	}
}

func TestFileExistsNotFound(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"other": "x"})
	fs := newTestFS(t, bucket, nil)
	err := fs.FileExists(ctx, "gs://bucket/missing")
	if xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("FileExists = %v, want not found", err)
	}
}

func TestFileExistsBucketNotFound(t *testing.T) {
	ctx := context.Background()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	fs := newTestFS(t, handler, nil)
	err := fs.FileExists(ctx, "gs://nosuchbucket")
	if xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("FileExists = %v, want not found", err)
	}
}

func TestFileExistsStatCache(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"file.txt": "data"})
	fs := newTestFS(t, bucket, func(o *Options) {
		o.StatCacheMaxAge = time.Hour
	})
	for i := 0; i < 3; i++ {
		if err := fs.FileExists(ctx, "gs://bucket/file.txt"); err != nil {
			t.Fatalf("FileExists: %v", err)
		}
	}
	if bucket.statRequests != 1 {
		t.Fatalf("stat requests = %d, want 1 (served from cache)", bucket.statRequests)
	}
}

func TestStatObject(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"file.txt": strings.Repeat("x", 1010)})
	fs := newTestFS(t, bucket, nil)
	st, err := fs.Stat(ctx, "gs://bucket/file.txt")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Length != 1010 || st.IsDirectory {
		t.Fatalf("Stat = %+v", st)
	}
	if st.MtimeNanos == 0 {
		t.Fatal("expected a nonzero mtime")
	}
}

func TestStatFolderAndBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"subfolder/": ""})
	fs := newTestFS(t, bucket, nil)

	st, err := fs.Stat(ctx, "gs://bucket/subfolder")
	if err != nil {
		t.Fatalf("Stat folder: %v", err)
	}
	if !st.IsDirectory || st.Length != 0 || st.MtimeNanos != 0 {
		t.Fatalf("folder stat = %+v", st)
	}

	st, err = fs.Stat(ctx, "gs://bucket/")
	if err != nil {
		t.Fatalf("Stat bucket: %v", err)
	}
	if !st.IsDirectory {
		t.Fatalf("bucket stat = %+v", st)
	}
}

func TestStatNotFound(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", nil)
	fs := newTestFS(t, bucket, nil)
	_, err := fs.Stat(ctx, "gs://bucket/path")
	if xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("Stat = %v, want not found", err)
	}
}

func TestStatCacheFlush(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"file.txt": "data"})
	fs := newTestFS(t, bucket, func(o *Options) {
		o.StatCacheMaxAge = time.Hour
	})
	if _, err := fs.Stat(ctx, "gs://bucket/file.txt"); err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if _, err := fs.Stat(ctx, "gs://bucket/file.txt"); err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if bucket.statRequests != 1 {
		t.Fatalf("stat requests = %d, want 1", bucket.statRequests)
	}
	fs.FlushCaches()
	if _, err := fs.Stat(ctx, "gs://bucket/file.txt"); err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if bucket.statRequests != 2 {
		t.Fatalf("stat requests after flush = %d, want 2", bucket.statRequests)
	}
}

func TestGetFileSize(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"file.txt": "0123456789"})
	fs := newTestFS(t, bucket, nil)
	size, err := fs.GetFileSize(ctx, "gs://bucket/file.txt")
	if err != nil || size != 10 {
		t.Fatalf("GetFileSize = (%d, %v)", size, err)
	}
	if _, err := fs.GetFileSize(ctx, "gs://bucket/"); xerrors.KindOf(err) != xerrors.KindInvalidArgument {
		t.Fatalf("GetFileSize without object = %v, want invalid argument", err)
	}
}

func TestGetChildren(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{
		"path/":                  "",
		"path/file1.txt":         "1",
		"path/file3.txt":         "3",
		"path/subpath/file2.txt": "2",
	})
	fs := newTestFS(t, bucket, nil)
	for _, uri := range []string{"gs://bucket/path/", "gs://bucket/path"} {
		children, err := fs.GetChildren(ctx, uri)
		if err != nil {
			t.Fatalf("GetChildren(%q): %v", uri, err)
		}
		want := []string{"file1.txt", "file3.txt", "subpath/"}
		if mustJSON(t, children) != mustJSON(t, want) {
			t.Fatalf("GetChildren(%q) = %v, want %v", uri, children, want)
		}
	}
}

func TestGetChildrenEmptyAndRoot(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", nil)
	fs := newTestFS(t, bucket, nil)
	children, err := fs.GetChildren(ctx, "gs://bucket")
	if err != nil {
		t.Fatalf("GetChildren root: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("GetChildren root = %v, want empty", children)
	}
}

func TestGetChildrenPagination(t *testing.T) {
	ctx := context.Background()
	pages := []string{
		`{"items": [{"name": "path/file1.txt"}], "nextPageToken": "token-1"}`,
		`{"items": [{"name": "path/file2.txt"}, {"name": "path/file3.txt"}]}`,
	}
	var tokens []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checkAuth(t, r)
		tokens = append(tokens, r.URL.Query().Get("pageToken"))
		page := pages[0]
		pages = pages[1:]
		writeJSON(w, page)
	})
	fs := newTestFS(t, handler, nil)
	children, err := fs.GetChildren(ctx, "gs://bucket/path/")
	if err != nil {
		t.Fatalf("GetChildren: %v", err)
	}
	want := []string{"file1.txt", "file2.txt", "file3.txt"}
	if mustJSON(t, children) != mustJSON(t, want) {
		t.Fatalf("GetChildren = %v, want %v", children, want)
	}
	if len(tokens) != 2 || tokens[0] != "" || tokens[1] != "token-1" {
		t.Fatalf("page tokens = %v", tokens)
	}
}

func TestDeleteFile(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"file.txt": "data"})
	fs := newTestFS(t, bucket, func(o *Options) {
		o.StatCacheMaxAge = time.Hour
	})
	if _, err := fs.Stat(ctx, "gs://bucket/file.txt"); err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if err := fs.DeleteFile(ctx, "gs://bucket/file.txt"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	// The stat cache entry must be gone: the next Stat re-probes and sees
	// the deletion.
	if _, err := fs.Stat(ctx, "gs://bucket/file.txt"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("Stat after delete = %v, want not found", err)
	}
}

func TestDeleteFileNotFound(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", nil)
	fs := newTestFS(t, bucket, nil)
	if err := fs.DeleteFile(ctx, "gs://bucket/missing.txt"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("DeleteFile = %v, want not found", err)
	}
}

func TestCreateDir(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", nil)
	fs := newTestFS(t, bucket, nil)
	if err := fs.CreateDir(ctx, "gs://bucket/subpath"); err != nil {
		t.Fatalf("CreateDir: %v", err)
	}
	if got := bucket.objects["subpath/"]; got != "" {
		t.Fatalf("marker contents = %q, want empty", got)
	}
	if _, ok := bucket.objects["subpath/"]; !ok {
		t.Fatal("directory marker was not uploaded")
	}
	if err := fs.CreateDir(ctx, "gs://bucket/subpath/"); xerrors.KindOf(err) != xerrors.KindAlreadyExists {
		t.Fatalf("CreateDir on existing = %v, want already exists", err)
	}
}

func TestCreateDirBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", nil)
	fs := newTestFS(t, bucket, nil)
	if err := fs.CreateDir(ctx, "gs://bucket/"); err != nil {
		t.Fatalf("CreateDir bucket: %v", err)
	}
	if err := fs.CreateDir(ctx, "gs://bucket"); err != nil {
		t.Fatalf("CreateDir bucket: %v", err)
	}
}

func TestDeleteDir(t *testing.T) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		bucket := newFakeBucket(t, "bucket", nil)
		fs := newTestFS(t, bucket, nil)
		if err := fs.DeleteDir(ctx, "gs://bucket/path/"); err != nil {
			t.Fatalf("DeleteDir: %v", err)
		}
	})

	t.Run("only marker left", func(t *testing.T) {
		bucket := newFakeBucket(t, "bucket", map[string]string{"path/": ""})
		fs := newTestFS(t, bucket, nil)
		if err := fs.DeleteDir(ctx, "gs://bucket/path/"); err != nil {
			t.Fatalf("DeleteDir: %v", err)
		}
		if _, ok := bucket.objects["path/"]; ok {
			t.Fatal("marker not deleted")
		}
	})

	t.Run("bucket only", func(t *testing.T) {
		bucket := newFakeBucket(t, "bucket", nil)
		fs := newTestFS(t, bucket, nil)
		if err := fs.DeleteDir(ctx, "gs://bucket"); err != nil {
			t.Fatalf("DeleteDir: %v", err)
		}
	})

	t.Run("non-empty", func(t *testing.T) {
		bucket := newFakeBucket(t, "bucket", map[string]string{"path/file1.txt": "x"})
		fs := newTestFS(t, bucket, nil)
		if err := fs.DeleteDir(ctx, "gs://bucket/path/"); xerrors.KindOf(err) != xerrors.KindFailedPrecondition {
			t.Fatalf("DeleteDir = %v, want failed precondition", err)
		}
	})
}

func TestIsDirectory(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{
		"folder/file.txt": "x",
		"object.txt":      "y",
	})
	fs := newTestFS(t, bucket, nil)

	if err := fs.IsDirectory(ctx, "gs://bucket/folder"); err != nil {
		t.Fatalf("IsDirectory(folder): %v", err)
	}
	if err := fs.IsDirectory(ctx, "gs://bucket"); err != nil {
		t.Fatalf("IsDirectory(bucket): %v", err)
	}
	if err := fs.IsDirectory(ctx, "gs://bucket/object.txt"); xerrors.KindOf(err) != xerrors.KindFailedPrecondition {
		t.Fatalf("IsDirectory(object) = %v, want failed precondition", err)
	}
	if err := fs.IsDirectory(ctx, "gs://bucket/absent"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("IsDirectory(absent) = %v, want not found", err)
	}
}

func TestDeleteRecursively(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{
		"path/":                  "",
		"path/file1.txt":         "1",
		"path/subpath/file2.txt": "2",
		"path/file3.txt":         "3",
		"other.txt":              "keep",
	})
	fs := newTestFS(t, bucket, nil)
	files, dirs, err := fs.DeleteRecursively(ctx, "gs://bucket/path")
	if err != nil {
		t.Fatalf("DeleteRecursively: %v", err)
	}
	if files != 0 || dirs != 0 {
		t.Fatalf("undeleted = (%d, %d), want (0, 0)", files, dirs)
	}
	if len(bucket.objects) != 1 {
		t.Fatalf("remaining objects = %v, want only other.txt", bucket.objects)
	}
}

func TestDeleteRecursivelyNotAFolder(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"path": "a file"})
	fs := newTestFS(t, bucket, nil)
	files, dirs, err := fs.DeleteRecursively(ctx, "gs://bucket/path")
	if xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("DeleteRecursively = %v, want not found", err)
	}
	if files != 0 || dirs != 1 {
		t.Fatalf("undeleted = (%d, %d), want (0, 1)", files, dirs)
	}
}

func TestDeleteRecursivelyDeletionErrors(t *testing.T) {
	ctx := context.Background()
	// file1 refuses to die with a permanent error; everything else deletes.
	var handler http.HandlerFunc
	bucket := newFakeBucket(t, "bucket", map[string]string{
		"path/file1.txt": "1",
		"path/file2.txt": "2",
	})
	handler = func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete && strings.Contains(r.URL.EscapedPath(), "file1.txt") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		bucket.ServeHTTP(w, r)
	}
	fs := newTestFS(t, handler, nil)
	files, dirs, err := fs.DeleteRecursively(ctx, "gs://bucket/path")
	if err != nil {
		t.Fatalf("DeleteRecursively: %v", err)
	}
	if files != 1 || dirs != 0 {
		t.Fatalf("undeleted = (%d, %d), want (1, 0)", files, dirs)
	}
}

func TestRenameFileObject(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"path/src.txt": "contents"})
	fs := newTestFS(t, bucket, nil)
	if err := fs.RenameFile(ctx, "gs://bucket/path/src.txt", "gs://bucket/path/dst.txt"); err != nil {
		t.Fatalf("RenameFile: %v", err)
	}
	if _, ok := bucket.objects["path/src.txt"]; ok {
		t.Fatal("source still exists")
	}
	if got := bucket.objects["path/dst.txt"]; got != "contents" {
		t.Fatalf("destination = %q", got)
	}
	if _, err := fs.Stat(ctx, "gs://bucket/path/src.txt"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("Stat(src) after rename = %v, want not found", err)
	}
	st, err := fs.Stat(ctx, "gs://bucket/path/dst.txt")
	if err != nil || st.Length != int64(len("contents")) {
		t.Fatalf("Stat(dst) after rename = (%+v, %v)", st, err)
	}
}

func TestRenameFileFolder(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{
		"path1/":                    "",
		"path1/subfolder/file1.txt": "1",
		"path1/file2.txt":           "2",
	})
	fs := newTestFS(t, bucket, nil)
	if err := fs.RenameFile(ctx, "gs://bucket/path1", "gs://bucket/path2/"); err != nil {
		t.Fatalf("RenameFile: %v", err)
	}
	want := map[string]string{
		"path2/":                    "",
		"path2/subfolder/file1.txt": "1",
		"path2/file2.txt":           "2",
	}
	if mustJSON(t, bucket.objects) != mustJSON(t, want) {
		t.Fatalf("objects after rename = %v", bucket.objects)
	}
}

func TestRenameFileDeletionRetried(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"src.txt": "x"})
	deletes := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deletes++
			if deletes == 1 {
				// First attempt fails transiently; by the retry the delete
				// has already taken effect server side.
				delete(bucket.objects, "src.txt")
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		bucket.ServeHTTP(w, r)
	})
	fs := newTestFS(t, handler, nil)
	if err := fs.RenameFile(ctx, "gs://bucket/src.txt", "gs://bucket/dst.txt"); err != nil {
		t.Fatalf("RenameFile: %v", err)
	}
	if deletes != 2 {
		t.Fatalf("delete attempts = %d, want 2", deletes)
	}
}

func TestRenameFileIncompleteRewrite(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"src.txt": "x"})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.Contains(r.URL.EscapedPath(), "/rewriteTo/") {
			writeJSON(w, `{"done": false}`)
			return
		}
		bucket.ServeHTTP(w, r)
	})
	fs := newTestFS(t, handler, nil)
	err := fs.RenameFile(ctx, "gs://bucket/src.txt", "gs://bucket/dst.txt")
	if xerrors.KindOf(err) != xerrors.KindUnimplemented {
		t.Fatalf("RenameFile = %v, want unimplemented", err)
	}
}

func TestGetMatchingPaths(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{
		"path/file1.txt":         "1",
		"path/subpath/file2.txt": "2",
		"path/file3.txt":         "3",
	})
	fs := newTestFS(t, bucket, nil)

	t.Run("folder and wildcard", func(t *testing.T) {
		result, err := fs.GetMatchingPaths(ctx, "gs://bucket/path/*/file2.txt")
		if err != nil {
			t.Fatalf("GetMatchingPaths: %v", err)
		}
		want := []string{"gs://bucket/path/subpath/file2.txt"}
		if mustJSON(t, result) != mustJSON(t, want) {
			t.Fatalf("result = %v, want %v", result, want)
		}
	})

	t.Run("bucket and wildcard includes implied folders", func(t *testing.T) {
		result, err := fs.GetMatchingPaths(ctx, "gs://bucket/*/*")
		if err != nil {
			t.Fatalf("GetMatchingPaths: %v", err)
		}
		want := []string{
			"gs://bucket/path/file1.txt",
			"gs://bucket/path/file3.txt",
			"gs://bucket/path/subpath",
		}
		if mustJSON(t, result) != mustJSON(t, want) {
			t.Fatalf("result = %v, want %v", result, want)
		}
	})

	t.Run("no matches", func(t *testing.T) {
		result, err := fs.GetMatchingPaths(ctx, "gs://bucket/path/*/file3.txt")
		if err != nil {
			t.Fatalf("GetMatchingPaths: %v", err)
		}
		if len(result) != 0 {
			t.Fatalf("result = %v, want empty", result)
		}
	})

	t.Run("no wildcard", func(t *testing.T) {
		result, err := fs.GetMatchingPaths(ctx, "gs://bucket/path/subpath/file2.txt")
		if err != nil {
			t.Fatalf("GetMatchingPaths: %v", err)
		}
		want := []string{"gs://bucket/path/subpath/file2.txt"}
		if mustJSON(t, result) != mustJSON(t, want) {
			t.Fatalf("result = %v, want %v", result, want)
		}
	})

	t.Run("only wildcard", func(t *testing.T) {
		_, err := fs.GetMatchingPaths(ctx, "gs://*")
		if xerrors.KindOf(err) != xerrors.KindInvalidArgument {
			t.Fatalf("GetMatchingPaths = %v, want invalid argument", err)
		}
	})
}

func TestGetMatchingPathsSelfMarkerExcluded(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{
		"path/":          "",
		"path/file3.txt": "3",
	})
	fs := newTestFS(t, bucket, nil)
	result, err := fs.GetMatchingPaths(ctx, "gs://bucket/path/*")
	if err != nil {
		t.Fatalf("GetMatchingPaths: %v", err)
	}
	want := []string{"gs://bucket/path/file3.txt"}
	if mustJSON(t, result) != mustJSON(t, want) {
		t.Fatalf("result = %v, want %v", result, want)
	}
}

func TestGetMatchingPathsCacheAndFlush(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", map[string]string{"path/file1.txt": "1"})
	fs := newTestFS(t, bucket, func(o *Options) {
		o.MatchingPathsCacheMaxAge = time.Hour
	})
	for i := 0; i < 3; i++ {
		result, err := fs.GetMatchingPaths(ctx, "gs://bucket/path/*")
		if err != nil || len(result) != 1 {
			t.Fatalf("GetMatchingPaths: (%v, %v)", result, err)
		}
	}
	if bucket.listRequests != 1 {
		t.Fatalf("list requests = %d, want 1 (memoized)", bucket.listRequests)
	}
	fs.FlushCaches()
	if _, err := fs.GetMatchingPaths(ctx, "gs://bucket/path/*"); err != nil {
		t.Fatalf("GetMatchingPaths: %v", err)
	}
	if bucket.listRequests != 2 {
		t.Fatalf("list requests after flush = %d, want 2", bucket.listRequests)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	bucket := newFakeBucket(t, "bucket", nil)
	fs := newTestFS(t, bucket, nil)

	w, err := fs.NewWritableFile(ctx, "gs://bucket/new.txt")
	if err != nil {
		t.Fatalf("NewWritableFile: %v", err)
	}
	if err := w.Append([]byte("written bytes")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := fs.NewRandomAccessFile(ctx, "gs://bucket/new.txt")
	if err != nil {
		t.Fatalf("NewRandomAccessFile: %v", err)
	}
	dst := make([]byte, len("written bytes"))
	n, err := r.Read(ctx, 0, dst)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(dst[:n]) != "written bytes" {
		t.Fatalf("read back %q", dst[:n])
	}
}

func TestAdditionalHeader(t *testing.T) {
	ctx := context.Background()
	var header string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Add-Header")
		writeJSON(w, "{}")
	})
	fs := newTestFS(t, handler, func(o *Options) {
		o.AdditionalHeader = "X-Add-Header:My Additional Header Value"
	})
	if err := fs.FileExists(ctx, "gs://bucket"); err != nil {
		t.Fatalf("FileExists: %v", err)
	}
	if header != "My Additional Header Value" {
		t.Fatalf("additional header = %q", header)
	}
}
