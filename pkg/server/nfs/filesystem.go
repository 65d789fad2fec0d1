package nfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"

	"github.com/jacktea/gcsfs/pkg/gcs"
	"github.com/jacktea/gcsfs/pkg/gcsurl"
	"github.com/jacktea/gcsfs/pkg/xerrors"
)

var _ billy.Filesystem = (*filesystem)(nil)

// filesystem adapts a bucket seen through gcs.Filesystem to the billy
// contract so it can be exported over NFS or handed to any billy consumer.
// Paths are mount relative; "/a/b" maps to "gs://<bucket>/a/b".
type filesystem struct {
	ctx    context.Context
	back   *gcs.Filesystem
	bucket string
	root   string
}

// NewBillyFilesystem builds a billy.Filesystem over one bucket. export is
// the subtree presented as "/" (default the bucket root).
func NewBillyFilesystem(ctx context.Context, backend *gcs.Filesystem, bucket, export string) (billy.Filesystem, error) {
	if backend == nil {
		return nil, fmt.Errorf("nfs: filesystem is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("nfs: bucket is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	fsys := &filesystem{
		ctx:    ctx,
		back:   backend,
		bucket: bucket,
		root:   cleanPath(export),
	}
	if err := backend.IsDirectory(ctx, fsys.uriFor("/")); err != nil {
		return nil, translateErr(err)
	}
	return fsys, nil
}

// uriFor maps a mount-relative path to a gs:// URI.
func (f *filesystem) uriFor(p string) string {
	full := cleanPath(p)
	if f.root != "/" {
		full = path.Join(f.root, strings.TrimPrefix(full, "/"))
	}
	object := strings.TrimPrefix(full, "/")
	return gcsurl.Join(f.bucket, object)
}

func (f *filesystem) Create(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o666)
}

func (f *filesystem) Open(filename string) (billy.File, error) {
	return f.OpenFile(filename, os.O_RDONLY, 0)
}

func (f *filesystem) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	uri := f.uriFor(filename)
	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0
	if !writable {
		reader, err := f.back.NewRandomAccessFile(f.ctx, uri)
		if err != nil {
			return nil, translateErr(err)
		}
		return &file{ctx: f.ctx, path: cleanPath(filename), reader: reader}, nil
	}
	exists := f.back.FileExists(f.ctx, uri) == nil
	if exists && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
		return nil, os.ErrExist
	}
	if !exists && flag&os.O_CREATE == 0 {
		return nil, os.ErrNotExist
	}
	var (
		writer *gcs.WritableFile
		err    error
	)
	if exists && flag&os.O_TRUNC == 0 {
		// Append-style open keeps the current contents.
		writer, err = f.back.NewAppendableFile(f.ctx, uri)
	} else {
		writer, err = f.back.NewWritableFile(f.ctx, uri)
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return &file{ctx: f.ctx, path: cleanPath(filename), writer: writer}, nil
}

func (f *filesystem) Stat(filename string) (os.FileInfo, error) {
	uri := f.uriFor(filename)
	st, err := f.back.Stat(f.ctx, uri)
	if err != nil {
		return nil, translateErr(err)
	}
	return statToInfo(path.Base(cleanPath(filename)), st), nil
}

func (f *filesystem) Lstat(filename string) (os.FileInfo, error) {
	return f.Stat(filename)
}

func (f *filesystem) Rename(oldpath, newpath string) error {
	return translateErr(f.back.RenameFile(f.ctx, f.uriFor(oldpath), f.uriFor(newpath)))
}

func (f *filesystem) Remove(filename string) error {
	uri := f.uriFor(filename)
	if err := f.back.IsDirectory(f.ctx, uri); err == nil {
		return translateErr(f.back.DeleteDir(f.ctx, uri))
	}
	return translateErr(f.back.DeleteFile(f.ctx, uri))
}

func (f *filesystem) ReadDir(p string) ([]os.FileInfo, error) {
	uri := f.uriFor(p)
	children, err := f.back.GetChildren(f.ctx, uri)
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]os.FileInfo, 0, len(children))
	for _, child := range children {
		if strings.HasSuffix(child, "/") {
			out = append(out, statToInfo(strings.TrimSuffix(child, "/"), gcs.FileStatistics{IsDirectory: true}))
			continue
		}
		st, err := f.back.Stat(f.ctx, f.uriFor(path.Join(cleanPath(p), child)))
		if err != nil {
			// The object vanished between list and stat; skip it.
			continue
		}
		out = append(out, statToInfo(child, st))
	}
	return out, nil
}

func (f *filesystem) MkdirAll(filename string, perm os.FileMode) error {
	clean := cleanPath(filename)
	if clean == "/" {
		return nil
	}
	segments := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	for i := range segments {
		sub := "/" + strings.Join(segments[:i+1], "/")
		err := f.back.CreateDir(f.ctx, f.uriFor(sub))
		if err != nil && !xerrors.Is(err, xerrors.KindAlreadyExists) {
			return translateErr(err)
		}
	}
	return nil
}

func (f *filesystem) Symlink(target, link string) error {
	return billy.ErrNotSupported
}

func (f *filesystem) Readlink(link string) (string, error) {
	return "", billy.ErrNotSupported
}

func (f *filesystem) TempFile(dir, prefix string) (billy.File, error) {
	if dir == "" {
		dir = "/"
	}
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("%s%d", prefix, rand.Int())
		fullPath := f.Join(dir, name)
		file, err := f.OpenFile(fullPath, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return file, err
	}
	return nil, fmt.Errorf("tempfile: unable to allocate")
}

func (f *filesystem) Chroot(p string) (billy.Filesystem, error) {
	full := cleanPath(p)
	if f.root != "/" {
		full = path.Join(f.root, strings.TrimPrefix(full, "/"))
	}
	return NewBillyFilesystem(f.ctx, f.back, f.bucket, full)
}

func (f *filesystem) Root() string {
	return f.root
}

func (f *filesystem) Join(elem ...string) string {
	res := path.Join(elem...)
	if res == "" {
		return "/"
	}
	return res
}

// The object store has no POSIX ownership; attribute changes are refused.

func (f *filesystem) Chmod(string, os.FileMode) error { return os.ErrPermission }

func (f *filesystem) Lchown(string, int, int) error { return os.ErrPermission }

func (f *filesystem) Chown(string, int, int) error { return os.ErrPermission }

func (f *filesystem) Chtimes(string, time.Time, time.Time) error { return os.ErrPermission }

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	res := path.Clean("/" + strings.TrimSpace(p))
	if res == "" {
		return "/"
	}
	return res
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return os.ErrNotExist
	case xerrors.KindAlreadyExists:
		return os.ErrExist
	case xerrors.KindPermission:
		return os.ErrPermission
	case xerrors.KindInvalidArgument:
		return os.ErrInvalid
	default:
		return err
	}
}

type entryInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (e entryInfo) Name() string       { return e.name }
func (e entryInfo) Size() int64        { return e.size }
func (e entryInfo) Mode() os.FileMode  { return e.mode }
func (e entryInfo) ModTime() time.Time { return e.modTime }
func (e entryInfo) IsDir() bool        { return e.isDir }
func (e entryInfo) Sys() interface{}   { return nil }

func statToInfo(name string, st gcs.FileStatistics) os.FileInfo {
	info := entryInfo{
		name:    name,
		size:    st.Length,
		modTime: time.Unix(0, st.MtimeNanos),
	}
	if st.IsDirectory {
		info.mode = os.ModeDir | 0o755
		info.isDir = true
		info.size = 0
	} else {
		info.mode = 0o644
	}
	return info
}

// file is a billy handle over either a reader or a writer; the store has
// no read-write handles.
type file struct {
	mu     sync.Mutex
	ctx    context.Context
	path   string
	reader *gcs.RandomAccessFile
	writer *gcs.WritableFile
	offset int64
	closed bool
}

func (f *file) Name() string { return f.path }

func (f *file) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.readAt(p, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *file) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAt(p, off)
}

func (f *file) readAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.reader == nil {
		return 0, os.ErrPermission
	}
	n, err := f.reader.Read(f.ctx, off, p)
	if xerrors.Is(err, xerrors.KindOutOfRange) {
		return n, io.EOF
	}
	return n, err
}

func (f *file) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.writer == nil {
		return 0, os.ErrPermission
	}
	if f.offset != f.writer.Tell() {
		// The upload protocol is append only.
		return 0, billy.ErrNotSupported
	}
	if err := f.writer.Append(p); err != nil {
		return 0, translateErr(err)
	}
	f.offset += int64(len(p))
	return len(p), nil
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	case io.SeekEnd:
		if f.writer != nil {
			newOffset = f.writer.Tell() + offset
		} else {
			return f.offset, billy.ErrNotSupported
		}
	default:
		return 0, os.ErrInvalid
	}
	if newOffset < 0 {
		return f.offset, os.ErrInvalid
	}
	f.offset = newOffset
	return f.offset, nil
}

func (f *file) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.writer != nil {
		return translateErr(f.writer.Close(f.ctx))
	}
	return nil
}

func (f *file) Lock() error   { return nil }
func (f *file) Unlock() error { return nil }

func (f *file) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	if f.writer == nil {
		return os.ErrPermission
	}
	if size != f.writer.Tell() {
		return billy.ErrNotSupported
	}
	return nil
}
