// Package gcs implements a hierarchical, POSIX-like filesystem client on
// top of the flat Cloud Storage object namespace. Reads go through a
// signature-validated block cache, writes through resumable uploads, and
// metadata through TTL caches owned by the Filesystem.
package gcs

import (
	"context"
	"strings"

	"github.com/gobwas/glob"

	"github.com/jacktea/gcsfs/pkg/cache"
	"github.com/jacktea/gcsfs/pkg/gcsurl"
	"github.com/jacktea/gcsfs/pkg/xerrors"
)

// FileStatistics describes one object or directory.
type FileStatistics struct {
	Length      int64
	MtimeNanos  int64
	IsDirectory bool
	Generation  int64
}

// Filesystem is the facade over the Cloud Storage API. It exclusively owns
// every cache; readers and writers hold it only as a capability handle. All
// methods are safe for concurrent use.
type Filesystem struct {
	client   *client
	location *locationPolicy
	stats    StatsRecorder

	blocks     *cache.BlockCache // nil when the block cache is disabled
	statCache  *cache.Expiring[FileStatistics]
	matchCache *cache.Expiring[[]string]
}

// New builds a Filesystem from opts.
func New(opts Options) *Filesystem {
	fs := &Filesystem{
		client:     newClient(opts),
		stats:      opts.Stats,
		statCache:  cache.NewExpiring[FileStatistics](opts.StatCacheMaxAge, opts.StatCacheMaxEntries),
		matchCache: cache.NewExpiring[[]string](opts.MatchingPathsCacheMaxAge, opts.MatchingPathsCacheMaxEntries),
	}
	if fs.stats == nil {
		fs.stats = nopStats{}
	}
	fs.location = newLocationPolicy(opts.AllowedLocations, opts.ZoneProvider)
	if opts.BlockSize > 0 && opts.MaxBytes > 0 {
		fs.blocks = cache.NewBlockCache(opts.BlockSize, opts.MaxBytes, opts.MaxStaleness, fs.fetchBlock)
	}
	return fs
}

func (fs *Filesystem) blockCacheEnabled() bool { return fs.blocks != nil }

// fetchBlock loads one aligned block from the media endpoint. It is the
// BlockCache's only path to the origin.
func (fs *Filesystem) fetchBlock(ctx context.Context, filename string, offset int64, dst []byte) (int, error) {
	bucket, object, err := gcsurl.ParseObject(filename)
	if err != nil {
		return 0, err
	}
	fs.stats.RecordBlockLoadRequest(filename, offset)
	n, err := fs.client.readObjectRange(ctx, bucket, object, offset, dst)
	if err != nil {
		return 0, err
	}
	fs.stats.RecordBlockRetrieved(filename, offset, n)
	return n, nil
}

// statObject returns the object's statistics, consulting the stat cache.
// "Not found" results are never cached.
func (fs *Filesystem) statObject(ctx context.Context, uri, bucket, object string) (FileStatistics, error) {
	if st, ok := fs.statCache.Get(uri); ok {
		return st, nil
	}
	fs.stats.RecordStatObjectRequest()
	meta, err := fs.client.getObjectMetadata(ctx, bucket, object)
	if err != nil {
		return FileStatistics{}, xerrors.Wrap(xerrors.KindOf(err), "stat", uri, err)
	}
	st := FileStatistics{
		Length:      int64(meta.Size),
		IsDirectory: strings.HasSuffix(object, "/"),
		Generation:  meta.Generation,
	}
	if !meta.Updated.IsZero() {
		st.MtimeNanos = meta.Updated.UnixNano()
	}
	fs.statCache.Put(uri, st)
	return st, nil
}

func (fs *Filesystem) fileSignature(ctx context.Context, uri, bucket, object string) (cache.Signature, error) {
	st, err := fs.statObject(ctx, uri, bucket, object)
	if err != nil {
		return cache.Signature{}, err
	}
	return cache.Signature{Length: st.Length, MtimeNanos: st.MtimeNanos, Generation: st.Generation}, nil
}

func (fs *Filesystem) bucketExists(ctx context.Context, bucket string) error {
	_, err := fs.client.getBucketMetadata(ctx, bucket)
	return xerrors.Wrap(xerrors.KindOf(err), "bucket", bucket, err)
}

// folderExists probes the directory fiction: a path is a folder when a
// single-result listing under its prefix returns anything, directory
// markers included.
func (fs *Filesystem) folderExists(ctx context.Context, bucket, object string) (bool, error) {
	page, err := fs.client.listObjects(ctx, bucket, listQuery{
		prefix:     gcsurl.MaybeAppendSlash(object),
		maxResults: 1,
	})
	if err != nil {
		return false, err
	}
	return len(page.Items) > 0 || len(page.Prefixes) > 0, nil
}

// getChildrenBounded lists up to maxResults entries below the directory.
// Recursive listings walk the whole subtree with no delimiter; flat ones
// use delimiter=/ and include the subdirectory prefixes. Returned names are
// relative to the directory; the directory's own marker appears as the
// empty string when includeSelf is set, and is skipped otherwise.
func (fs *Filesystem) getChildrenBounded(ctx context.Context, bucket, object string, maxResults int, recursive, includeSelf bool) ([]string, error) {
	prefix := gcsurl.MaybeAppendSlash(object)
	var children []string
	pageToken := ""
	for {
		remaining := 0
		if maxResults > 0 {
			remaining = maxResults - len(children)
			if remaining <= 0 {
				return children, nil
			}
		}
		page, err := fs.client.listObjects(ctx, bucket, listQuery{
			prefix:     prefix,
			delimited:  !recursive,
			maxResults: remaining,
			pageToken:  pageToken,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if !strings.HasPrefix(item.Name, prefix) {
				return nil, xerrors.Errorf(xerrors.KindInternal,
					"Unexpected response: the returned file name %s doesn't match the prefix %s",
					item.Name, prefix)
			}
			rel := item.Name[len(prefix):]
			if rel == "" {
				if includeSelf {
					children = append(children, "")
				}
				continue
			}
			children = append(children, rel)
		}
		for _, p := range page.Prefixes {
			if !strings.HasPrefix(p, prefix) {
				return nil, xerrors.Errorf(xerrors.KindInternal,
					"Unexpected response: the returned folder name %s doesn't match the prefix %s",
					p, prefix)
			}
			if rel := p[len(prefix):]; rel != "" {
				children = append(children, rel)
			}
		}
		pageToken = page.NextPageToken
		if pageToken == "" {
			return children, nil
		}
	}
}

// invalidateFile drops every cache entry derived from the path.
func (fs *Filesystem) invalidateFile(uri string) {
	fs.statCache.Delete(uri)
	if fs.blocks != nil {
		fs.blocks.Invalidate(uri)
	}
}

// NewRandomAccessFile opens uri for random-access reads. With the block
// cache enabled the object is statted first so reads start from a known
// signature.
func (fs *Filesystem) NewRandomAccessFile(ctx context.Context, uri string) (*RandomAccessFile, error) {
	bucket, object, err := gcsurl.ParseObject(uri)
	if err != nil {
		return nil, err
	}
	if err := fs.location.check(ctx, fs.client, bucket); err != nil {
		return nil, err
	}
	if fs.blockCacheEnabled() {
		if _, err := fs.fileSignature(ctx, uri, bucket, object); err != nil {
			return nil, err
		}
	}
	return &RandomAccessFile{fs: fs, uri: uri, bucket: bucket, object: object}, nil
}

// NewWritableFile opens uri for writing from scratch.
func (fs *Filesystem) NewWritableFile(ctx context.Context, uri string) (*WritableFile, error) {
	bucket, object, err := gcsurl.ParseObject(uri)
	if err != nil {
		return nil, err
	}
	if err := fs.location.check(ctx, fs.client, bucket); err != nil {
		return nil, err
	}
	return &WritableFile{fs: fs, uri: uri, bucket: bucket, object: object, dirty: true}, nil
}

// readAppendableChunkSize bounds how much of the existing object is pulled
// per request when opening a file for append.
const readAppendableChunkSize = 1 << 20

// NewAppendableFile opens uri for appending: the current contents seed the
// writer's buffer.
func (fs *Filesystem) NewAppendableFile(ctx context.Context, uri string) (*WritableFile, error) {
	bucket, object, err := gcsurl.ParseObject(uri)
	if err != nil {
		return nil, err
	}
	if err := fs.location.check(ctx, fs.client, bucket); err != nil {
		return nil, err
	}
	reader := &RandomAccessFile{fs: fs, uri: uri, bucket: bucket, object: object}
	var buf []byte
	chunk := make([]byte, readAppendableChunkSize)
	for offset := int64(0); ; {
		n, err := reader.Read(ctx, offset, chunk)
		buf = append(buf, chunk[:n]...)
		offset += int64(n)
		if err != nil {
			if xerrors.Is(err, xerrors.KindOutOfRange) {
				break
			}
			return nil, err
		}
	}
	return &WritableFile{fs: fs, uri: uri, bucket: bucket, object: object, buf: buf, dirty: true}, nil
}

// ReadOnlyMemoryRegion holds a whole object in memory.
type ReadOnlyMemoryRegion struct {
	data []byte
}

// Data returns the region's bytes. Callers must not mutate them.
func (r *ReadOnlyMemoryRegion) Data() []byte { return r.data }

// Length returns the region size in bytes.
func (r *ReadOnlyMemoryRegion) Length() int64 { return int64(len(r.data)) }

// NewReadOnlyMemoryRegionFromFile stats uri and reads all of it at once.
func (fs *Filesystem) NewReadOnlyMemoryRegionFromFile(ctx context.Context, uri string) (*ReadOnlyMemoryRegion, error) {
	bucket, object, err := gcsurl.ParseObject(uri)
	if err != nil {
		return nil, err
	}
	if err := fs.location.check(ctx, fs.client, bucket); err != nil {
		return nil, err
	}
	st, err := fs.statObject(ctx, uri, bucket, object)
	if err != nil {
		return nil, err
	}
	if st.Length == 0 {
		return nil, xerrors.Errorf(xerrors.KindInvalidArgument, "File %s is empty", uri)
	}
	data := make([]byte, st.Length)
	reader := &RandomAccessFile{fs: fs, uri: uri, bucket: bucket, object: object}
	if _, err := reader.Read(ctx, 0, data); err != nil {
		return nil, err
	}
	return &ReadOnlyMemoryRegion{data: data}, nil
}

// FileExists reports whether uri names an existing bucket, object, or
// directory (marker objects and implicit prefixes both count).
func (fs *Filesystem) FileExists(ctx context.Context, uri string) error {
	bucket, object, err := gcsurl.Parse(uri)
	if err != nil {
		return err
	}
	if object == "" {
		return fs.bucketExists(ctx, bucket)
	}
	_, err = fs.statObject(ctx, uri, bucket, object)
	if err == nil {
		return nil
	}
	if !xerrors.Is(err, xerrors.KindNotFound) {
		return err
	}
	ok, err := fs.folderExists(ctx, bucket, object)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf(xerrors.KindNotFound, "The specified path %s was not found", uri)
	}
	return nil
}

// Stat describes uri. Buckets and directory prefixes stat as directories
// with zero size and mtime.
func (fs *Filesystem) Stat(ctx context.Context, uri string) (FileStatistics, error) {
	bucket, object, err := gcsurl.Parse(uri)
	if err != nil {
		return FileStatistics{}, err
	}
	if object == "" {
		if err := fs.bucketExists(ctx, bucket); err != nil {
			return FileStatistics{}, err
		}
		return FileStatistics{IsDirectory: true}, nil
	}
	st, err := fs.statObject(ctx, uri, bucket, object)
	if err == nil {
		return st, nil
	}
	if !xerrors.Is(err, xerrors.KindNotFound) {
		return FileStatistics{}, err
	}
	ok, err := fs.folderExists(ctx, bucket, object)
	if err != nil {
		return FileStatistics{}, err
	}
	if ok {
		return FileStatistics{IsDirectory: true}, nil
	}
	return FileStatistics{}, xerrors.Errorf(xerrors.KindNotFound,
		"The specified path %s was not found", uri)
}

// GetFileSize returns the object's length.
func (fs *Filesystem) GetFileSize(ctx context.Context, uri string) (int64, error) {
	if _, _, err := gcsurl.ParseObject(uri); err != nil {
		return 0, err
	}
	st, err := fs.Stat(ctx, uri)
	if err != nil {
		return 0, err
	}
	return st.Length, nil
}

// GetChildren lists the immediate children of uri: object names and
// subdirectory prefixes, both relative to the directory. The directory's
// own marker is filtered out.
func (fs *Filesystem) GetChildren(ctx context.Context, uri string) ([]string, error) {
	bucket, object, err := gcsurl.Parse(uri)
	if err != nil {
		return nil, err
	}
	return fs.getChildrenBounded(ctx, bucket, object, 0, false, false)
}

// wildcard metacharacters splitting a match pattern from its fixed prefix.
const matchMetaChars = `*?[\`

// GetMatchingPaths expands a glob pattern. The fixed prefix must name a
// bucket; a "*" does not cross "/" boundaries, and directories implied by
// deeper objects participate in the match. Results are memoized until
// FlushCaches.
func (fs *Filesystem) GetMatchingPaths(ctx context.Context, pattern string) ([]string, error) {
	if cached, ok := fs.matchCache.Get(pattern); ok {
		return append([]string(nil), cached...), nil
	}
	results, err := fs.matchingPathsUncached(ctx, pattern)
	if err != nil {
		return nil, err
	}
	fs.matchCache.Put(pattern, results)
	return append([]string(nil), results...), nil
}

func (fs *Filesystem) matchingPathsUncached(ctx context.Context, pattern string) ([]string, error) {
	idx := strings.IndexAny(pattern, matchMetaChars)
	if idx < 0 {
		// No wildcard: the pattern is a literal path.
		if _, err := fs.Stat(ctx, pattern); err != nil {
			if xerrors.Is(err, xerrors.KindNotFound) {
				return []string{}, nil
			}
			return nil, err
		}
		return []string{pattern}, nil
	}

	dir := gcsurl.Dirname(pattern[:idx])
	bucket, objectDir, err := gcsurl.Parse(dir)
	if err != nil {
		return nil, xerrors.Errorf(xerrors.KindInvalidArgument,
			"A GCS pattern doesn't have a bucket name: %s", pattern)
	}
	matcher, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalidArgument, "match", pattern, err)
	}

	children, err := fs.getChildrenBounded(ctx, bucket, objectDir, 0, true, false)
	if err != nil {
		return nil, err
	}
	prefix := gcsurl.MaybeAppendSlash(objectDir)
	candidates := make([]string, 0, len(children))
	seen := make(map[string]bool, len(children))
	for _, child := range children {
		full := gcsurl.Join(bucket, prefix+child)
		candidates = append(candidates, full)
		seen[full] = true
	}

	results := []string{}
	for _, full := range candidates {
		if matcher.Match(full) {
			results = append(results, full)
		}
	}
	// Directories are not first-class: every parent implied by a deeper
	// object is also a match candidate.
	base := gcsurl.Join(bucket, prefix)
	for _, full := range candidates {
		for i := len(base); i < len(full); i++ {
			if full[i] != '/' {
				continue
			}
			parent := full[:i]
			if seen[parent] {
				continue
			}
			seen[parent] = true
			if matcher.Match(parent) {
				results = append(results, parent)
			}
		}
	}
	return results, nil
}

// DeleteFile removes a single object and drops its cache entries.
func (fs *Filesystem) DeleteFile(ctx context.Context, uri string) error {
	bucket, object, err := gcsurl.ParseObject(uri)
	if err != nil {
		return err
	}
	if err := fs.client.deleteObject(ctx, bucket, object); err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), "delete", uri, err)
	}
	fs.invalidateFile(uri)
	return nil
}

// deleteObjectIdempotent deletes an object that is known to have existed.
// A not-found answer means an earlier attempt of ours already won; that
// counts as success.
func (fs *Filesystem) deleteObjectIdempotent(ctx context.Context, bucket, object string) error {
	err := fs.client.deleteObject(ctx, bucket, object)
	if err == nil || xerrors.Is(err, xerrors.KindNotFound) {
		return nil
	}
	return err
}

// CreateDir materializes the directory fiction by uploading a zero-length
// marker object named "<dir>/". Bucket roots only check bucket existence.
func (fs *Filesystem) CreateDir(ctx context.Context, uri string) error {
	bucket, object, err := gcsurl.Parse(uri)
	if err != nil {
		return err
	}
	if object == "" {
		return fs.bucketExists(ctx, bucket)
	}
	dirObject := gcsurl.MaybeAppendSlash(object)
	dirURI := gcsurl.Join(bucket, dirObject)
	if err := fs.FileExists(ctx, dirURI); err == nil {
		return xerrors.E(xerrors.KindAlreadyExists, "", uri)
	} else if !xerrors.Is(err, xerrors.KindNotFound) {
		return err
	}
	marker := &WritableFile{fs: fs, uri: dirURI, bucket: bucket, object: dirObject, dirty: true}
	if err := marker.Close(ctx); err != nil {
		return err
	}
	fs.invalidateFile(uri)
	return nil
}

// DeleteDir removes an empty directory: at most its own marker may remain
// beneath the prefix.
func (fs *Filesystem) DeleteDir(ctx context.Context, uri string) error {
	bucket, object, err := gcsurl.Parse(uri)
	if err != nil {
		return err
	}
	// Two results decide: either the listing is empty, or the only entry is
	// the directory's own marker.
	children, err := fs.getChildrenBounded(ctx, bucket, object, 2, true, true)
	if err != nil {
		return err
	}
	if len(children) > 1 || (len(children) == 1 && children[0] != "") {
		return xerrors.Errorf(xerrors.KindFailedPrecondition,
			"Cannot delete a non-empty directory: %s", uri)
	}
	if len(children) == 1 && children[0] == "" {
		dirObject := gcsurl.MaybeAppendSlash(object)
		if err := fs.client.deleteObject(ctx, bucket, dirObject); err != nil {
			return xerrors.Wrap(xerrors.KindOf(err), "delete", uri, err)
		}
		fs.invalidateFile(gcsurl.Join(bucket, dirObject))
	}
	fs.invalidateFile(uri)
	return nil
}

// DeleteRecursively deletes everything under uri best effort and counts
// what could not be removed. A delete raced by an earlier success is not a
// failure.
func (fs *Filesystem) DeleteRecursively(ctx context.Context, uri string) (undeletedFiles, undeletedDirs int64, err error) {
	bucket, object, err := gcsurl.ParseObject(uri)
	if err != nil {
		return 0, 1, err
	}
	if err := fs.IsDirectory(ctx, uri); err != nil {
		return 0, 1, xerrors.Wrap(xerrors.KindNotFound, "rmtree", uri, err)
	}
	children, err := fs.getChildrenBounded(ctx, bucket, object, 0, true, true)
	if err != nil {
		return 0, 1, err
	}
	prefix := gcsurl.MaybeAppendSlash(object)
	for _, child := range children {
		childObject := prefix + child
		if err := fs.deleteObjectIdempotent(ctx, bucket, childObject); err != nil {
			if child == "" || strings.HasSuffix(child, "/") {
				undeletedDirs++
			} else {
				undeletedFiles++
			}
			continue
		}
		fs.invalidateFile(gcsurl.Join(bucket, childObject))
	}
	fs.invalidateFile(uri)
	return undeletedFiles, undeletedDirs, nil
}

// IsDirectory reports whether uri is a bucket root or a directory. An
// existing plain object fails the precondition; anything else is absent.
func (fs *Filesystem) IsDirectory(ctx context.Context, uri string) error {
	bucket, object, err := gcsurl.Parse(uri)
	if err != nil {
		return err
	}
	if object == "" {
		return fs.bucketExists(ctx, bucket)
	}
	ok, err := fs.folderExists(ctx, bucket, object)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := fs.statObject(ctx, uri, bucket, object); err == nil {
		return xerrors.Errorf(xerrors.KindFailedPrecondition,
			"The specified path %s is not a directory", uri)
	} else if !xerrors.Is(err, xerrors.KindNotFound) {
		return err
	}
	return xerrors.Errorf(xerrors.KindNotFound, "The specified path %s was not found", uri)
}

// renameObject copies src to dst server side, then deletes src. The copy
// must complete in one shot.
func (fs *Filesystem) renameObject(ctx context.Context, srcBucket, srcObject, dstBucket, dstObject string) error {
	if err := fs.client.rewriteObject(ctx, srcBucket, srcObject, dstBucket, dstObject); err != nil {
		return err
	}
	if err := fs.deleteObjectIdempotent(ctx, srcBucket, srcObject); err != nil {
		return err
	}
	fs.invalidateFile(gcsurl.Join(srcBucket, srcObject))
	fs.invalidateFile(gcsurl.Join(dstBucket, dstObject))
	return nil
}

// RenameFile renames an object, or a directory tree object by object
// (marker included). The store has no native rename; this is rewrite plus
// delete per object.
func (fs *Filesystem) RenameFile(ctx context.Context, src, dst string) error {
	srcBucket, srcObject, err := gcsurl.ParseObject(src)
	if err != nil {
		return err
	}
	dstBucket, dstObject, err := gcsurl.ParseObject(dst)
	if err != nil {
		return err
	}
	if fs.IsDirectory(ctx, src) == nil {
		srcPrefix := gcsurl.MaybeAppendSlash(srcObject)
		dstPrefix := gcsurl.MaybeAppendSlash(dstObject)
		children, err := fs.getChildrenBounded(ctx, srcBucket, srcObject, 0, true, true)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := fs.renameObject(ctx, srcBucket, srcPrefix+child, dstBucket, dstPrefix+child); err != nil {
				return err
			}
		}
		fs.invalidateFile(src)
		fs.invalidateFile(dst)
		return nil
	}
	return fs.renameObject(ctx, srcBucket, srcObject, dstBucket, dstObject)
}

// FlushCaches atomically resets every memoization the filesystem holds.
// The very next operation goes back to the origin.
func (fs *Filesystem) FlushCaches() {
	if fs.blocks != nil {
		fs.blocks.Clear()
	}
	fs.statCache.Clear()
	fs.matchCache.Clear()
	fs.location.flush()
}
