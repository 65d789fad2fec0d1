package gcs

import (
	"context"

	"github.com/jacktea/gcsfs/pkg/xerrors"
)

// RandomAccessFile is a read-only random-access view of an object. The
// handle carries the filesystem's identity only as a capability: closing or
// dropping it never tears down the filesystem's caches, and every read
// re-acquires the cache locks through the filesystem.
type RandomAccessFile struct {
	fs     *Filesystem
	uri    string
	bucket string
	object string
}

// Name returns the gs:// URI the file was opened with.
func (f *RandomAccessFile) Name() string { return f.uri }

// Read copies up to len(dst) bytes starting at offset into dst. A shortfall
// returns the bytes read together with an out-of-range error. A short read
// that contradicts the cached file length reports an internal error: the
// origin mutated the object between the stat and the media read.
func (f *RandomAccessFile) Read(ctx context.Context, offset int64, dst []byte) (int, error) {
	var (
		n   int
		err error
	)
	if f.fs.blockCacheEnabled() {
		sig, serr := f.fs.fileSignature(ctx, f.uri, f.bucket, f.object)
		if serr != nil {
			return 0, serr
		}
		n, err = f.fs.blocks.ReadAt(ctx, f.uri, offset, dst, sig)
	} else {
		n, err = f.fs.client.readObjectRange(ctx, f.bucket, f.object, offset, dst)
		if err == nil && n < len(dst) {
			err = xerrors.Errorf(xerrors.KindOutOfRange,
				"EOF reached, %d bytes were read out of %d bytes requested", n, len(dst))
		}
	}
	if xerrors.Is(err, xerrors.KindOutOfRange) {
		// Only the stat cache is consulted here: a cached length larger
		// than what the media endpoint produced means the two endpoints
		// disagreed about the same generation.
		if st, ok := f.fs.statCache.Get(f.uri); ok && offset+int64(n) < st.Length {
			return n, xerrors.Errorf(xerrors.KindInternal,
				"File contents are inconsistent for file: %s @ %d", f.uri, offset)
		}
	}
	return n, err
}
