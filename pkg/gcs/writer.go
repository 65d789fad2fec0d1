package gcs

import (
	"context"
	"time"

	"github.com/jacktea/gcsfs/pkg/xerrors"
)

// WritableFile is an append-only buffered writer that persists its contents
// with a resumable upload on Flush/Sync/Close. Like the reader it holds the
// filesystem only as a capability handle.
type WritableFile struct {
	fs     *Filesystem
	uri    string
	bucket string
	object string

	buf    []byte
	dirty  bool
	closed bool
}

// Name returns the gs:// URI the file was opened with.
func (w *WritableFile) Name() string { return w.uri }

// Append adds data to the in-memory buffer.
func (w *WritableFile) Append(data []byte) error {
	if w.closed {
		return xerrors.E(xerrors.KindFailedPrecondition, "append", w.uri)
	}
	w.buf = append(w.buf, data...)
	w.dirty = true
	return nil
}

// Tell reports the write position, i.e. the buffered length.
func (w *WritableFile) Tell() int64 { return int64(len(w.buf)) }

// Flush uploads the buffer if it has unsynced appends. On success the
// target's stat-cache entry and cached blocks are dropped so subsequent
// reads observe the new contents.
func (w *WritableFile) Flush(ctx context.Context) error {
	if !w.dirty {
		return nil
	}
	if err := w.upload(ctx); err != nil {
		return err
	}
	w.dirty = false
	w.fs.invalidateFile(w.uri)
	return nil
}

// Sync is equivalent to Flush.
func (w *WritableFile) Sync(ctx context.Context) error { return w.Flush(ctx) }

// Close flushes and releases the writer. Whatever the upload outcome, the
// target path is invalidated in the caches: a half-written object must not
// be served from stale blocks.
func (w *WritableFile) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	err := w.Flush(ctx)
	w.fs.invalidateFile(w.uri)
	if err != nil {
		return err
	}
	w.closed = true
	return nil
}

// Abandon makes one opportunistic attempt to persist a writer whose Close
// failed, swallowing the result. It exists so owners can drop a broken
// writer without losing data when the outage was transient.
func (w *WritableFile) Abandon(ctx context.Context) {
	if w.closed || !w.dirty {
		return
	}
	_ = w.Close(ctx)
	w.closed = true
}

// upload drives the resumable-upload protocol:
//
//	initiate -> PUT full range -> 2xx
//	                |
//	               5xx/408 ------> probe (bytes */L)
//	                                 | 2xx: done
//	                                 | 308 + Range: resume past committed
//	                                 | 308 bare: restart at zero
//	                                 | 410: new session, restart at zero
//
// Probes share the attempt they follow; only a failed PUT consumes one of
// the bounded attempts. A PUT answered with 410 means the session is gone:
// the error surfaces as unavailable and the next Flush starts over.
func (w *WritableFile) upload(ctx context.Context) error {
	total := int64(len(w.buf))
	session, err := w.fs.client.createUploadSession(ctx, w.bucket, w.object, total)
	if err != nil {
		return w.wrapUploadError(err)
	}

	uploaded := int64(0)
	last := w.putChunk(ctx, session, uploaded, total)
	if last == nil {
		return nil
	}
	if terminal := w.terminalUploadError(last); terminal != nil {
		return terminal
	}

	attempts := w.fs.client.retry.MaxAttempts
	delay := w.fs.client.retry.InitDelay
	for attempt := 0; attempt < attempts; attempt++ {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			if delay < 32*time.Second {
				delay *= 2
			}
		}
		status, err := w.probeSession(ctx, session, total)
		if err != nil {
			return w.wrapUploadError(err)
		}
		switch {
		case status.complete:
			return nil
		case status.restart:
			session, err = w.fs.client.createUploadSession(ctx, w.bucket, w.object, total)
			if err != nil {
				return w.wrapUploadError(err)
			}
			uploaded = 0
		default:
			uploaded = status.uploaded
		}
		last = w.putChunk(ctx, session, uploaded, total)
		if last == nil {
			return nil
		}
		if terminal := w.terminalUploadError(last); terminal != nil {
			return terminal
		}
	}
	return xerrors.Errorf(xerrors.KindAborted,
		"All %d retry attempts failed. The last failure: %v when uploading %s",
		attempts, last, w.uri)
}

func (w *WritableFile) putChunk(ctx context.Context, session string, uploaded, total int64) error {
	return w.fs.client.uploadChunk(ctx, session, w.buf, uploaded, total)
}

// terminalUploadError returns the error to surface when err ends the
// upload, or nil when a probe-and-retry is allowed. A 410 means the
// session is gone; the writer stays dirty and a later Flush starts over.
func (w *WritableFile) terminalUploadError(err error) error {
	if statusCode(err) == 410 {
		return w.wrapUploadError(err)
	}
	if !xerrors.IsRetriable(err) {
		return w.wrapUploadError(err)
	}
	return nil
}

// probeSession asks the server how much of the upload it committed.
// A 308 answer resumes; the other shapes are decoded by the client.
func (w *WritableFile) probeSession(ctx context.Context, session string, total int64) (uploadStatus, error) {
	return w.fs.client.probeUploadStatus(ctx, session, total)
}

// wrapUploadError annotates cause with the target URI. A lost session (410)
// is reported as unavailable: the upload can succeed wholesale on a fresh
// session. Other kinds pass through so permission and precondition failures
// stay terminal for the caller.
func (w *WritableFile) wrapUploadError(cause error) error {
	kind := xerrors.KindOf(cause)
	if statusCode(cause) == 410 {
		kind = xerrors.KindUnavailable
	}
	return xerrors.Errorf(kind,
		"Upload to %s failed, caused by: %v when uploading %s", w.uri, cause, w.uri)
}
