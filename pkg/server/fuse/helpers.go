package fuse

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path"
	"strings"
	"syscall"

	"github.com/jacktea/gcsfs/pkg/xerrors"
)

// cleanPath normalises mount-relative paths.
func cleanPath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if cleaned == "" {
		return "/"
	}
	return cleaned
}

// joinPath appends a child name to a mount-relative directory path.
func joinPath(dir, name string) string {
	return cleanPath(path.Join(dir, name))
}

// inodeForPath derives a stable inode number from the path.
func inodeForPath(p string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(cleanPath(p)))
	return h.Sum64()
}

// errnoForError converts filesystem errors to syscall errno codes.
func errnoForError(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	case os.IsNotExist(err):
		return syscall.ENOENT
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return syscall.ENOENT
	case xerrors.KindAlreadyExists:
		return syscall.EEXIST
	case xerrors.KindPermission:
		return syscall.EPERM
	case xerrors.KindInvalidArgument:
		return syscall.EINVAL
	case xerrors.KindFailedPrecondition:
		return syscall.ENOTDIR
	case xerrors.KindUnimplemented:
		return syscall.ENOTSUP
	case xerrors.KindUnavailable:
		return syscall.EAGAIN
	default:
		return syscall.EIO
	}
}
