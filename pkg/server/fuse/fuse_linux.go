//go:build linux

package fuse

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/jacktea/gcsfs/pkg/gcs"
	"github.com/jacktea/gcsfs/pkg/gcsurl"
	"github.com/jacktea/gcsfs/pkg/xerrors"
)

const (
	attrTimeout    = 2 * time.Second
	entryTimeout   = 2 * time.Second
	defaultBlkSz   = 4096
	defaultDirMod  = 0o755
	defaultFileMod = 0o644
)

// Mount exposes one bucket of the filesystem at mountpoint.
func Mount(ctx context.Context, filesystem *gcs.Filesystem, bucket, mountpoint string) error {
	if filesystem == nil {
		return fmt.Errorf("fuse: nil filesystem")
	}
	if bucket == "" {
		return fmt.Errorf("fuse: bucket is required")
	}
	root := newDirNode(filesystem, bucket, "/")
	server, err := gofuse.Mount(mountpoint, root, &gofuse.Options{
		MountOptions: fuse.MountOptions{
			FsName: "gs://" + bucket,
			Name:   "gcsfs",
		},
	})
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = server.Unmount()
		case <-done:
		}
	}()
	server.Wait()
	close(done)
	if err := ctx.Err(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// dirNode represents a directory inode in FUSE space.
type dirNode struct {
	gofuse.Inode
	fsys   *gcs.Filesystem
	bucket string
	path   string
}

var (
	_ gofuse.NodeLookuper  = (*dirNode)(nil)
	_ gofuse.NodeReaddirer = (*dirNode)(nil)
	_ gofuse.NodeMkdirer   = (*dirNode)(nil)
	_ gofuse.NodeCreater   = (*dirNode)(nil)
	_ gofuse.NodeUnlinker  = (*dirNode)(nil)
	_ gofuse.NodeRmdirer   = (*dirNode)(nil)
	_ gofuse.NodeRenamer   = (*dirNode)(nil)
	_ gofuse.NodeGetattrer = (*dirNode)(nil)
)

func newDirNode(fsys *gcs.Filesystem, bucket, p string) *dirNode {
	return &dirNode{fsys: fsys, bucket: bucket, path: cleanPath(p)}
}

func (d *dirNode) uriFor(p string) string {
	return gcsurl.Join(d.bucket, strings.TrimPrefix(cleanPath(p), "/"))
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := joinPath(d.path, name)
	st, err := d.fsys.Stat(ctx, d.uriFor(childPath))
	if err != nil {
		return nil, errnoForError(err)
	}
	if st.IsDirectory {
		child := newDirNode(d.fsys, d.bucket, childPath)
		fillEntry(out, dirAttr(childPath))
		return d.NewInode(ctx, child, stableAttr(childPath, fuse.S_IFDIR)), 0
	}
	child := &fileNode{fsys: d.fsys, bucket: d.bucket, path: childPath}
	fillEntry(out, fileAttr(st, childPath))
	return d.NewInode(ctx, child, stableAttr(childPath, fuse.S_IFREG)), 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	children, err := d.fsys.GetChildren(ctx, d.uriFor(d.path))
	if err != nil {
		return nil, errnoForError(err)
	}
	entries := make([]fuse.DirEntry, 0, len(children)+2)
	entries = append(entries,
		fuse.DirEntry{Name: ".", Mode: fuse.S_IFDIR, Ino: inodeForPath(d.path)},
		fuse.DirEntry{Name: "..", Mode: fuse.S_IFDIR, Ino: inodeForPath(cleanPath(d.path + "/.."))},
	)
	for _, child := range children {
		if strings.HasSuffix(child, "/") {
			name := strings.TrimSuffix(child, "/")
			entries = append(entries, fuse.DirEntry{
				Name: name, Mode: fuse.S_IFDIR, Ino: inodeForPath(joinPath(d.path, name)),
			})
			continue
		}
		entries = append(entries, fuse.DirEntry{
			Name: child, Mode: fuse.S_IFREG, Ino: inodeForPath(joinPath(d.path, child)),
		})
	}
	return gofuse.NewListDirStream(entries), 0
}

func (d *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	childPath := joinPath(d.path, name)
	if err := d.fsys.CreateDir(ctx, d.uriFor(childPath)); err != nil {
		return nil, errnoForError(err)
	}
	child := newDirNode(d.fsys, d.bucket, childPath)
	fillEntry(out, dirAttr(childPath))
	return d.NewInode(ctx, child, stableAttr(childPath, fuse.S_IFDIR)), 0
}

func (d *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	childPath := joinPath(d.path, name)
	writer, err := d.fsys.NewWritableFile(ctx, d.uriFor(childPath))
	if err != nil {
		return nil, nil, 0, errnoForError(err)
	}
	child := &fileNode{fsys: d.fsys, bucket: d.bucket, path: childPath}
	fillEntry(out, fileAttr(gcs.FileStatistics{}, childPath))
	inode := d.NewInode(ctx, child, stableAttr(childPath, fuse.S_IFREG))
	return inode, &writeHandle{writer: writer}, fuse.FOPEN_DIRECT_IO, 0
}

func (d *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoForError(d.fsys.DeleteFile(ctx, d.uriFor(joinPath(d.path, name))))
}

func (d *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoForError(d.fsys.DeleteDir(ctx, d.uriFor(joinPath(d.path, name))))
}

func (d *dirNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst, ok := newParent.(*dirNode)
	if !ok {
		return syscall.EINVAL
	}
	src := d.uriFor(joinPath(d.path, name))
	return errnoForError(d.fsys.RenameFile(ctx, src, dst.uriFor(joinPath(dst.path, newName))))
}

func (d *dirNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Attr = dirAttr(d.path)
	out.SetTimeout(attrTimeout)
	return 0
}

// fileNode represents a regular object.
type fileNode struct {
	gofuse.Inode
	fsys   *gcs.Filesystem
	bucket string
	path   string
}

var (
	_ gofuse.NodeOpener    = (*fileNode)(nil)
	_ gofuse.NodeGetattrer = (*fileNode)(nil)
)

func (f *fileNode) uri() string {
	return gcsurl.Join(f.bucket, strings.TrimPrefix(f.path, "/"))
}

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, err := f.fsys.Stat(ctx, f.uri())
	if err != nil {
		return errnoForError(err)
	}
	out.Attr = fileAttr(st, f.path)
	out.SetTimeout(attrTimeout)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	switch flags & syscall.O_ACCMODE {
	case syscall.O_RDONLY:
		reader, err := f.fsys.NewRandomAccessFile(ctx, f.uri())
		if err != nil {
			return nil, 0, errnoForError(err)
		}
		return &readHandle{reader: reader}, fuse.FOPEN_KEEP_CACHE, 0
	case syscall.O_WRONLY, syscall.O_RDWR:
		var (
			writer *gcs.WritableFile
			err    error
		)
		if flags&syscall.O_APPEND != 0 {
			writer, err = f.fsys.NewAppendableFile(ctx, f.uri())
		} else {
			writer, err = f.fsys.NewWritableFile(ctx, f.uri())
		}
		if err != nil {
			return nil, 0, errnoForError(err)
		}
		return &writeHandle{writer: writer}, fuse.FOPEN_DIRECT_IO, 0
	default:
		return nil, 0, syscall.EINVAL
	}
}

// readHandle serves reads from the block cache through the facade.
type readHandle struct {
	reader *gcs.RandomAccessFile
}

var _ gofuse.FileReader = (*readHandle)(nil)

func (h *readHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.reader.Read(ctx, off, dest)
	if err != nil && !xerrors.Is(err, xerrors.KindOutOfRange) {
		return nil, errnoForError(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// writeHandle buffers appends and uploads on flush. The object store only
// supports sequential writes.
type writeHandle struct {
	writer *gcs.WritableFile
}

var (
	_ gofuse.FileWriter   = (*writeHandle)(nil)
	_ gofuse.FileFlusher  = (*writeHandle)(nil)
	_ gofuse.FileReleaser = (*writeHandle)(nil)
	_ gofuse.FileFsyncer  = (*writeHandle)(nil)
)

func (h *writeHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	if off != h.writer.Tell() {
		return 0, syscall.ENOTSUP
	}
	if err := h.writer.Append(data); err != nil {
		return 0, errnoForError(err)
	}
	return uint32(len(data)), 0
}

func (h *writeHandle) Flush(ctx context.Context) syscall.Errno {
	return errnoForError(h.writer.Flush(ctx))
}

func (h *writeHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errnoForError(h.writer.Sync(ctx))
}

func (h *writeHandle) Release(ctx context.Context) syscall.Errno {
	return errnoForError(h.writer.Close(ctx))
}

func stableAttr(p string, mode uint32) gofuse.StableAttr {
	return gofuse.StableAttr{Mode: mode, Ino: inodeForPath(p)}
}

func fillEntry(out *fuse.EntryOut, attr fuse.Attr) {
	out.Attr = attr
	out.SetAttrTimeout(attrTimeout)
	out.SetEntryTimeout(entryTimeout)
}

func dirAttr(p string) fuse.Attr {
	return fuse.Attr{
		Ino:     inodeForPath(p),
		Mode:    fuse.S_IFDIR | defaultDirMod,
		Blksize: defaultBlkSz,
	}
}

func fileAttr(st gcs.FileStatistics, p string) fuse.Attr {
	attr := fuse.Attr{
		Ino:     inodeForPath(p),
		Mode:    fuse.S_IFREG | defaultFileMod,
		Size:    uint64(st.Length),
		Blksize: defaultBlkSz,
	}
	if st.MtimeNanos > 0 {
		mtime := time.Unix(0, st.MtimeNanos)
		attr.SetTimes(nil, &mtime, nil)
	}
	return attr
}
