// Package fuseadapter mounts a store.Store as a flat directory of files,
// one per live object id, named by its decimal id. It exists for
// inspection and testing: there are no directories, names, permissions
// or xattrs here, only `/<id>` => that object's bytes.
package fuseadapter

import (
	"context"
	"io"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/objarc/objarc/internal/store"
)

const rootInode = fuseops.RootInodeID

// FS implements fuseutil.FileSystem over a store.Store. Each live object
// id maps to both a fixed inode number (id+2, to leave room for the
// FUSE-reserved root inode 1) and a file name (its decimal id).
type FS struct {
	fuseutil.NotImplementedFileSystem

	st *store.Store
}

// New wraps st for FUSE mounting.
func New(st *store.Store) *FS {
	return &FS{st: st}
}

func inodeFor(object uint64) fuseops.InodeID { return fuseops.InodeID(object + 2) }
func objectFor(ino fuseops.InodeID) (uint64, bool) {
	if ino < 2 {
		return 0, false
	}
	return uint64(ino) - 2, true
}

// Mount mounts fs at mountpoint and returns a join function that blocks
// until it is unmounted.
func Mount(ctx context.Context, fs *FS, mountpoint string) (join func(context.Context) error, err error) {
	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:                 "objarc",
		Options:                map[string]string{"allow_other": ""},
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
	if err != nil {
		return nil, xerrors.Errorf("fuse.Mount: %w", err)
	}
	join = func(ctx context.Context) error {
		defer syscall.Unmount(mountpoint, 0)
		return mfs.Join(ctx)
	}
	return join, nil
}

func (fs *FS) attrFor(ctx context.Context, object uint64) (fuseops.InodeAttributes, error) {
	length, err := fs.st.Length(ctx, object)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	now := time.Now()
	return fuseops.InodeAttributes{
		Size:  length,
		Nlink: 1,
		Mode:  0o644,
		Mtime: now,
		Ctime: now,
		Atime: now,
	}, nil
}

// StatFS reports a nominal filesystem; objarc has no fixed block count
// meaningful to statfs(2) callers in this adapter.
func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	if op.Parent != rootInode {
		return fuse.ENOENT
	}
	id, err := strconv.ParseUint(op.Name, 10, 64)
	if err != nil {
		return fuse.ENOENT
	}
	live, err := fs.st.LiveObjects(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, l := range live {
		if l == id {
			found = true
			break
		}
	}
	if !found {
		return fuse.ENOENT
	}
	attr, err := fs.attrFor(ctx, id)
	if err != nil {
		return err
	}
	op.Entry = fuseops.ChildInodeEntry{
		Child:      inodeFor(id),
		Attributes: attr,
	}
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	if op.Inode == rootInode {
		now := time.Now()
		op.Attributes = fuseops.InodeAttributes{Nlink: 2, Mode: os.ModeDir | 0o755, Mtime: now, Ctime: now, Atime: now}
		return nil
	}
	object, ok := objectFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	attr, err := fs.attrFor(ctx, object)
	if err != nil {
		return err
	}
	op.Attributes = attr
	return nil
}

func (fs *FS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	object, ok := objectFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	if op.Size != nil {
		if err := fs.st.Truncate(ctx, object, *op.Size); err != nil {
			return err
		}
	}
	attr, err := fs.attrFor(ctx, object)
	if err != nil {
		return err
	}
	op.Attributes = attr
	return nil
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	if op.Inode != rootInode {
		return fuse.ENOENT
	}
	return nil
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	if op.Inode != rootInode {
		return fuse.ENOENT
	}
	live, err := fs.st.LiveObjects(ctx)
	if err != nil {
		return err
	}
	var entries []fuseutil.Dirent
	for i, id := range live {
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  inodeFor(id),
			Name:   strconv.FormatUint(id, 10),
			Type:   fuseutil.DT_File,
		})
	}
	if op.Offset > fuseops.DirOffset(len(entries)) {
		return nil
	}
	entries = entries[op.Offset:]
	for _, e := range entries {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	if _, ok := objectFor(op.Inode); !ok {
		return fuse.ENOENT
	}
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	object, ok := objectFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	data, err := fs.st.ReadAt(ctx, object, uint64(op.Offset), int64(len(op.Dst)))
	if err != nil {
		return err
	}
	op.BytesRead = copy(op.Dst, data)
	if op.BytesRead < len(data) {
		return io.ErrShortBuffer
	}
	return nil
}

func (fs *FS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	object, ok := objectFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	return fs.st.WriteAt(ctx, object, uint64(op.Offset), op.Data)
}

func (fs *FS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	if op.Parent != rootInode {
		return fuse.ENOENT
	}
	id, err := fs.st.CreateObject(ctx)
	if err != nil {
		return err
	}
	attr, err := fs.attrFor(ctx, id)
	if err != nil {
		return err
	}
	op.Entry = fuseops.ChildInodeEntry{Child: inodeFor(id), Attributes: attr}
	return nil
}

func (fs *FS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	if op.Parent != rootInode {
		return fuse.ENOENT
	}
	id, err := strconv.ParseUint(op.Name, 10, 64)
	if err != nil {
		return fuse.ENOENT
	}
	return fs.st.DeleteObject(ctx, id)
}

func (fs *FS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return fs.st.Commit(ctx)
}

func (fs *FS) SyncFS(ctx context.Context, op *fuseops.SyncFSOp) error {
	return fs.st.Commit(ctx)
}

func (fs *FS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	return nil
}
