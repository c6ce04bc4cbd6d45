// Package upstream defines the narrow client surface the read path consumes
// from a remote filesystem: mount an export, open files, positional reads and
// writes, and stat. Implementations live in subpackages.
package upstream

import (
	"context"
	"io/fs"
	"os"
	"time"
)

// Dialer mounts sessions to remote exports.
type Dialer interface {
	// Mount connects to server and mounts export. It may block on the network.
	Mount(ctx context.Context, server, export string) (Client, error)
}

// Client is a mounted export. Implementations are not required to be safe
// for concurrent use; callers serialize RPCs per client.
type Client interface {
	// Open opens path relative to the export root. flag follows os.O_* semantics.
	Open(ctx context.Context, path string, flag int) (Handle, error)
	// Stat returns metadata for path relative to the export root.
	Stat(ctx context.Context, path string) (Stat, error)
	// Unmount releases the export. The client must not be used afterwards.
	Unmount(ctx context.Context) error
}

// Handle is an open remote file.
type Handle interface {
	// Pread reads up to len(p) bytes at off. A short count with a nil error
	// means end of file was reached.
	Pread(ctx context.Context, p []byte, off int64) (int, error)
	// Pwrite writes p at off and returns the number of bytes written.
	Pwrite(ctx context.Context, p []byte, off int64) (int, error)
	// Fstat returns metadata for the open file.
	Fstat(ctx context.Context) (Stat, error)
	// Close releases the remote handle.
	Close(ctx context.Context) error
}

// Stat is a snapshot of remote file metadata.
type Stat struct {
	Name    string      `json:"name"`
	Size    int64       `json:"size"`
	Mode    fs.FileMode `json:"mode"`
	IsDir   bool        `json:"is_dir"`
	ModTime time.Time   `json:"mod_time"`
}

// FileInfo adapts s to fs.FileInfo.
func (s Stat) FileInfo() fs.FileInfo {
	return statInfo{s}
}

type statInfo struct {
	s Stat
}

func (i statInfo) Name() string       { return i.s.Name }
func (i statInfo) Size() int64        { return i.s.Size }
func (i statInfo) ModTime() time.Time { return i.s.ModTime }
func (i statInfo) IsDir() bool        { return i.s.IsDir }
func (i statInfo) Sys() any           { return nil }

func (i statInfo) Mode() fs.FileMode {
	if i.s.IsDir {
		return i.s.Mode | fs.ModeDir
	}
	return i.s.Mode
}

// FromFileInfo builds a Stat from an fs.FileInfo.
func FromFileInfo(info fs.FileInfo) Stat {
	return Stat{
		Name:    info.Name(),
		Size:    info.Size(),
		Mode:    info.Mode(),
		IsDir:   info.IsDir(),
		ModTime: info.ModTime(),
	}
}

// WantsWrite reports whether an open flag requests write access.
func WantsWrite(flag int) bool {
	return flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0
}
