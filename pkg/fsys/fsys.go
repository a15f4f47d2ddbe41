package fsys

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/spf13/afero"

	"squeeze/pkg/squeezeerr"
)

// Action is an access mode. Values match the unix R_OK/W_OK/X_OK bits.
type Action uint32

const (
	ActionExecute Action = 1 << iota
	ActionWrite
	ActionRead
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionWrite:
		return "write"
	case ActionExecute:
		return "execute"
	default:
		return fmt.Sprintf("action(%d)", uint32(a))
	}
}

// FileSystem is a handle on one filesystem namespace.
type FileSystem interface {
	afero.Fs

	// URI identifies the namespace, e.g. "file://" or "mem://bucket".
	URI() string
	// Access returns a *squeezeerr.PermissionError if action is not allowed on p.
	Access(p string, action Action) error
}

type checkFunc func(fsys afero.Fs, p string, fi os.FileInfo, action Action) error

type handle struct {
	afero.Fs

	uri      string
	readOnly bool
	check    checkFunc
}

// Wrap turns a bare afero.Fs into a FileSystem. Access falls back to mode bits.
func Wrap(uri string, backend afero.Fs) FileSystem {
	return &handle{Fs: backend, uri: uri, check: checkModeBits}
}

func (h *handle) URI() string {
	return h.uri
}

func (h *handle) Access(p string, action Action) error {
	p = clean(p)
	fi, err := h.Fs.Stat(p)
	if err != nil {
		return &squeezeerr.PermissionError{Path: p, Err: err}
	}
	if h.readOnly && action&ActionWrite != 0 {
		return &squeezeerr.PermissionError{Path: p, Err: errors.New("filesystem is read-only")}
	}
	if err := h.check(h.Fs, p, fi, action); err != nil {
		return &squeezeerr.PermissionError{Path: p, Err: err}
	}
	return nil
}

// Rename moves oldname to newname within this namespace. It never replaces
// an existing destination.
func (h *handle) Rename(oldname, newname string) error {
	oldname, newname = clean(oldname), clean(newname)
	if oldname == newname {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: errors.New("source and destination are the same")}
	}
	if _, err := h.Fs.Stat(oldname); err != nil {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: err}
	}
	if _, err := h.Fs.Stat(newname); err == nil {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: fs.ErrExist}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: err}
	}
	if _, err := h.Fs.Stat(path.Dir(newname)); err != nil {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: err}
	}
	return h.Fs.Rename(oldname, newname)
}

func checkModeBits(_ afero.Fs, _ string, fi os.FileInfo, action Action) error {
	perm := fi.Mode().Perm()
	// owner bits: r=0400 w=0200 x=0100
	if Action(perm>>6)&action != action {
		return fmt.Errorf("mode %s does not allow %s", perm, action)
	}
	return nil
}

func clean(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean(p)
}
