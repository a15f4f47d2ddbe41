package fsys

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"github.com/zhangyunhao116/skipmap"
)

const (
	SchemeFile   = "file"
	SchemeMemory = "mem"
)

// Config describes how URIs are mapped to filesystem handles.
type Config struct {
	// DefaultScheme is used for bare paths.
	DefaultScheme string `yaml:"default_scheme" validate:"omitempty,oneof=file mem"`
	// Root confines the file scheme to a directory. Empty means "/".
	Root     string `yaml:"root"`
	ReadOnly bool   `yaml:"read_only"`
}

// Resolver hands out one shared FileSystem per scheme and authority.
type Resolver struct {
	cfg Config

	mu      sync.Mutex
	handles *skipmap.OrderedMap[string, FileSystem]
}

func NewResolver(cfg Config) *Resolver {
	if cfg.DefaultScheme == "" {
		cfg.DefaultScheme = SchemeFile
	}
	return &Resolver{
		cfg:     cfg,
		handles: skipmap.New[string, FileSystem](),
	}
}

// SplitURI breaks "scheme://authority/path" apart. Bare paths come back with
// an empty scheme.
func SplitURI(uri string) (scheme, authority, p string, err error) {
	if !strings.Contains(uri, "://") {
		return "", "", uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", "", fmt.Errorf("parse uri %q: %w", uri, err)
	}
	p = u.Path
	if p == "" {
		p = "/"
	}
	return strings.ToLower(u.Scheme), u.Host, p, nil
}

// Resolve returns the handle serving uri and the path of uri inside it.
func (r *Resolver) Resolve(uri string) (FileSystem, string, error) {
	scheme, authority, p, err := SplitURI(uri)
	if err != nil {
		return nil, "", err
	}
	if scheme == "" {
		scheme = r.cfg.DefaultScheme
	}
	key := scheme + "://" + authority

	if h, ok := r.handles.Load(key); ok {
		return h, p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles.Load(key); ok {
		return h, p, nil
	}

	h, err := r.open(scheme, authority, key)
	if err != nil {
		return nil, "", err
	}
	r.handles.Store(key, h)
	return h, p, nil
}

// Mount installs fsys as the handle for scheme://authority, replacing any cached one.
func (r *Resolver) Mount(scheme, authority string, fsys FileSystem) {
	r.handles.Store(strings.ToLower(scheme)+"://"+authority, fsys)
}

func (r *Resolver) open(scheme, authority, key string) (FileSystem, error) {
	switch scheme {
	case SchemeFile:
		if authority != "" && authority != "localhost" {
			return nil, fmt.Errorf("file uri with remote host %q is not supported", authority)
		}
		return r.openLocal(key)
	case SchemeMemory:
		h := &handle{Fs: afero.NewMemMapFs(), uri: key, check: checkModeBits}
		return r.finish(h), nil
	default:
		return nil, fmt.Errorf("unsupported filesystem scheme %q", scheme)
	}
}

func (r *Resolver) openLocal(key string) (FileSystem, error) {
	var (
		backend  afero.Fs = afero.NewOsFs()
		realPath          = func(p string) (string, error) { return filepath.FromSlash(p), nil }
	)
	if r.cfg.Root != "" && r.cfg.Root != "/" {
		if !filepath.IsAbs(r.cfg.Root) {
			return nil, fmt.Errorf(`filesystem root "%s" must be absolute`, r.cfg.Root)
		}
		base := afero.NewBasePathFs(afero.NewOsFs(), r.cfg.Root).(*afero.BasePathFs)
		backend = base
		realPath = base.RealPath
	}
	h := &handle{Fs: backend, uri: key, check: osCheck(realPath)}
	return r.finish(h), nil
}

func (r *Resolver) finish(h *handle) FileSystem {
	if r.cfg.ReadOnly {
		h.Fs = afero.NewReadOnlyFs(h.Fs)
		h.readOnly = true
	}
	return h
}
