// Package inplace swaps compacted data into the path it was read from.
//
// A compaction runs through a fixed sequence of states:
//
//	Validating -> CheckingPermission -> Delegating -> SwappingOut -> SwappingIn -> Done
//
// and ends in Aborted on the first failure. The delegate writes into a fresh
// staging directory, so the live path is not touched until SwappingOut. The
// swap itself is two renames: source -> backup, then staged output -> source.
// If the second rename fails the live path is empty and the original data is
// at the backup location; nothing is restored automatically. Backups are never
// deleted.
//
// Manager does not coordinate concurrent compactions of the same path, see
// package lock.
package inplace

import (
	"context"
	"errors"
	"log/slog"

	"squeeze/pkg/fsys"
	"squeeze/pkg/squeezeerr"
	"squeeze/pkg/staging"
	"squeeze/pkg/types"
)

type State string

const (
	StateValidating         State = "validating"
	StateCheckingPermission State = "checking-permission"
	StateDelegating         State = "delegating"
	StateSwappingOut        State = "swapping-out"
	StateSwappingIn         State = "swapping-in"
	StateDone               State = "done"
	StateAborted            State = "aborted"
)

// Delegate compacts criteria.SourcePath into criteria.TargetPath and must not
// modify the source. A bare TargetPath lives on the same filesystem as the source.
type Delegate interface {
	Compact(ctx context.Context, criteria types.CompactionCriteria) (types.CompactionResponse, error)
}

type iResolver interface {
	Resolve(uri string) (fsys.FileSystem, string, error)
}

type iAllocator interface {
	Allocate(label string) string
}

// Report describes one run. Staging paths are filled in as they are allocated.
type Report struct {
	Response types.CompactionResponse `json:"response"`
	// State is Done on success, otherwise the state that failed.
	State         State  `json:"state"`
	TempCompacted string `json:"temp_compacted,omitempty"`
	Backup        string `json:"backup,omitempty"`
}

type Manager struct {
	resolver iResolver
	delegate Delegate
	alloc    iAllocator
	log      *slog.Logger
	observe  func(State)
}

type Option func(*Manager)

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithAllocator replaces the uuid based allocator, e.g. to pin staging paths.
func WithAllocator(a iAllocator) Option {
	return func(m *Manager) { m.alloc = a }
}

// WithObserver registers fn to be called on every state entered, Aborted included.
func WithObserver(fn func(State)) Option {
	return func(m *Manager) { m.observe = fn }
}

func New(resolver iResolver, delegate Delegate, scratchRoot string, opts ...Option) *Manager {
	m := &Manager{
		resolver: resolver,
		delegate: delegate,
		alloc:    staging.New(scratchRoot),
		log:      slog.Default(),
		observe:  func(State) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Validate(criteria *types.CompactionCriteria) error {
	return types.Validate(criteria)
}

// Compact runs an in-place compaction and returns the delegate's response.
func (m *Manager) Compact(ctx context.Context, criteria *types.CompactionCriteria) (types.CompactionResponse, error) {
	rep, err := m.Run(ctx, criteria)
	if err != nil {
		return types.CompactionResponse{}, err
	}
	return rep.Response, nil
}

// Run is Compact with the staging paths reported back, also on failure.
func (m *Manager) Run(ctx context.Context, criteria *types.CompactionCriteria) (Report, error) {
	var rep Report

	m.enter(&rep, StateValidating)
	if err := m.Validate(criteria); err != nil {
		return m.abort(&rep, err)
	}
	m.log.Info("in place compaction requested", "source", criteria.SourcePath)

	m.enter(&rep, StateCheckingPermission)
	fs, src, err := m.resolver.Resolve(criteria.SourcePath)
	if err != nil {
		return m.abort(&rep, &squeezeerr.ValidationError{Field: "source_path", Reason: err.Error()})
	}
	if err := fs.Access(src, fsys.ActionWrite); err != nil {
		if !errors.Is(err, squeezeerr.ErrPermission) {
			err = &squeezeerr.PermissionError{Path: criteria.SourcePath, Err: err}
		}
		return m.abort(&rep, err)
	}

	m.enter(&rep, StateDelegating)
	rep.TempCompacted = m.alloc.Allocate(staging.LabelCompacted)
	m.log.Info("performing normal compaction from source to temp target",
		"source", criteria.SourcePath, "temp_compacted", rep.TempCompacted)
	resp, err := m.delegate.Compact(ctx, criteria.WithTarget(rep.TempCompacted))
	if err != nil {
		return m.abort(&rep, &squeezeerr.CompactionError{Source: criteria.SourcePath, Target: rep.TempCompacted, Err: err})
	}
	rep.Response = resp

	m.enter(&rep, StateSwappingOut)
	rep.Backup = m.alloc.Allocate(staging.LabelOriginal)
	m.log.Info("moving files from input path to temp path", "source", src, "temp_location", rep.Backup)
	if err := fs.Rename(src, rep.Backup); err != nil {
		return m.abort(&rep, &squeezeerr.RenameError{Stage: squeezeerr.StageSwapOut, Src: src, Dst: rep.Backup, Err: err})
	}

	m.enter(&rep, StateSwappingIn)
	m.log.Info("moving compacted files from temp compacted path to final location",
		"temp_compacted", rep.TempCompacted, "source", src)
	if err := fs.Rename(rep.TempCompacted, src); err != nil {
		m.log.Error("source path left without data, original kept at temp location",
			"source", src, "temp_location", rep.Backup, "temp_compacted", rep.TempCompacted, "error", err)
		return m.abort(&rep, &squeezeerr.RenameError{
			Stage:  squeezeerr.StageSwapIn,
			Src:    rep.TempCompacted,
			Dst:    src,
			Backup: rep.Backup,
			Err:    err,
		})
	}

	m.enter(&rep, StateDone)
	m.log.Info("in place compaction finished",
		"source", criteria.SourcePath,
		"temp_location", rep.Backup,
		"files_compacted", resp.FilesCompacted,
		"output_files", resp.OutputFiles,
	)
	return rep, nil
}

func (m *Manager) enter(rep *Report, s State) {
	rep.State = s
	m.observe(s)
}

func (m *Manager) abort(rep *Report, err error) (Report, error) {
	m.observe(StateAborted)
	m.log.Warn("in place compaction aborted", "state", rep.State, "kind", squeezeerr.KindOf(err), "error", err)
	return *rep, err
}
