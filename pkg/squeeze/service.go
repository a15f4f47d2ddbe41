// Package squeeze is the entry point used by the CLI and the HTTP API. It
// picks in-place or direct compaction from the criteria, serializes work on
// the same source path and records metrics.
package squeeze

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"squeeze/pkg/fsys"
	"squeeze/pkg/inplace"
	"squeeze/pkg/lock"
	"squeeze/pkg/merge"
	"squeeze/pkg/metrics"
	"squeeze/pkg/squeezeerr"
	"squeeze/pkg/staging"
	"squeeze/pkg/types"
)

type Mode string

const (
	ModeInPlace Mode = "in_place"
	ModeDirect  Mode = "direct"
)

type iResolver interface {
	Resolve(uri string) (fsys.FileSystem, string, error)
}

// Options wires a Service. Resolver and ScratchRoot are required.
type Options struct {
	Resolver    iResolver
	ScratchRoot string
	// Delegate defaults to merge.Compactor.
	Delegate inplace.Delegate
	// Locker defaults to a process local lock.
	Locker  lock.Locker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Defaults fills ThresholdInBytes, MaxReducers and FileType of
	// requests that leave them unset.
	Defaults types.CompactionCriteria
	// NewID overrides staging ids, tests only.
	NewID func() string
}

// Result is what a caller gets back from Compact.
type Result struct {
	Mode          Mode                     `json:"mode"`
	Response      types.CompactionResponse `json:"response"`
	State         inplace.State            `json:"state,omitempty"`
	TempCompacted string                   `json:"temp_compacted,omitempty"`
	Backup        string                   `json:"backup,omitempty"`
}

type Service struct {
	resolver iResolver
	inplace  *inplace.Manager
	direct   inplace.Delegate
	locker   lock.Locker
	metrics  *metrics.Metrics
	log      *slog.Logger
	defaults types.CompactionCriteria
}

func New(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Delegate == nil {
		opts.Delegate = merge.New(opts.Resolver, log)
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}

	s := &Service{
		resolver: opts.Resolver,
		direct:   opts.Delegate,
		locker:   opts.Locker,
		metrics:  opts.Metrics,
		log:      log,
		defaults: opts.Defaults,
	}

	inplaceOpts := []inplace.Option{inplace.WithLogger(log), inplace.WithObserver(s.observe)}
	if opts.NewID != nil {
		inplaceOpts = append(inplaceOpts, inplace.WithAllocator(&staging.Allocator{Root: opts.ScratchRoot, NewID: opts.NewID}))
	}
	s.inplace = inplace.New(opts.Resolver, opts.Delegate, opts.ScratchRoot, inplaceOpts...)
	return s
}

func (s *Service) Validate(criteria *types.CompactionCriteria) error {
	return s.inplace.Validate(criteria)
}

// Compact runs criteria in place when TargetPath is empty, directly otherwise.
func (s *Service) Compact(ctx context.Context, criteria *types.CompactionCriteria) (Result, error) {
	if err := s.Validate(criteria); err != nil {
		return Result{}, err
	}
	filled := s.withDefaults(*criteria)
	criteria = &filled

	res := Result{Mode: ModeDirect}
	if criteria.InPlace() {
		res.Mode = ModeInPlace
	}

	key, err := s.lockKey(criteria.SourcePath)
	if err != nil {
		return res, &squeezeerr.ValidationError{Field: "source_path", Reason: err.Error()}
	}
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", squeezeerr.ErrLocked, key, err)
	}
	defer unlock()

	started := time.Now()
	if res.Mode == ModeInPlace {
		var rep inplace.Report
		rep, err = s.inplace.Run(ctx, criteria)
		res.State, res.TempCompacted, res.Backup = rep.State, rep.TempCompacted, rep.Backup
		if err == nil {
			res.Response = rep.Response
		}
	} else {
		var resp types.CompactionResponse
		resp, err = s.direct.Compact(ctx, *criteria)
		if err != nil {
			err = &squeezeerr.CompactionError{Source: criteria.SourcePath, Target: criteria.TargetPath, Err: err}
		} else {
			res.Response = resp
		}
	}
	s.record(res, err, time.Since(started))
	return res, err
}

func (s *Service) withDefaults(c types.CompactionCriteria) types.CompactionCriteria {
	if c.ThresholdInBytes == 0 {
		c.ThresholdInBytes = s.defaults.ThresholdInBytes
	}
	if c.MaxReducers == 0 {
		c.MaxReducers = s.defaults.MaxReducers
	}
	if c.FileType == "" {
		c.FileType = s.defaults.FileType
	}
	return c
}

// lockKey names the dataset independently of how the caller spelled the path.
func (s *Service) lockKey(source string) (string, error) {
	fs, p, err := s.resolver.Resolve(source)
	if err != nil {
		return "", err
	}
	return fs.URI() + path.Clean("/"+p), nil
}

func (s *Service) observe(state inplace.State) {
	if s.metrics != nil {
		s.metrics.StateTransitions.WithLabelValues(string(state)).Inc()
	}
}

func (s *Service) record(res Result, err error, took time.Duration) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(squeezeerr.KindOf(err))
	}
	s.metrics.CompactionsTotal.WithLabelValues(string(res.Mode), outcome).Inc()
	s.metrics.CompactionDuration.WithLabelValues(string(res.Mode)).Observe(took.Seconds())
	// the backup exists once the first rename went through
	if res.Mode == ModeInPlace && (res.State == inplace.StateDone || res.State == inplace.StateSwappingIn) {
		s.metrics.ResidualBackups.Inc()
	}
}
