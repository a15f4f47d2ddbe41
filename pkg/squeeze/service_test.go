package squeeze

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"

	"squeeze/pkg/fsys"
	"squeeze/pkg/inplace"
	"squeeze/pkg/lock"
	"squeeze/pkg/metrics"
	"squeeze/pkg/squeezeerr"
	"squeeze/pkg/staging"
	"squeeze/pkg/types"
)

type env struct {
	svc     *Service
	fs      fsys.FileSystem
	metrics *metrics.Metrics
	locker  *lock.Local
}

func newEnv(t *testing.T) *env {
	t.Helper()
	r := fsys.NewResolver(fsys.Config{Root: t.TempDir()})
	h, _, err := r.Resolve("/")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 12; i++ {
		if err := h.MkdirAll("/warehouse/clicks", 0o755); err != nil {
			t.Fatal(err)
		}
		if err := afero.WriteFile(h, fmt.Sprintf("/warehouse/clicks/f-%02d", i), []byte(fmt.Sprintf("click %d\n", i)), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	m := metrics.New(prometheus.NewRegistry())
	l := lock.NewLocal()
	svc := New(Options{
		Resolver:    r,
		ScratchRoot: "/scratch",
		Locker:      l,
		Metrics:     m,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		NewID:       staging.Sequence("c", "o"),
	})
	return &env{svc: svc, fs: h, metrics: m, locker: l}
}

func TestService_InPlace(t *testing.T) {
	e := newEnv(t)

	res, err := e.svc.Compact(context.Background(), &types.CompactionCriteria{
		SourcePath:       "file:///warehouse/clicks",
		ThresholdInBytes: 1024,
		MaxReducers:      4,
	})
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if res.Mode != ModeInPlace || res.State != inplace.StateDone {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Backup != "/scratch/original-o/" || res.TempCompacted != "/scratch/compacted-c/" {
		t.Fatalf("unexpected staging paths %+v", res)
	}
	if res.Response.FilesCompacted != 12 || res.Response.OutputFiles != 1 {
		t.Fatalf("unexpected response %+v", res.Response)
	}

	names, err := afero.ReadDir(e.fs, "/warehouse/clicks")
	if err != nil || len(names) != 1 {
		t.Fatalf("expected one compacted file, got %d err=%v", len(names), err)
	}
	backup, err := afero.ReadDir(e.fs, res.Backup)
	if err != nil || len(backup) != 12 {
		t.Fatalf("expected 12 files in backup, got %d err=%v", len(backup), err)
	}

	if got := testutil.ToFloat64(e.metrics.CompactionsTotal.WithLabelValues("in_place", "ok")); got != 1 {
		t.Fatalf("expected one ok compaction, got %v", got)
	}
	if got := testutil.ToFloat64(e.metrics.ResidualBackups); got != 1 {
		t.Fatalf("expected one residual backup, got %v", got)
	}
	if got := testutil.ToFloat64(e.metrics.StateTransitions.WithLabelValues(string(inplace.StateSwappingIn))); got != 1 {
		t.Fatalf("expected one swapping-in transition, got %v", got)
	}
}

func TestService_Direct(t *testing.T) {
	e := newEnv(t)

	res, err := e.svc.Compact(context.Background(), &types.CompactionCriteria{
		SourcePath:       "/warehouse/clicks",
		TargetPath:       "/warehouse/clicks-compacted",
		ThresholdInBytes: 1024,
		MaxReducers:      2,
	})
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if res.Mode != ModeDirect || res.Backup != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	src, _ := afero.ReadDir(e.fs, "/warehouse/clicks")
	dst, _ := afero.ReadDir(e.fs, "/warehouse/clicks-compacted")
	if len(src) != 12 || len(dst) != 1 {
		t.Fatalf("expected source intact and one output, got %d and %d", len(src), len(dst))
	}
}

func TestService_DirectFailureIsCompactionError(t *testing.T) {
	e := newEnv(t)

	_, err := e.svc.Compact(context.Background(), &types.CompactionCriteria{
		SourcePath: "/warehouse/clicks",
		TargetPath: "/warehouse/clicks/inner",
	})
	if squeezeerr.KindOf(err) != squeezeerr.KindCompaction {
		t.Fatalf("expected compaction error, got %v", err)
	}
	if got := testutil.ToFloat64(e.metrics.CompactionsTotal.WithLabelValues("direct", "compaction")); got != 1 {
		t.Fatalf("expected failure to be counted, got %v", got)
	}
}

func TestService_LockedSource(t *testing.T) {
	e := newEnv(t)
	unlock, err := e.locker.Lock(context.Background(), "file:///warehouse/clicks")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// same dataset spelled differently
	_, err = e.svc.Compact(ctx, &types.CompactionCriteria{SourcePath: "/warehouse/clicks/"})
	if !errors.Is(err, squeezeerr.ErrLocked) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected locked error, got %v", err)
	}
	if !squeezeerr.SafeToRetry(err) {
		t.Fatal("lock contention is retryable")
	}
}

func TestService_ValidationBeforeLock(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Compact(context.Background(), &types.CompactionCriteria{SourcePath: " "})
	if squeezeerr.KindOf(err) != squeezeerr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

type captureDelegate struct {
	got types.CompactionCriteria
}

func (d *captureDelegate) Compact(_ context.Context, c types.CompactionCriteria) (types.CompactionResponse, error) {
	d.got = c
	return types.CompactionResponse{}, nil
}

func TestService_Defaults(t *testing.T) {
	d := &captureDelegate{}
	svc := New(Options{
		Resolver:    fsys.NewResolver(fsys.Config{DefaultScheme: fsys.SchemeMemory}),
		ScratchRoot: "/scratch",
		Delegate:    d,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Defaults:    types.CompactionCriteria{ThresholdInBytes: 4096, MaxReducers: 3, FileType: types.FileTypeGzip},
	})

	_, err := svc.Compact(context.Background(), &types.CompactionCriteria{
		SourcePath:  "/in",
		TargetPath:  "/out",
		MaxReducers: 7,
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.got.ThresholdInBytes != 4096 || d.got.MaxReducers != 7 || d.got.FileType != types.FileTypeGzip {
		t.Fatalf("defaults not applied: %+v", d.got)
	}
}
