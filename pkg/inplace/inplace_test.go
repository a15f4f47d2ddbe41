package inplace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"squeeze/pkg/fsys"
	"squeeze/pkg/merge"
	"squeeze/pkg/squeezeerr"
	"squeeze/pkg/staging"
	"squeeze/pkg/types"
)

const scratch = "/tmp/squeeze"

// recordingFS counts mutating calls and can fail the n-th rename.
type recordingFS struct {
	fsys.FileSystem

	mu         sync.Mutex
	calls      []string
	renames    int
	failRename map[int]error
}

func (r *recordingFS) Access(p string, action fsys.Action) error {
	r.mu.Lock()
	r.calls = append(r.calls, "access "+p)
	r.mu.Unlock()
	return r.FileSystem.Access(p, action)
}

func (r *recordingFS) Rename(oldname, newname string) error {
	r.mu.Lock()
	r.renames++
	n := r.renames
	r.calls = append(r.calls, "rename "+oldname+" "+newname)
	err := r.failRename[n]
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.FileSystem.Rename(oldname, newname)
}

type stubResolver struct {
	fs       fsys.FileSystem
	resolved int
}

func (s *stubResolver) Resolve(uri string) (fsys.FileSystem, string, error) {
	s.resolved++
	_, _, p, err := fsys.SplitURI(uri)
	return s.fs, p, err
}

// fakeDelegate writes a fixed number of files into the target.
type fakeDelegate struct {
	fs      afero.Fs
	outputs int
	resp    types.CompactionResponse
	err     error
	calls   []types.CompactionCriteria
}

func (d *fakeDelegate) Compact(_ context.Context, c types.CompactionCriteria) (types.CompactionResponse, error) {
	d.calls = append(d.calls, c)
	if d.err != nil {
		return types.CompactionResponse{}, d.err
	}
	if err := d.fs.MkdirAll(c.TargetPath, 0o755); err != nil {
		return types.CompactionResponse{}, err
	}
	for i := 0; i < d.outputs; i++ {
		name := path.Join(c.TargetPath, fmt.Sprintf("part-r-%05d", i))
		if err := afero.WriteFile(d.fs, name, []byte(fmt.Sprintf("merged-%d\n", i)), 0o644); err != nil {
			return types.CompactionResponse{}, err
		}
	}
	return d.resp, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocalFS(t *testing.T) *recordingFS {
	t.Helper()
	r := fsys.NewResolver(fsys.Config{Root: t.TempDir()})
	h, _, err := r.Resolve("file:///")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	return &recordingFS{FileSystem: h}
}

func seedFiles(t *testing.T, fs afero.Fs, dir string, n, size int) {
	t.Helper()
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		prefix := fmt.Sprintf("evt-%04d|", i)
		body := prefix + strings.Repeat("a", size-len(prefix)-1) + "\n"
		if err := afero.WriteFile(fs, fmt.Sprintf("%s/part-%04d.log", dir, i), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

// snapshot maps relative file names to contents.
func snapshot(t *testing.T, fs afero.Fs, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := afero.Walk(fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		b, err := afero.ReadFile(fs, p)
		if err != nil {
			return err
		}
		out[strings.TrimPrefix(p, path.Clean(dir))] = string(b)
		return nil
	})
	if err != nil {
		t.Fatalf("snapshot %s failed: %v", dir, err)
	}
	return out
}

func sameSnapshot(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func newManager(res *stubResolver, d Delegate, states *[]State) *Manager {
	return New(res, d, scratch,
		WithLogger(quietLogger()),
		WithAllocator(&staging.Allocator{Root: scratch, NewID: staging.Sequence("c1", "o1")}),
		WithObserver(func(s State) { *states = append(*states, s) }),
	)
}

func TestCompact_BlankSourceIsValidationError(t *testing.T) {
	for _, c := range []*types.CompactionCriteria{nil, {SourcePath: ""}, {SourcePath: "   \t"}} {
		rec := newLocalFS(t)
		res := &stubResolver{fs: rec}
		d := &fakeDelegate{fs: rec}
		var states []State

		_, err := newManager(res, d, &states).Compact(context.Background(), c)

		var ve *squeezeerr.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if res.resolved != 0 || len(rec.calls) != 0 || len(d.calls) != 0 {
			t.Fatalf("expected no filesystem or delegate calls, resolved=%d calls=%v delegate=%d",
				res.resolved, rec.calls, len(d.calls))
		}
		if len(states) != 2 || states[0] != StateValidating || states[1] != StateAborted {
			t.Fatalf("unexpected states %v", states)
		}
	}
}

func TestCompact_PermissionDenied(t *testing.T) {
	h := fsys.Wrap("mem://perm", afero.NewMemMapFs())
	seedFiles(t, h, "/data/locked", 10, 64)
	if err := h.Chmod("/data/locked", os.ModeDir|0o555); err != nil {
		t.Fatal(err)
	}
	rec := &recordingFS{FileSystem: h}
	res := &stubResolver{fs: rec}
	d := &fakeDelegate{fs: rec, outputs: 1}
	var states []State

	before := snapshot(t, h, "/data/locked")
	_, err := newManager(res, d, &states).Compact(context.Background(), &types.CompactionCriteria{SourcePath: "/data/locked"})

	var pe *squeezeerr.PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
	if pe.Path != "/data/locked" {
		t.Fatalf("unexpected path %q", pe.Path)
	}
	if squeezeerr.SafeToRetry(err) {
		t.Fatal("permission errors must not be retryable")
	}
	if rec.renames != 0 || len(d.calls) != 0 {
		t.Fatalf("expected no mutation, renames=%d delegate=%d", rec.renames, len(d.calls))
	}
	if !sameSnapshot(before, snapshot(t, h, "/data/locked")) {
		t.Fatal("source contents changed")
	}
	if states[len(states)-2] != StateCheckingPermission || states[len(states)-1] != StateAborted {
		t.Fatalf("unexpected states %v", states)
	}
}

func TestCompact_MissingSourceIsPermissionError(t *testing.T) {
	rec := newLocalFS(t)
	res := &stubResolver{fs: rec}
	d := &fakeDelegate{fs: rec}
	var states []State

	_, err := newManager(res, d, &states).Compact(context.Background(), &types.CompactionCriteria{SourcePath: "/data/none"})
	if !errors.Is(err, squeezeerr.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if len(d.calls) != 0 {
		t.Fatal("delegate must not run")
	}
}

func TestCompact_EventsScenario(t *testing.T) {
	rec := newLocalFS(t)
	seedFiles(t, rec, "/data/events/2024-01", 500, 2048)
	res := &stubResolver{fs: rec}
	d := &fakeDelegate{
		fs:      rec,
		outputs: 3,
		resp:    types.CompactionResponse{FilesCompacted: 500, OutputFiles: 3},
	}
	var states []State
	original := snapshot(t, rec, "/data/events/2024-01")

	criteria := &types.CompactionCriteria{
		SourcePath:       "/data/events/2024-01/",
		ThresholdInBytes: 1048576,
		MaxReducers:      3,
		FileType:         types.FileTypeText,
		SchemaPath:       "/schemas/events.avsc",
	}
	rep, err := newManager(res, d, &states).Run(context.Background(), criteria)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if rep.Response != (types.CompactionResponse{FilesCompacted: 500, OutputFiles: 3}) {
		t.Fatalf("unexpected response %+v", rep.Response)
	}
	if rep.TempCompacted != "/tmp/squeeze/compacted-c1/" || rep.Backup != "/tmp/squeeze/original-o1/" {
		t.Fatalf("unexpected staging paths %+v", rep)
	}
	if rep.State != StateDone {
		t.Fatalf("expected done, got %s", rep.State)
	}

	live := snapshot(t, rec, "/data/events/2024-01")
	if len(live) != 3 || live["/part-r-00001"] != "merged-1\n" {
		t.Fatalf("unexpected live contents %v", live)
	}
	if !sameSnapshot(original, snapshot(t, rec, rep.Backup)) {
		t.Fatal("backup does not hold the original 500 files")
	}

	if len(d.calls) != 1 {
		t.Fatalf("expected one delegate call, got %d", len(d.calls))
	}
	derived := d.calls[0]
	want := *criteria
	want.TargetPath = rep.TempCompacted
	if derived != want {
		t.Fatalf("derived criteria mismatch:\n got %+v\nwant %+v", derived, want)
	}

	wantRenames := []string{
		"rename /data/events/2024-01/ /tmp/squeeze/original-o1/",
		"rename /tmp/squeeze/compacted-c1/ /data/events/2024-01/",
	}
	if got := rec.calls[len(rec.calls)-2:]; got[0] != wantRenames[0] || got[1] != wantRenames[1] {
		t.Fatalf("unexpected rename sequence %v", got)
	}

	wantStates := []State{StateValidating, StateCheckingPermission, StateDelegating, StateSwappingOut, StateSwappingIn, StateDone}
	if fmt.Sprint(states) != fmt.Sprint(wantStates) {
		t.Fatalf("unexpected states %v", states)
	}
}

func TestCompact_DelegateFailureLeavesSourceAlone(t *testing.T) {
	rec := newLocalFS(t)
	seedFiles(t, rec, "/data/src", 20, 128)
	res := &stubResolver{fs: rec}
	boom := errors.New("reducer crashed")
	d := &fakeDelegate{fs: rec, err: boom}
	var states []State
	before := snapshot(t, rec, "/data/src")

	_, err := newManager(res, d, &states).Compact(context.Background(), &types.CompactionCriteria{SourcePath: "/data/src"})

	var ce *squeezeerr.CompactionError
	if !errors.As(err, &ce) || !errors.Is(err, boom) {
		t.Fatalf("expected CompactionError wrapping delegate error, got %v", err)
	}
	if ce.Target != "/tmp/squeeze/compacted-c1/" {
		t.Fatalf("unexpected target %q", ce.Target)
	}
	if !squeezeerr.SafeToRetry(err) {
		t.Fatal("compaction errors are safe to retry")
	}
	if rec.renames != 0 {
		t.Fatalf("expected no renames, got %d", rec.renames)
	}
	if !sameSnapshot(before, snapshot(t, rec, "/data/src")) {
		t.Fatal("source contents changed")
	}
}

func TestCompact_SwapOutFailureIsSafe(t *testing.T) {
	rec := newLocalFS(t)
	seedFiles(t, rec, "/data/src", 20, 128)
	rec.failRename = map[int]error{1: errors.New("namenode unavailable")}
	res := &stubResolver{fs: rec}
	d := &fakeDelegate{fs: rec, outputs: 2}
	var states []State
	before := snapshot(t, rec, "/data/src")

	rep, err := newManager(res, d, &states).Run(context.Background(), &types.CompactionCriteria{SourcePath: "/data/src"})

	var re *squeezeerr.RenameError
	if !errors.As(err, &re) || re.Stage != squeezeerr.StageSwapOut {
		t.Fatalf("expected swap-out RenameError, got %v", err)
	}
	if !squeezeerr.SafeToRetry(err) {
		t.Fatal("swap-out failure leaves the source intact and is retryable")
	}
	if rep.State != StateSwappingOut {
		t.Fatalf("unexpected state %s", rep.State)
	}
	if !sameSnapshot(before, snapshot(t, rec, "/data/src")) {
		t.Fatal("source contents changed")
	}
	if got := len(snapshot(t, rec, rep.TempCompacted)); got != 2 {
		t.Fatalf("expected staged output to remain, got %d files", got)
	}
}

func TestCompact_SwapInFailureLeavesBackup(t *testing.T) {
	rec := newLocalFS(t)
	seedFiles(t, rec, "/data/src", 20, 128)
	rec.failRename = map[int]error{2: errors.New("lease expired")}
	res := &stubResolver{fs: rec}
	d := &fakeDelegate{fs: rec, outputs: 2}
	var states []State
	before := snapshot(t, rec, "/data/src")

	rep, err := newManager(res, d, &states).Run(context.Background(), &types.CompactionCriteria{SourcePath: "/data/src"})

	var re *squeezeerr.RenameError
	if !errors.As(err, &re) || re.Stage != squeezeerr.StageSwapIn {
		t.Fatalf("expected swap-in RenameError, got %v", err)
	}
	if squeezeerr.SafeToRetry(err) {
		t.Fatal("swap-in failure must not be retried blindly")
	}
	if re.Backup != "/tmp/squeeze/original-o1/" || re.Src != rep.TempCompacted {
		t.Fatalf("unexpected error paths %+v", re)
	}
	if _, err := rec.Stat("/data/src"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected live path to be absent, stat err=%v", err)
	}
	if !sameSnapshot(before, snapshot(t, rec, rep.Backup)) {
		t.Fatal("backup does not hold the original data")
	}
	if got := len(snapshot(t, rec, rep.TempCompacted)); got != 2 {
		t.Fatalf("expected staged output to remain, got %d files", got)
	}
}

func lines(m map[string]string) []string {
	var out []string
	for _, v := range m {
		out = append(out, strings.Split(strings.TrimSuffix(v, "\n"), "\n")...)
	}
	sort.Strings(out)
	return out
}

func TestCompact_RepeatedRunsWithMergeDelegate(t *testing.T) {
	rec := newLocalFS(t)
	seedFiles(t, rec, "/data/src", 20, 100)
	res := &stubResolver{fs: rec}
	m := New(res, merge.New(res, quietLogger()), scratch, WithLogger(quietLogger()))
	criteria := &types.CompactionCriteria{SourcePath: "/data/src", ThresholdInBytes: 1024, MaxReducers: 5}
	original := lines(snapshot(t, rec, "/data/src"))

	first, err := m.Compact(context.Background(), criteria)
	if err != nil {
		t.Fatalf("first compaction failed: %v", err)
	}
	if first.FilesCompacted != 20 || first.OutputFiles != 2 {
		t.Fatalf("unexpected first response %+v", first)
	}
	afterFirst := snapshot(t, rec, "/data/src")

	second, err := m.Compact(context.Background(), criteria)
	if err != nil {
		t.Fatalf("second compaction failed: %v", err)
	}
	if second.OutputFiles != 2 {
		t.Fatalf("expected fixed point, got %+v", second)
	}
	afterSecond := snapshot(t, rec, "/data/src")

	if fmt.Sprint(lines(afterFirst)) != fmt.Sprint(original) || fmt.Sprint(lines(afterSecond)) != fmt.Sprint(original) {
		t.Fatal("logical content changed across runs")
	}

	infos, err := afero.ReadDir(rec, scratch)
	if err != nil {
		t.Fatal(err)
	}
	var backups int
	for _, fi := range infos {
		if strings.HasPrefix(fi.Name(), staging.LabelOriginal+"-") {
			backups++
		}
	}
	if backups != 2 {
		t.Fatalf("expected one residual backup per run, got %d", backups)
	}
}
