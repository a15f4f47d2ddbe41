// Package merge implements direct compaction: small files under a source
// path are merged into a bounded number of larger files at a target path.
// The source is only ever read.
package merge

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

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"squeeze/pkg/compression"
	"squeeze/pkg/fsys"
	"squeeze/pkg/types"
)

const (
	DefaultThresholdBytes = 128 * 1024 * 1024
	DefaultMaxReducers    = 10

	partPrefix = "part-r-"
)

var (
	ErrTargetRequired = errors.New("merge: target path is required")
	ErrTargetInSource = errors.New("merge: target path must not be inside source path")
	ErrTargetNotEmpty = errors.New("merge: target path is not empty")
)

type iResolver interface {
	Resolve(uri string) (fsys.FileSystem, string, error)
}

// Compactor is the direct compaction delegate.
type Compactor struct {
	resolver iResolver
	log      *slog.Logger
}

func New(resolver iResolver, log *slog.Logger) *Compactor {
	if log == nil {
		log = slog.Default()
	}
	return &Compactor{resolver: resolver, log: log}
}

type inputFile struct {
	rel  string
	size int64
}

// part is one merged output, rel is relative to the target root.
type part struct {
	rel    string
	inputs []inputFile
}

// plan is the assignment of inputs to outputs.
type plan struct {
	parts  []part
	copies []inputFile
	read   int64
}

func (c *Compactor) Compact(ctx context.Context, criteria types.CompactionCriteria) (types.CompactionResponse, error) {
	var resp types.CompactionResponse

	if err := types.Validate(&criteria); err != nil {
		return resp, err
	}
	if criteria.InPlace() {
		return resp, ErrTargetRequired
	}
	codec, err := compression.ForFileType(criteria.FileType)
	if err != nil {
		return resp, err
	}

	srcFS, srcPath, err := c.resolver.Resolve(criteria.SourcePath)
	if err != nil {
		return resp, fmt.Errorf("resolve source: %w", err)
	}
	dstFS, dstPath, err := c.resolveRelative(srcFS, criteria.TargetPath)
	if err != nil {
		return resp, fmt.Errorf("resolve target: %w", err)
	}
	srcPath, dstPath = path.Clean(srcPath), path.Clean(dstPath)
	if srcFS == dstFS && (srcPath == dstPath || strings.HasPrefix(dstPath, srcPath+"/")) {
		return resp, ErrTargetInSource
	}

	if criteria.SchemaPath != "" {
		schemaFS, schemaPath, err := c.resolveRelative(srcFS, criteria.SchemaPath)
		if err != nil {
			return resp, fmt.Errorf("resolve schema: %w", err)
		}
		if _, err := schemaFS.Stat(schemaPath); err != nil {
			return resp, fmt.Errorf("schema %s: %w", criteria.SchemaPath, err)
		}
	}

	threshold := criteria.ThresholdInBytes
	if threshold <= 0 {
		threshold = DefaultThresholdBytes
	}
	maxReducers := criteria.MaxReducers
	if maxReducers <= 0 {
		maxReducers = DefaultMaxReducers
	}

	inputs, markers, err := listInputs(srcFS, srcPath)
	if err != nil {
		return resp, fmt.Errorf("list %s: %w", srcPath, err)
	}
	p := buildPlan(inputs, threshold, maxReducers, codec.Ext())
	for _, m := range markers {
		p.copies = append(p.copies, m)
		p.read += m.size
	}

	if err := prepareTarget(dstFS, dstPath); err != nil {
		return resp, err
	}

	c.log.Info("merging small files",
		"source", criteria.SourcePath,
		"target", criteria.TargetPath,
		"inputs", len(inputs),
		"outputs", len(p.parts),
		"copies", len(p.copies),
		"threshold", threshold,
		"codec", codec.Name(),
	)

	written := make([]int64, len(p.parts)+len(p.copies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxReducers)
	for i, out := range p.parts {
		g.Go(func() error {
			n, err := mergePart(gctx, codec, srcFS, srcPath, dstFS, path.Join(dstPath, out.rel), out.inputs)
			written[i] = n
			return err
		})
	}
	for j, in := range p.copies {
		g.Go(func() error {
			n, err := copyFile(srcFS, path.Join(srcPath, in.rel), dstFS, path.Join(dstPath, in.rel))
			written[len(p.parts)+j] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return resp, err
	}

	for _, n := range written {
		resp.BytesWritten += n
	}
	for _, out := range p.parts {
		resp.FilesCompacted += len(out.inputs)
	}
	resp.FilesCopied = len(p.copies)
	resp.OutputFiles = len(p.parts) + len(p.copies)
	resp.BytesRead = p.read
	return resp, nil
}

// resolveRelative resolves uri, keeping bare paths on base.
func (c *Compactor) resolveRelative(base fsys.FileSystem, uri string) (fsys.FileSystem, string, error) {
	scheme, _, p, err := fsys.SplitURI(uri)
	if err != nil {
		return nil, "", err
	}
	if scheme == "" {
		return base, p, nil
	}
	return c.resolver.Resolve(uri)
}

func hidden(name string) bool {
	return strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")
}

// listInputs walks root. Hidden files such as _SUCCESS come back as markers
// to be carried over unchanged, hidden directories are skipped.
func listInputs(src afero.Fs, root string) (inputs, markers []inputFile, err error) {
	err = afero.Walk(src, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		if info.IsDir() {
			if hidden(info.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		in := inputFile{rel: strings.TrimPrefix(strings.TrimPrefix(p, root), "/"), size: info.Size()}
		if hidden(info.Name()) {
			markers = append(markers, in)
		} else {
			inputs = append(inputs, in)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].rel < inputs[j].rel })
	sort.Slice(markers, func(i, j int) bool { return markers[i].rel < markers[j].rel })
	return inputs, markers, nil
}

// buildPlan merges small files within their own directory, so partitioned
// layouts like dt=2024-01-01/ survive. maxReducers bounds the outputs of
// each directory.
func buildPlan(inputs []inputFile, threshold int64, maxReducers int, ext string) plan {
	var (
		p     plan
		dirs  []string
		small = map[string][]inputFile{}
		taken = map[string]struct{}{}
	)
	for _, in := range inputs {
		p.read += in.size
		if in.size >= threshold {
			p.copies = append(p.copies, in)
			taken[in.rel] = struct{}{}
			continue
		}
		dir := path.Dir(in.rel)
		if _, ok := small[dir]; !ok {
			dirs = append(dirs, dir)
		}
		small[dir] = append(small[dir], in)
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		buckets := balance(small[dir], threshold, maxReducers)
		seq := 0
		for _, b := range buckets {
			var rel string
			for {
				rel = path.Join(dir, fmt.Sprintf("%s%05d%s", partPrefix, seq, ext))
				seq++
				if _, ok := taken[rel]; !ok {
					break
				}
			}
			p.parts = append(p.parts, part{rel: rel, inputs: b})
		}
	}
	return p
}

// balance spreads files over ceil(total/threshold) buckets, largest first
// into the lightest bucket.
func balance(files []inputFile, threshold int64, maxReducers int) [][]inputFile {
	var total int64
	for _, in := range files {
		total += in.size
	}
	n := int((total + threshold - 1) / threshold)
	n = max(1, min(n, maxReducers, len(files)))

	bySize := append([]inputFile(nil), files...)
	sort.SliceStable(bySize, func(i, j int) bool { return bySize[i].size > bySize[j].size })
	buckets := make([][]inputFile, n)
	load := make([]int64, n)
	for _, in := range bySize {
		k := 0
		for i := 1; i < n; i++ {
			if load[i] < load[k] {
				k = i
			}
		}
		buckets[k] = append(buckets[k], in)
		load[k] += in.size
	}
	for _, b := range buckets {
		sort.Slice(b, func(i, j int) bool { return b[i].rel < b[j].rel })
	}
	return buckets
}

func prepareTarget(dst afero.Fs, dstPath string) error {
	exists, err := afero.DirExists(dst, dstPath)
	if err != nil {
		return err
	}
	if exists {
		empty, err := afero.IsEmpty(dst, dstPath)
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%w: %s", ErrTargetNotEmpty, dstPath)
		}
		return nil
	}
	return dst.MkdirAll(dstPath, 0o755)
}

func mergePart(ctx context.Context, codec compression.Codec, src afero.Fs, srcRoot string, dst afero.Fs, name string, part []inputFile) (int64, error) {
	if err := dst.MkdirAll(path.Dir(name), 0o755); err != nil {
		return 0, err
	}
	f, err := dst.Create(name)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", name, err)
	}
	defer f.Close()

	counter := compression.CountingWriter(f)
	enc, err := codec.NewWriter(counter)
	if err != nil {
		return 0, err
	}
	lw := &lineWriter{w: enc}

	for _, in := range part {
		if err := ctx.Err(); err != nil {
			_ = enc.Close()
			return counter.Count(), err
		}
		if err := appendInput(codec, src, path.Join(srcRoot, in.rel), lw); err != nil {
			_ = enc.Close()
			return counter.Count(), err
		}
	}
	if err := enc.Close(); err != nil {
		return counter.Count(), fmt.Errorf("close %s: %w", name, err)
	}
	return counter.Count(), f.Close()
}

func appendInput(codec compression.Codec, src afero.Fs, name string, lw *lineWriter) error {
	in, err := src.Open(name)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer in.Close()

	if _, err := compression.Copy(codec, lw, in); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	return lw.terminate()
}

func copyFile(src afero.Fs, from string, dst afero.Fs, to string) (int64, error) {
	in, err := src.Open(from)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", from, err)
	}
	defer in.Close()

	if err := dst.MkdirAll(path.Dir(to), 0o755); err != nil {
		return 0, err
	}
	if _, err := dst.Stat(to); err == nil {
		return 0, fmt.Errorf("copy %s: %w", to, fs.ErrExist)
	}
	out, err := dst.Create(to)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", to, err)
	}
	defer out.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", from, err)
	}
	return n, out.Close()
}

// lineWriter makes sure every merged input ends with a newline so records
// from neighbouring files never run together.
type lineWriter struct {
	w    io.Writer
	last byte
	any  bool
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	n, err := lw.w.Write(p)
	if n > 0 {
		lw.last = p[n-1]
		lw.any = true
	}
	return n, err
}

func (lw *lineWriter) terminate() error {
	if !lw.any || lw.last == '\n' {
		lw.any = false
		return nil
	}
	lw.any = false
	_, err := lw.w.Write([]byte{'\n'})
	lw.last = '\n'
	return err
}
