package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"squeeze/pkg/fsys"
	"squeeze/pkg/metrics"
	"squeeze/pkg/squeeze"
	"squeeze/pkg/types"
)

var opts struct {
	Files     int   `long:"files" default:"500" description:"small files to seed"`
	Size      int   `long:"size" default:"2048" description:"bytes per seeded file"`
	Threshold int64 `long:"threshold" default:"350000"`
	Reducers  int   `long:"reducers" default:"10"`
	Pause     bool  `long:"pause" description:"wait for Enter between steps"`
}

func pause(msg string) {
	fmt.Println()
	fmt.Println(msg)
	if !opts.Pause {
		return
	}
	fmt.Print("Нажми Enter, чтобы продолжить...")
	_, _ = bufio.NewReader(os.Stdin).ReadBytes('\n')
}

// seed writes n text files of size bytes, one line per file.
func seed(fs afero.Fs, dir string, n, size int) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		line := fmt.Sprintf("event-%04d ", i)
		body := line + strings.Repeat("x", max(size-len(line)-1, 0)) + "\n"
		if err := afero.WriteFile(fs, fmt.Sprintf("%s/part-%05d.txt", dir, i), []byte(body), 0o644); err != nil {
			return err
		}
	}
	return afero.WriteFile(fs, dir+"/_SUCCESS", nil, 0o644)
}

func list(fs afero.Fs, dir string) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		fmt.Printf("[demo] %s: %v\n", dir, err)
		return
	}
	var total int64
	for _, fi := range infos {
		total += fi.Size()
	}
	fmt.Printf("[demo] %s: %d entries, %d bytes\n", dir, len(infos), total)
	for i, fi := range infos {
		if i == 3 && len(infos) > 4 {
			fmt.Printf("         ... %d more\n", len(infos)-3)
			break
		}
		fmt.Printf("         %s (%d)\n", fi.Name(), fi.Size())
	}
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	root, err := os.MkdirTemp("", "squeeze-demo")
	if err != nil {
		slog.Error("create demo root", "error", err)
		os.Exit(1)
	}
	defer os.RemoveAll(root)

	resolver := fsys.NewResolver(fsys.Config{Root: root})
	fs, _, err := resolver.Resolve("/")
	if err != nil {
		slog.Error("resolve demo root", "error", err)
		os.Exit(1)
	}

	const dataset = "/warehouse/events/dt=2024-01-01"
	if err := seed(fs, dataset, opts.Files, opts.Size); err != nil {
		slog.Error("seed dataset", "error", err)
		os.Exit(1)
	}
	pause(fmt.Sprintf("Seeded %d files under %s (root %s)", opts.Files, dataset, root))
	list(fs, dataset)

	reg := prometheus.NewRegistry()
	svc := squeeze.New(squeeze.Options{
		Resolver:    resolver,
		ScratchRoot: "/scratch",
		Metrics:     metrics.New(reg),
	})

	pause("Compacting in place")
	res, err := svc.Compact(context.Background(), &types.CompactionCriteria{
		SourcePath:       dataset,
		ThresholdInBytes: opts.Threshold,
		MaxReducers:      opts.Reducers,
	})
	if err != nil {
		slog.Error("compaction failed", "state", res.State, "backup", res.Backup, "error", err)
		os.Exit(1)
	}
	fmt.Printf("[demo] state=%s compacted=%d copied=%d outputs=%d\n",
		res.State, res.Response.FilesCompacted, res.Response.FilesCopied, res.Response.OutputFiles)

	pause("Live path after the swap")
	list(fs, dataset)

	pause("The original data is kept as a backup")
	list(fs, res.Backup)
}
