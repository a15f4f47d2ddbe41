package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"squeeze/pkg/config"
	"squeeze/pkg/fsys"
	"squeeze/pkg/lock"
	"squeeze/pkg/metrics"
	"squeeze/pkg/squeeze"
	"squeeze/pkg/types"
)

// initConfig загружает конфиг из файла YAML. Если файл не найден, возвращается config.Default().
func initConfig(path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return config.Default(), nil
		}
		return config.Config{}, err
	}
	return config.Parse(data)
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Logger.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{AddSource: true, Level: level}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}

// initLocker returns the locker for cfg and a func closing its connection.
func initLocker(cfg config.CoordinationConfig) (lock.Locker, func(), error) {
	switch cfg.Mode {
	case config.CoordinationNone:
		return lock.Nop{}, func() {}, nil
	case config.CoordinationZooKeeper:
		zk, err := lock.NewZooKeeper(cfg.Servers, cfg.RootPath, cfg.SessionTimeout, slog.Default())
		if err != nil {
			return nil, nil, fmt.Errorf("connect to zookeeper: %w", err)
		}
		return zk, func() { _ = zk.Close() }, nil
	default:
		return lock.NewLocal(), func() {}, nil
	}
}

// initService wires the compaction service from cfg. Metrics are registered on reg.
func initService(cfg *config.Config, reg prometheus.Registerer) (*squeeze.Service, *metrics.Metrics, func(), error) {
	locker, closeLocker, err := initLocker(cfg.Coordination)
	if err != nil {
		return nil, nil, nil, err
	}
	m := metrics.New(reg)

	svc := squeeze.New(squeeze.Options{
		Resolver:    fsys.NewResolver(cfg.Filesystem),
		ScratchRoot: cfg.Staging.ScratchRoot,
		Locker:      locker,
		Metrics:     m,
		Logger:      slog.Default(),
		Defaults: types.CompactionCriteria{
			ThresholdInBytes: cfg.Compaction.ThresholdBytes,
			MaxReducers:      cfg.Compaction.MaxReducers,
			FileType:         types.FileType(cfg.Compaction.FileType),
		},
	})
	return svc, m, closeLocker, nil
}
