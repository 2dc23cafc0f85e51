package spill

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/roach88/fedq/internal/config"
)

// Open builds the configured backend rooted at dir and wraps it in a Sealer.
func Open(cfg config.BufferConfig, dir string, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var inner Store
	switch cfg.SpillBackend {
	case "", "file":
		fs, err := NewFileStore(dir, cfg.MaxSecondaryStorageBytes, cfg.MaxFileSize, cfg.MaxOpenFiles, WithFileLogger(logger))
		if err != nil {
			return nil, err
		}
		inner = fs
	case "sqlite":
		ss, err := OpenSQLiteStore(filepath.Join(dir, "spill.db"), cfg.MaxSecondaryStorageBytes)
		if err != nil {
			return nil, err
		}
		inner = ss
	default:
		return nil, fmt.Errorf("unknown spill backend %q", cfg.SpillBackend)
	}

	sealed, err := NewSealer(inner, cfg.CompressSpilledData, cfg.EncryptSpilledData)
	if err != nil {
		inner.Close()
		return nil, err
	}
	logger.Debug("spill store opened",
		"backend", cfg.SpillBackend,
		"dir", dir,
		"compress", cfg.CompressSpilledData,
		"encrypt", cfg.EncryptSpilledData)
	return sealed, nil
}
