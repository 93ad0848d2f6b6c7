package storage

import (
	"errors"
	"fmt"
	"strings"

	logx "lanebridge/pkg/logx"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Open initializes the configured store and applies its schema or opens its
// files. It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver), logx.Int("max_rows", cfg.maxRows()))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
