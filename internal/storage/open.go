package storage

import (
	"context"
	"errors"
	"strings"

	"taskrunner/internal/platform/sqldb"
	logx "taskrunner/pkg/logx"
)

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	log = log.OrNop().Named("storage").With(logx.String("driver", driver))

	if driver == "file" {
		return openFile(cfg, log)
	}
	d, err := sqldb.ParseDriver(driver)
	if err != nil {
		return nil, errors.New("unknown storage driver: " + driver)
	}
	dsn := cfg.Path
	if d == sqldb.Postgres {
		dsn = cfg.DSN
	}
	return openSQL(ctx, d, dsn, cfg, log)
}
