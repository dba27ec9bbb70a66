// Package archive copies finished activities out of the in-memory store.
// It is write-only: the store is never rebuilt from an archive.
package archive

import (
	"context"
	"strings"

	"github.com/bcrosbie/activityhub/internal/domain"
)

const (
	DriverNone     = "none"
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// Sink persists one finished activity. Implementations must be safe for use
// by a single writer goroutine; Writer never calls Archive concurrently.
type Sink interface {
	Archive(ctx context.Context, activity domain.Activity) error
	Close() error
}

// Open builds the sink for driver. DriverNone returns a nil sink and no
// error; callers skip archiving in that case.
func Open(ctx context.Context, driver, dsn, path string) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverNone:
		return nil, nil
	case DriverFile:
		archive, err := OpenFileArchive(path)
		if err != nil {
			return nil, err
		}
		return archive, nil
	case DriverPostgres:
		archive, err := NewPostgresArchive(dsn)
		if err != nil {
			return nil, err
		}
		if err := archive.Load(ctx); err != nil {
			_ = archive.Close()
			return nil, err
		}
		return archive, nil
	default:
		return nil, domain.InvalidArgumentf("archive driver must be one of: %s, %s, %s", DriverNone, DriverFile, DriverPostgres)
	}
}
