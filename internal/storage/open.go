package storage

import (
	"context"
	"fmt"

	"sceneforge/internal/domain"
)

// Open returns the store for driver. The memory driver has no durable
// store and returns nil.
func Open(ctx context.Context, driver, dsn, database string) (domain.ConversationStore, error) {
	switch driver {
	case "", DriverMemory:
		return nil, nil
	case DriverSQLite, DriverMySQL, DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("store driver %s needs a dsn: %w", driver, domain.ErrInvalidArgument)
		}
		s, err := OpenSQL(ctx, driver, dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMongo:
		if dsn == "" {
			return nil, fmt.Errorf("store driver %s needs a dsn: %w", driver, domain.ErrInvalidArgument)
		}
		s, err := OpenMongo(ctx, dsn, database)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q: %w", driver, domain.ErrInvalidArgument)
	}
}
