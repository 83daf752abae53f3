package offline

import "context"

// DriverMemory selects MemoryStore.
const DriverMemory = "memory"

// Open returns the store for driver: "memory" (or empty), "sqlite3" or
// "postgres".
func Open(ctx context.Context, driver, dsn string, opts Options) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(opts), nil
	default:
		return OpenSQL(ctx, driver, dsn, opts)
	}
}
