package store

import "fmt"

// sqliteTaskStoreOpener constructs a TaskStore over the configured SQLite path. It's set by
// internal/store/sqlite (an import-cycle-avoiding indirection, the same
// pattern the teacher uses for its pg/file backend switch) — cmd wiring
// imports the sqlite package for its side effect on init.
var sqliteTaskStoreOpener func(path string) (TaskStore, error)

// RegisterSQLiteTaskStoreOpener is called from internal/store/sqlite's init
// to make the default embedded backend available through NewStores without
// internal/store importing internal/store/sqlite directly.
func RegisterSQLiteTaskStoreOpener(open func(path string) (TaskStore, error)) {
	sqliteTaskStoreOpener = open
}

// NewStores constructs the runtime's task store per cfg.Driver; only
// Stores.Tasks is set. "sqlite" (default) uses the embedded
// modernc.org/sqlite backend. "postgres" returns an error: the Postgres
// stores are built by internal/store/pg.NewPGStores instead.
func NewStores(cfg StoreConfig) (*Stores, error) {
	switch cfg.Driver {
	case "", "sqlite":
		if sqliteTaskStoreOpener == nil {
			return nil, fmt.Errorf("sqlite task store backend not registered (import internal/store/sqlite)")
		}
		path := cfg.SQLitePath
		if path == "" {
			path = "agentrun.db"
		}
		tasks, err := sqliteTaskStoreOpener(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite task store: %w", err)
		}
		return &Stores{Tasks: tasks}, nil
	case "postgres":
		return nil, fmt.Errorf("postgres driver: construct via internal/store/pg.NewPGStores directly")
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
