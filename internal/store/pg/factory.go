package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/agentrun/internal/store"
)

// NewPGStores creates the runtime's stores backed by Postgres, for
// multi-process deployments that need a shared task queue and session
// store instead of the default embedded SQLite backend.
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Sessions: NewPGSessionStore(db),
		Tasks:    NewPGTaskStore(db),
	}, nil
}
