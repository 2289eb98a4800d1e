package store

// Stores is the top-level container for the runtime's storage backends.
type Stores struct {
	Sessions SessionStore
	Tasks    TaskStore // nil until a task backend is constructed
}

// StoreConfig configures which storage backend to construct.
type StoreConfig struct {
	Driver      string // "sqlite" (default) or "postgres"
	SQLitePath  string
	PostgresDSN string
}
