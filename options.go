package storyteller

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	storeBackend    string
	databaseURL     string
	notifyURL       string
	sqlitePath      string
	logger          *slog.Logger
	version         string
	escalationHooks []EscalationHook
}

// WithPort overrides the TCP port from config (STORYTELLER_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStoreBackend overrides the storage backend from config (STORYTELLER_STORE
// env var): "memory", "sqlite" or "postgres".
func WithStoreBackend(backend string) Option {
	return func(o *resolvedOptions) { o.storeBackend = backend }
}

// WithDatabaseURL overrides the Postgres connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when using a connection pooler for queries; LISTEN requires a
// direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLitePath overrides the SQLite database file from config (STORYTELLER_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEscalationHook registers a hook to receive intervention lifecycle
// notifications. All registered hooks receive every event.
func WithEscalationHook(hook EscalationHook) Option {
	return func(o *resolvedOptions) { o.escalationHooks = append(o.escalationHooks, hook) }
}
