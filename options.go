package montecast

import (
	"io/fs"
	"log/slog"
	"net/http"
)

// Option adjusts how New assembles an App.
type Option func(*resolvedOptions)

// resolvedOptions is the merged view of every Option passed to New.
// Callers never touch it directly; the With* constructors fill it in.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	logger          *slog.Logger
	version         string
	formulaFactory  FormulaFactory
	jobHooks        []JobHook
	extraRoutes     map[string]http.Handler
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (MONTECAST_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL points the server at a specific database, taking
// priority over the DATABASE_URL env var.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL sets the direct Postgres URL for LISTEN/NOTIFY, taking
// priority over NOTIFY_URL. Needed when DATABASE_URL goes through a pooler
// such as PgBouncer, because LISTEN does not survive transaction pooling.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger routes all server logging through the given slog logger
// instead of slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the version endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithFormula replaces the built-in SaaS projection formula for every job
// this server runs. Only the last call wins. The factory receives each
// job's baseline assumptions and may reject them with an error, which fails
// the job as invalid input.
func WithFormula(factory FormulaFactory) Option {
	return func(o *resolvedOptions) { o.formulaFactory = factory }
}

// WithJobHook registers a hook to receive job lifecycle notifications.
// Multiple hooks may be registered; all registered hooks receive every
// terminal transition.
func WithJobHook(hook JobHook) Option {
	return func(o *resolvedOptions) { o.jobHooks = append(o.jobHooks, hook) }
}

// WithExtraRoutes mounts additional handlers on the shared HTTP mux.
// Keys are ServeMux patterns ("GET /internal/debug"). Routes outside /v1
// are exempt from rate limiting. Later registrations overwrite earlier
// ones for the same pattern.
func WithExtraRoutes(routes map[string]http.Handler) Option {
	return func(o *resolvedOptions) {
		if o.extraRoutes == nil {
			o.extraRoutes = make(map[string]http.Handler, len(routes))
		}
		for pattern, h := range routes {
			o.extraRoutes[pattern] = h
		}
	}
}

// WithMiddleware registers an HTTP middleware on the handler chain.
// Middlewares stack in registration order, with the first one registered
// sitting outermost on the chain and therefore running first.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order. Each FS must contain sequentially
// numbered .sql files.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
