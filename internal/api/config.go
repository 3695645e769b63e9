package api

// Config holds the admin server configuration.
type Config struct {
	ListenAddr string
	Token      string // bearer token required on every route but /healthz; empty = open

	RateLimitWrite int // mutating requests per client IP per minute (0 disables)

	CORSAllowedOrigins []string // allowed origins for browser clients; empty = disabled
}
