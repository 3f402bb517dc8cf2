// Package httpmw provides HTTP middleware for the gateway's public server.
//
// Middleware is composed in a fixed order in httpserver.NewHandler:
// recovery, request ID, client IP extraction, flood guard, admission
// pipeline (security gate + sliding-window limiter), OTEL tracing,
// metrics, structured logging, and the chi router. Each middleware is an
// independent function that can be tested, reordered, or removed on its
// own. User-supplied data (query params, user-agent, headers) is kept out
// of logs to prevent PII leaks and log injection.
package httpmw
