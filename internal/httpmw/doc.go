// Package httpmw provides HTTP middleware for the public build API.
//
// Middleware is composed in httpserver.NewHandler, outermost first: security
// headers, panic recovery, request ID, client IP extraction, rate limiting,
// OTEL tracing, service headers, metrics, request-scoped logging, and the chi
// router with access logging and route annotation.
//
// Request bodies (archives), query strings and user agents are never logged.
package httpmw
