// Package api exposes the broker over HTTP.
//
// # Public routes
//
//	GET|POST /auth/{method}/callback     run one authentication attempt
//	GET      /auth/sso/{method}/metadata SAML service provider metadata
//	GET      /auth/methods               registered methods
//	GET      /auth/session               session behind a Bearer token
//
// A callback that resolves to a redirect is answered with 302 and the
// Location header. Every other outcome is the JSON broker.Response with the
// attempt's status code.
//
// # Admin routes
//
// NewAdminHandler serves the internal port:
//
//	GET /health/live
//	GET /health/ready
//	GET /metrics
//	GET /audit/records
//	GET /audit/records/{requestID}
//	GET /audit/export
package api
