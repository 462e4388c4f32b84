// Package httputil provides the HTTP plumbing shared by the broker's handlers.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, resp.StatusCode, resp)
//	httputil.WriteRedirect(w, r, resp.Location)
//	httputil.WriteBadRequest(w, "Method not provided")
//	httputil.WriteUnauthorized(w, "session expired")
//
// WriteInternalError never echoes the underlying error to the client.
//
// # Request Parsing
//
// Identity providers call back with query strings, urlencoded forms or
// multipart bodies depending on the protocol. ParseCallbackParams flattens
// all three into one map:
//
//	params, err := httputil.ParseCallbackParams(r)
//
// Path and query helpers:
//
//	method, ok := httputil.ParsePathStringOrError(w, r, "method")
//	limit, err := httputil.ParseQueryInt(r, "limit", 100)
//	token, ok := httputil.BearerToken(r)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware,
//		httputil.RecoveryMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// RequestIDMiddleware must run first: it places the request id and a
// request-scoped logger in the context that the other middleware read via
// observability.FromContext.
package httputil
