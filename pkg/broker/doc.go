// Package broker runs the authentication pipeline for one callback.
//
// An attempt moves through
//
//	start -> validating -> {authenticated, unauthenticated, invalid_token,
//	                        unmapped, service_unavailable,
//	                        configuration_error, general_failure}
//
// and always ends with a terminal audit record:
//
//	resp := pipeline.Authenticate(ctx, broker.Request{
//		Method: "password",
//		Params: map[string]string{"username": "alice", "password": "..."},
//	})
//	if resp.StatusCode == http.StatusFound {
//		http.Redirect(w, r, resp.Location, resp.StatusCode)
//	}
//
// The credential provider is invoked exactly once per attempt. When the
// subject is not yet mapped to an account the linker creates the mapping and
// account resolution runs one more time; there is no other retry.
package broker
