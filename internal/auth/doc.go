// Package auth authenticates API clients of coday-gateway.
//
// When auth.jwt_secret is configured, every /api request carries an HS256
// JWT whose "sub" claim is the username. Sessions and threads are scoped to
// that username. Without a secret all requests run as "anonymous".
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	handler := auth.Middleware(verifier, logger)(mux)
//	username := auth.Username(r.Context())
//
// The token can be sent in the Authorization header or, for EventSource and
// websocket clients, as the access_token query parameter.
package auth
