// Package auth authenticates clients of the fanout gateway.
//
// # Tokens
//
// Clients present HS256 JWTs signed with the configured jwt_secret. The "sub"
// claim is the user ID that receipts are reported under; the optional
// "roles" claim grants API access:
//
//   - publisher: may POST /api/deliver
//   - admin: everything, including /api/connections
//
// Tokens travel in the Authorization header or, for websocket upgrades from
// browsers, the token query parameter.
//
// # Dev mode
//
// With no jwt_secret configured the Authenticator trusts ?user_id= and
// grants admin. Never run dev mode on a reachable listener.
//
// # Context
//
// Middleware stores the verified Claims in the request context:
//
//	claims := auth.FromContext(req.Context())
package auth
