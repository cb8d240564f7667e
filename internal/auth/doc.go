// Package auth protects the dashboard API.
//
// Operators are admin users stored with a bcrypt password hash. They log in
// with username and password through Authenticator.Login and receive an HS256
// JWT whose subject is their user ID. HTTPAuthMiddleware checks the token on
// every protected request and stores the user in the context, where handlers
// read it with FromContext.
//
// The webhook endpoint is not covered here; it is authenticated by the
// verify token handshake and the X-Hub-Signature-256 header.
package auth
