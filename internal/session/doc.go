// Package session keeps the browser-side state of the authorization server
// in a signed, encrypted cookie: the signed-in user, the consent CSRF token
// and the in-flight upstream sign-in (state, PKCE verifier, return path).
package session
