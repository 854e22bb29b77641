// Package testutil provides shared test helpers for the gatekeeper packages:
// a controllable clock, PKCE pairs and small assertion helpers.
package testutil
