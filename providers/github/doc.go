// Package github implements providers.Provider for GitHub OAuth Apps.
//
// GitHub has no discovery document, so endpoints are fixed. User emails may
// be private, in which case the primary address is read from /user/emails.
// Sign-in can be restricted to members of AllowedOrganizations; the
// "read:org" scope is added automatically when it is set.
package github
