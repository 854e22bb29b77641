package security

import (
	"net/http"
	"net/url"
)

const (
	apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"

	// consent and sign-in pages carry inline styles only
	pageContentSecurityPolicy = "default-src 'none'; style-src 'unsafe-inline'; frame-ancestors 'none'"
)

// SetSecurityHeaders sets the headers every OAuth JSON/redirect response carries.
// HSTS is added only when issuer is an https URL.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	setCommonHeaders(w, issuer)
	w.Header().Set("Content-Security-Policy", apiContentSecurityPolicy)
}

// SetPageSecurityHeaders is SetSecurityHeaders for server-rendered HTML pages.
func SetPageSecurityHeaders(w http.ResponseWriter, issuer string) {
	setCommonHeaders(w, issuer)
	w.Header().Set("Content-Security-Policy", pageContentSecurityPolicy)
}

func setCommonHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
