package gatekeeper

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"

	"github.com/giantswarm/mcp-gatekeeper/internal/util"
	"github.com/giantswarm/mcp-gatekeeper/security"
	"github.com/giantswarm/mcp-gatekeeper/server"
)

const consentTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.ClientName}}</title>
<style>
body{font-family:system-ui,sans-serif;background:#f4f5f7;margin:0;display:flex;justify-content:center;padding-top:10vh}
main{background:#fff;border-radius:8px;box-shadow:0 1px 4px rgba(0,0,0,.15);padding:2rem;max-width:28rem;width:100%}
h1{font-size:1.25rem;margin-top:0}
ul{padding-left:1.25rem}
code{background:#eef0f3;padding:0 .25rem;border-radius:3px}
.actions{display:flex;gap:.75rem;margin-top:1.5rem}
button{flex:1;padding:.6rem;border-radius:4px;border:1px solid #bbb;font-size:1rem;cursor:pointer}
button[value=approve]{background:#1f6feb;border-color:#1f6feb;color:#fff}
</style>
</head>
<body>
<main>
<h1><strong>{{.ClientName}}</strong> wants to access your MCP tools</h1>
{{if .Scopes}}<p>Requested permissions:</p>
<ul>{{range .Scopes}}<li><code>{{.}}</code></li>{{end}}</ul>
{{else}}<p>No specific permissions were requested.</p>{{end}}
{{if .Resource}}<p>Resource: <code>{{.Resource}}</code></p>{{end}}
<p>You will be redirected to <code>{{.RedirectURI}}</code>.</p>
<form method="post" action="{{.Action}}">
{{range $name, $value := .Fields}}<input type="hidden" name="{{$name}}" value="{{$value}}">
{{end}}<div class="actions">
<button type="submit" name="action" value="deny">Deny</button>
<button type="submit" name="action" value="approve">Approve</button>
</div>
</form>
</main>
</body>
</html>`

var consentTmpl = template.Must(template.New("consent").Parse(consentTemplate))

type consentData struct {
	ClientName  string
	Scopes      []string
	Resource    string
	RedirectURI string
	Action      string
	Fields      map[string]string
}

// Consent decisions
const (
	actionApprove = "approve"
	actionDeny    = "deny"
)

func authorizationRequestFrom(values url.Values) *server.AuthorizationRequest {
	return &server.AuthorizationRequest{
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		State:               values.Get("state"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
		Scope:               values.Get("scope"),
		Resource:            values.Get("resource"),
		ResponseType:        values.Get("response_type"),
	}
}

// authorizationRequestValues is the inverse of authorizationRequestFrom.
func authorizationRequestValues(req *server.AuthorizationRequest) url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("client_id", req.ClientID)
	set("redirect_uri", req.RedirectURI)
	set("state", req.State)
	set("code_challenge", req.CodeChallenge)
	set("code_challenge_method", req.CodeChallengeMethod)
	set("scope", req.Scope)
	set("resource", req.Resource)
	set("response_type", req.ResponseType)
	return v
}

// writeAuthorizationError renders a failed request validation. The redirect URI is
// not trusted at this point, so errors are rendered rather than redirected.
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, server.ErrInvalidClient):
		h.writeError(w, NewOAuthError(ErrorCodeInvalidClient, "Unknown client", http.StatusBadRequest))
	case errors.Is(err, server.ErrInvalidRedirectURI):
		h.writeError(w, ErrInvalidRequest("redirect_uri is not registered for this client"))
	case errors.Is(err, server.ErrInvalidRequest):
		h.writeError(w, ErrInvalidRequest(err.Error()))
	default:
		h.writeServerError(w, r, "Failed to validate authorization request", err)
	}
}

// ServeAuthorization validates the request and shows the consent page,
// sending users who are not signed in through the identity provider first.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	req := authorizationRequestFrom(r.URL.Query())

	client, err := h.server.ValidateAuthorizationRequest(r.Context(), req)
	if err != nil {
		h.writeAuthorizationError(w, r, err)
		return
	}

	if h.sessions.UserID(r) == "" {
		h.redirectToLogin(w, r, r.URL.RequestURI())
		return
	}

	csrfToken, err := h.sessions.CSRFToken(w, r)
	if err != nil {
		h.writeServerError(w, r, "Failed to create CSRF token", err)
		return
	}

	fields := map[string]string{"csrf_token": csrfToken}
	for k, v := range authorizationRequestValues(req) {
		fields[k] = v[0]
	}

	name := client.ClientName
	if name == "" {
		name = client.ClientID
	}

	security.SetPageSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := consentTmpl.Execute(w, consentData{
		ClientName:  name,
		Scopes:      util.SplitScope(req.Scope),
		Resource:    req.Resource,
		RedirectURI: req.RedirectURI,
		Action:      PathAuthorize,
		Fields:      fields,
	}); err != nil {
		h.logger.Error("Failed to render consent page", "error", err)
	}
}

// ServeAuthorizationDecision handles the consent form. Approval issues a
// code; denial redirects with error=access_denied.
func (h *Handler) ServeAuthorizationDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}
	req := authorizationRequestFrom(r.PostForm)

	userID := h.sessions.UserID(r)
	if userID == "" {
		h.redirectToLogin(w, r, PathAuthorize+"?"+authorizationRequestValues(req).Encode())
		return
	}

	if !h.sessions.ValidCSRF(r, r.PostForm.Get("csrf_token")) {
		h.logger.Warn("Consent rejected: invalid CSRF token", "client_id", req.ClientID, "ip", h.clientIP(r))
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "Invalid or missing CSRF token", http.StatusForbidden))
		return
	}

	if _, err := h.server.ValidateAuthorizationRequest(ctx, req); err != nil {
		h.writeAuthorizationError(w, r, err)
		return
	}

	switch r.PostForm.Get("action") {
	case actionApprove:
		code, err := h.server.CreateAuthorizationCode(ctx, req, userID)
		if err != nil {
			h.writeMappedError(w, r, "Failed to create authorization code", err)
			return
		}
		h.redirectWithParams(w, r, req.RedirectURI, map[string]string{
			"code":  code,
			"state": req.State,
		})

	case actionDeny:
		h.server.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventAuthorizationDenied,
			UserID:    userID,
			ClientID:  req.ClientID,
			IPAddress: h.clientIP(r),
		})
		h.redirectWithParams(w, r, req.RedirectURI, map[string]string{
			"error": ErrorCodeAccessDenied,
			"state": req.State,
		})

	default:
		h.writeError(w, ErrInvalidRequest("action must be approve or deny"))
	}
}

// redirectWithParams appends params to a validated redirect URI, keeping
// its existing query. Empty values are skipped.
func (h *Handler) redirectWithParams(w http.ResponseWriter, r *http.Request, redirectURI string, params map[string]string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		h.writeError(w, ErrInvalidRequest("Malformed redirect_uri"))
		return
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, u.String(), http.StatusFound)
}
