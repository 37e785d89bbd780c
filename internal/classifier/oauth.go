package classifier

import (
	"strings"

	"github.com/mbd888/domainlens/internal/urlx"
)

// Core OAuth 2.0 / OIDC authorization request parameter keys. Only key
// presence is checked.
var oauthParamKeys = []string{
	"client_id",
	"redirect_uri",
	"response_type",
	"scope",
	"state",
	"nonce",
	"code_challenge",
	"response_mode",
}

const minOAuthParams = 2

// Path suffixes that only show up on authorization endpoints.
var strongAuthPaths = []string{
	"/authorize",
	"/oauth2/auth",
	"/o/oauth2/auth",
	"/o/oauth2/v2/auth",
	"/oauth2/v2.0/authorize",
	"/protocol/openid-connect/auth",
	"/consent",
	"/oauth/consent",
	"/sso/saml",
	"/saml2",
}

// Identity providers recognized by host suffix, optionally with a path prefix.
var knownIdPs = []struct {
	host       string
	pathPrefix string
}{
	{"accounts.google.com", ""},
	{"login.microsoftonline.com", ""},
	{"login.live.com", ""},
	{"appleid.apple.com", ""},
	{"okta.com", ""},
	{"auth0.com", ""},
	{"onelogin.com", ""},
	{"login.salesforce.com", ""},
	{"id.atlassian.com", ""},
	{"github.com", "/login/oauth"},
	{"facebook.com", "/dialog/oauth"},
}

// OAuthMatch is the outcome of structural OAuth/OIDC detection.
type OAuthMatch struct {
	ParamKeys  int
	StrongPath bool
	KnownIdP   bool
	// RedirectDomain is the reduced domain of redirect_uri, when present
	// and parseable.
	RedirectDomain string
}

// Detected reports whether any structural rule fired.
func (m OAuthMatch) Detected() bool {
	return m.ParamKeys >= minOAuthParams || m.StrongPath || m.KnownIdP
}

// DetectOAuth inspects query keys, path and host of p. The only value that
// is read is redirect_uri, and only its host is kept.
func DetectOAuth(p *urlx.Parsed) OAuthMatch {
	var m OAuthMatch

	q := p.URL.Query()
	for _, key := range oauthParamKeys {
		if _, ok := q[key]; ok {
			m.ParamKeys++
		}
	}

	path := strings.TrimRight(strings.ToLower(p.URL.Path), "/")
	for _, suffix := range strongAuthPaths {
		if strings.HasSuffix(path, suffix) {
			m.StrongPath = true
			break
		}
	}

	m.KnownIdP = isKnownIdP(p.Host, path)

	if raw := q.Get("redirect_uri"); raw != "" {
		if d, err := urlx.Domain(raw); err == nil {
			m.RedirectDomain = d
		}
	}
	return m
}

func isKnownIdP(host, path string) bool {
	for _, idp := range knownIdPs {
		if host != idp.host && !strings.HasSuffix(host, "."+idp.host) {
			continue
		}
		if idp.pathPrefix == "" || strings.HasPrefix(path, idp.pathPrefix) {
			return true
		}
	}
	return false
}
