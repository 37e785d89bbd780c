package classifier

import (
	"strings"

	"github.com/mbd888/domainlens/internal/urlx"
)

// Signal is a code from the closed hint vocabulary. DOM codes come from
// page probes; URL codes are derived here from the URL path.
type Signal string

const (
	SignalPasswordField Signal = "dom_password_field"
	SignalLoginForm     Signal = "dom_login_form"
	SignalPaymentField  Signal = "dom_payment_field"
	SignalRichEditor    Signal = "dom_rich_editor"
	SignalFileUpload    Signal = "dom_file_upload"
	SignalSAMLForm      Signal = "dom_saml_form"

	SignalURLTransaction Signal = "url_transaction"
	SignalURLUGC         Signal = "url_ugc"
	SignalURLLogin       Signal = "url_login"
	SignalURLSignup      Signal = "url_signup"
	SignalURLAccount     Signal = "url_account"
)

// Valid reports whether s is part of the vocabulary.
func (s Signal) Valid() bool {
	switch s {
	case SignalPasswordField, SignalLoginForm, SignalPaymentField, SignalRichEditor,
		SignalFileUpload, SignalSAMLForm, SignalURLTransaction, SignalURLUGC,
		SignalURLLogin, SignalURLSignup, SignalURLAccount:
		return true
	}
	return false
}

// FromDOM reports whether s is produced by DOM inspection.
func (s Signal) FromDOM() bool {
	return strings.HasPrefix(string(s), "dom_")
}

// ValidateSignals splits raw codes from an untrusted caller into known
// signals and dropped codes. Duplicates are collapsed.
func ValidateSignals(raw []string) (known []Signal, dropped []string) {
	seen := make(map[Signal]bool, len(raw))
	for _, code := range raw {
		s := Signal(strings.ToLower(strings.TrimSpace(code)))
		if !s.Valid() {
			dropped = append(dropped, code)
			continue
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		known = append(known, s)
	}
	return known, dropped
}

// Path keywords per URL signal. Matching is substring based on the
// lowercased path; ambiguous hits like "/author" are handled downstream.
var pathKeywords = []struct {
	signal   Signal
	keywords []string
}{
	{SignalURLTransaction, []string{"checkout", "cart", "payment", "billing"}},
	{SignalURLUGC, []string{"edit", "compose", "write"}},
	{SignalURLLogin, []string{"login", "signin", "sign-in", "logon", "auth"}},
	{SignalURLSignup, []string{"signup", "sign-up", "register"}},
	{SignalURLAccount, []string{"account", "settings", "profile"}},
}

// URLSignals derives URL signal codes from the path of p. Query strings
// are never inspected.
func URLSignals(p *urlx.Parsed) []Signal {
	path := strings.ToLower(p.URL.EscapedPath())
	if path == "" || path == "/" {
		return nil
	}
	var out []Signal
	for _, pk := range pathKeywords {
		for _, kw := range pk.keywords {
			if strings.Contains(path, kw) {
				out = append(out, pk.signal)
				break
			}
		}
	}
	return out
}

// signalSet is the merged set of explicit and derived signals.
type signalSet map[Signal]bool

func newSignalSet(groups ...[]Signal) signalSet {
	set := make(signalSet)
	for _, g := range groups {
		for _, s := range g {
			if s.Valid() {
				set[s] = true
			}
		}
	}
	return set
}

func (s signalSet) any(signals ...Signal) bool {
	for _, sig := range signals {
		if s[sig] {
			return true
		}
	}
	return false
}
