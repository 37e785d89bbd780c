package classifier

import (
	"fmt"

	"github.com/mbd888/domainlens/internal/activity"
	"github.com/mbd888/domainlens/internal/evidence"
)

const (
	explainTransaction = "Checkout or payment activity"
	explainUGC         = "Content authoring activity"
	explainAccount     = "Account activity"
	explainView        = "Passive viewing"
	explainAmbiguous   = "Ambiguous account keywords in URL, treated as passive viewing"
)

// explainStructural picks one line by evidence priority: SAML form first,
// then redirect match, completed round-trip, opener link, auth structure
// and known provider.
func explainStructural(est *activity.Estimation, st *evidence.State) string {
	switch {
	case st.Has(evidence.KindSAMLForm):
		if est.RPDomain != "" {
			return fmt.Sprintf("SAML sign-in form posting to %s", est.RPDomain)
		}
		return "SAML sign-in form"
	case st.Has(evidence.KindRedirectMatch):
		return fmt.Sprintf("OAuth sign-in redirecting back to %s", est.RPDomain)
	case st.Has(evidence.KindTemporalChain):
		return fmt.Sprintf("Completed sign-in round-trip between %s and %s", est.RPDomain, est.IdPDomain)
	case st.Has(evidence.KindOpenerLink):
		return fmt.Sprintf("Sign-in window opened from %s", est.RPDomain)
	case st.Has(evidence.KindOAuthParams), st.Has(evidence.KindStrongPath):
		return "OAuth authorization request"
	case st.Has(evidence.KindKnownIdP):
		return fmt.Sprintf("Known identity provider %s", est.IdPDomain)
	default:
		return explainAccount
	}
}
