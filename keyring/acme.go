package keyring

import (
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/google/uuid"
	"github.com/oldani/taxy/taxyapi"
)

// AcmeEntry is a keyring item describing an ACME account the (out-of-scope)
// ACME client uses to obtain certificates, which are then added back into
// the keyring as *Cert via Keyring.Add. The account/storage shape reuses
// certmagic.ACMEIssuer's configuration fields (CA URL, external account
// binding, contact email) rather than inventing a parallel one, since
// certmagic is the teacher's own ACME-adjacent dependency.
type AcmeEntry struct {
	id          string
	provider    string
	identifiers []taxyapi.SubjectName
	challenge   taxyapi.ChallengeType
	renewalDays uint64
	isTrusted   bool
	createdAt   time.Time

	// Issuer carries the certmagic-shaped account configuration (CA URL,
	// EAB, contact emails) that an ACME client would read to register an
	// account and request certificates for Identifiers.
	Issuer *certmagic.ACMEIssuer
}

// NewAcmeEntry constructs an ACME entry from an operator request, assigning
// a fresh opaque identifier (mirrors the Rust server generating a uuid for
// each new keyring item added via the admin API).
func NewAcmeEntry(req taxyapi.AcmeRequest, issuer *certmagic.ACMEIssuer) *AcmeEntry {
	renewal := req.RenewalDays
	if renewal == 0 {
		renewal = taxyapi.DefaultRenewalDays
	}
	return &AcmeEntry{
		id:          uuid.NewString(),
		provider:    req.Provider,
		identifiers: append([]taxyapi.SubjectName(nil), req.Identifiers...),
		challenge:   req.ChallengeType,
		renewalDays: renewal,
		isTrusted:   req.IsTrusted,
		createdAt:   time.Now(),
		Issuer:      issuer,
	}
}

// ID returns the ACME entry's identifier.
func (a *AcmeEntry) ID() string { return a.id }

// Info projects the entry into its external-facing shape.
func (a *AcmeEntry) Info() taxyapi.AcmeInfo {
	ids := make([]string, 0, len(a.identifiers))
	for _, n := range a.identifiers {
		ids = append(ids, n.String())
	}
	return taxyapi.AcmeInfo{
		ID:            a.id,
		Provider:      a.provider,
		Identifiers:   ids,
		ChallengeType: a.challenge,
	}
}
