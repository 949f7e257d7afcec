package taxyapi

// ChallengeType mirrors instant-acme's ChallengeType enum, serialized the
// same way taxy-api/src/acme.rs does: lowercase, hyphenated.
type ChallengeType string

const (
	ChallengeHTTP01    ChallengeType = "http-01"
	ChallengeDNS01     ChallengeType = "dns-01"
	ChallengeTLSALPN01 ChallengeType = "tls-alpn-01"
)

// DefaultRenewalDays mirrors default_renewal_days() in taxy-api/src/acme.rs.
const DefaultRenewalDays = 60

// Acme is the per-entry ACME configuration: provider label, the identifiers
// to request a certificate for, and renewal policy.
type Acme struct {
	Provider      string        `json:"provider"`
	Identifiers   []SubjectName `json:"identifiers"`
	ChallengeType ChallengeType `json:"challenge_type"`
	RenewalDays   uint64        `json:"renewal_days"`
	IsTrusted     bool          `json:"is_trusted"`
}

// ExternalAccountBinding carries the EAB credentials some ACME CAs require
// at account registration.
type ExternalAccountBinding struct {
	KeyID   string `json:"key_id"`
	HMACKey []byte `json:"hmac_key"`
}

// AcmeRequest is the operator-supplied request to register a new ACME entry.
type AcmeRequest struct {
	ServerURL string                  `json:"server_url"`
	Contacts  []string                `json:"contacts"`
	EAB       *ExternalAccountBinding `json:"eab,omitempty"`
	Acme
}

// AcmeInfo is the external projection of a keyring ACME entry.
type AcmeInfo struct {
	ID            string        `json:"id"`
	Provider      string        `json:"provider"`
	Identifiers   []string      `json:"identifiers"`
	ChallengeType ChallengeType `json:"challenge_type"`
}
