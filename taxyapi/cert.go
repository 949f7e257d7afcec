package taxyapi

import "time"

// CertInfo is the external projection of a keyring.Cert: everything an admin
// API would show about a certificate, with timestamps reduced to unix seconds
// the way taxy-api/src/cert.rs::CertInfo does.
type CertInfo struct {
	ID          string        `json:"id"`
	Fingerprint string        `json:"fingerprint"`
	Issuer      string        `json:"issuer"`
	RootCert    *string       `json:"root_cert,omitempty"`
	SAN         []SubjectName `json:"san"`
	NotAfter    int64         `json:"not_after"`
	NotBefore   int64         `json:"not_before"`
	Metadata    *CertMetadata `json:"metadata,omitempty"`
}

// CertMetadata is the optional `# key=val&...` comment line carried on the
// first line of a certificate chain's PEM encoding.
type CertMetadata struct {
	AcmeID    string    `json:"acme_id"`
	CreatedAt time.Time `json:"created_at"`
	IsTrusted bool      `json:"is_trusted"`
}

// SelfSignedCertRequest requests generation of a self-signed certificate
// covering the given subject names.
type SelfSignedCertRequest struct {
	SAN []SubjectName `json:"san"`
}

// KeyringInfo is the tagged-union projection of a keyring item: either a
// server certificate or an ACME account entry. It mirrors the Rust enum
// `KeyringInfo { ServerCert(CertInfo), Acme(AcmeInfo) }`.
type KeyringInfo interface {
	ID() string
	isKeyringInfo()
}

// ServerCertInfo is the KeyringInfo variant for an uploaded or ACME-issued
// server certificate.
type ServerCertInfo struct {
	CertInfo
}

func (s ServerCertInfo) ID() string { return s.CertInfo.ID }
func (ServerCertInfo) isKeyringInfo() {}

// AcmeKeyringInfo is the KeyringInfo variant for an ACME account entry.
type AcmeKeyringInfo struct {
	AcmeInfo
}

func (a AcmeKeyringInfo) ID() string { return a.AcmeInfo.ID }
func (AcmeKeyringInfo) isKeyringInfo() {}
