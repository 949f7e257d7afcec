// Package keyring holds the certificate keyring: parsed X.509 chains plus
// optional ACME account entries, keyed by a short deterministic identifier,
// with the ordering rules SNI selection relies on.
//
// The certificate-loading code here follows the same shape as the teacher's
// caddytls/certificates.go (makeCertificate / fillCertFromLeaf / cacheCertificate):
// parse once into a plain struct carrying both the tls.Certificate and the
// metadata extracted from the leaf, and never re-parse on the hot path.
package keyring

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oldani/taxy/taxyapi"
	"github.com/oldani/taxy/taxylog"
	"go.uber.org/zap"
)

// certIDLength is the number of hex characters of the fingerprint used as
// the keyring identifier (§3, §6).
const certIDLength = 20

// Cert is an immutable, already-parsed certificate chain plus private key
// and derived metadata. Two Certs with equal Fingerprint are equal.
type Cert struct {
	id          string
	rawChain    []byte
	rawKey      []byte
	fingerprint string
	issuer      string
	rootCert    *string
	san         []taxyapi.SubjectName
	notBefore   time.Time
	notAfter    time.Time
	metadata    *taxyapi.CertMetadata

	tlsCert tls.Certificate
}

// ID returns the certificate's keyring identifier (fingerprint[:20]).
func (c *Cert) ID() string { return c.id }

// Fingerprint returns the full lowercase-hex SHA-256 fingerprint of the leaf.
func (c *Cert) Fingerprint() string { return c.fingerprint }

// Metadata returns the optional parsed metadata comment, or nil.
func (c *Cert) Metadata() *taxyapi.CertMetadata { return c.metadata }

// Info projects c into the external-facing taxyapi.CertInfo shape.
func (c *Cert) Info() taxyapi.CertInfo {
	return taxyapi.CertInfo{
		ID:          c.id,
		Fingerprint: c.fingerprint,
		Issuer:      c.issuer,
		RootCert:    c.rootCert,
		SAN:         append([]taxyapi.SubjectName(nil), c.san...),
		NotAfter:    c.notAfter.Unix(),
		NotBefore:   c.notBefore.Unix(),
		Metadata:    c.metadata,
	}
}

// IsValid reports whether now falls within [NotBefore, NotAfter].
func (c *Cert) IsValid() bool {
	now := time.Now()
	return !now.Before(c.notBefore) && !now.After(c.notAfter)
}

// HasSubjectName reports whether any of c's SANs satisfies an SNI lookup
// for name, per the matching rules in taxyapi.SubjectName.Matches.
func (c *Cert) HasSubjectName(name taxyapi.SubjectName) bool {
	for _, san := range c.san {
		if san.Matches(name) {
			return true
		}
	}
	return false
}

// Certified returns the tls.Certificate (chain + parsed private key) ready
// to be handed to a tls.Config as the result of GetCertificate, mirroring
// Cert::certified() in the original implementation.
func (c *Cert) Certified() (*tls.Certificate, error) {
	return &c.tlsCert, nil
}

// Parse decodes a certificate chain and PKCS#8 private key, both PEM
// encoded, following the contract in §4.2:
//  1. An optional leading "# k=v&..." comment line is URL-query-decoded into
//     metadata; malformed comments are discarded silently.
//  2. The chain is PEM-decoded; at least one certificate is required.
//  3. The identifier is the first 20 hex chars of SHA-256(leaf DER).
//  4. Every chain element is parsed as X.509 to collect SANs (leaf only),
//     issuer DN (leaf), root subject DN (chain tail, if len>1), and the
//     validity window (leaf).
//  5. The private key is parsed as PKCS#8; failure is FailedToDecryptPrivateKey.
func Parse(chainPEM, keyPEM []byte) (*Cert, error) {
	metadata := parseMetadataComment(chainPEM)

	tlsCert, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		// Distinguish a malformed chain from a malformed/undecodable key so
		// callers get the right error kind back, as §7 requires.
		if _, parseErr := parseChainOnly(chainPEM); parseErr != nil {
			return nil, taxyapi.NewError(taxyapi.ErrFailedToReadCertificate, parseErr)
		}
		return nil, taxyapi.NewError(taxyapi.ErrFailedToDecryptPrivateKey, err)
	}
	if _, err := parseChainOnly(chainPEM); err != nil {
		return nil, taxyapi.NewError(taxyapi.ErrFailedToReadCertificate, err)
	}
	if _, err := x509.ParsePKCS8PrivateKey(derFromPEM(keyPEM)); err != nil {
		return nil, taxyapi.NewError(taxyapi.ErrFailedToDecryptPrivateKey, err)
	}

	leafDER := tlsCert.Certificate[0]
	sum := sha256.Sum256(leafDER)
	fingerprint := hex.EncodeToString(sum[:])

	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, taxyapi.NewError(taxyapi.ErrFailedToReadCertificate, err)
	}

	san := make([]taxyapi.SubjectName, 0, len(leaf.DNSNames))
	for _, dns := range leaf.DNSNames {
		n, err := taxyapi.ParseSubjectName(strings.ToLower(dns))
		if err != nil {
			taxylog.Named("keyring").Warn("skipping unparseable SAN", zap.String("name", dns), zap.Error(err))
			continue
		}
		san = append(san, n)
	}

	var rootCert *string
	if len(tlsCert.Certificate) > 1 {
		root, err := x509.ParseCertificate(tlsCert.Certificate[len(tlsCert.Certificate)-1])
		if err == nil {
			s := root.Subject.String()
			rootCert = &s
		}
	}

	c := &Cert{
		id:          fingerprint[:certIDLength],
		rawChain:    chainPEM,
		rawKey:      keyPEM,
		fingerprint: fingerprint,
		issuer:      leaf.Issuer.String(),
		rootCert:    rootCert,
		san:         san,
		notBefore:   leaf.NotBefore,
		notAfter:    leaf.NotAfter,
		metadata:    metadata,
		tlsCert:     tlsCert,
	}
	return c, nil
}

func derFromPEM(keyPEM []byte) []byte {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil
	}
	return block.Bytes
}

func parseChainOnly(chainPEM []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found in chain")
	}
	return certs, nil
}

// parseMetadataComment decodes the optional "# key=val&key2=val2" first line
// carried ahead of the PEM chain. Any decode failure yields nil, never an
// error (§4.2 step 1, §6).
func parseMetadataComment(chainPEM []byte) *taxyapi.CertMetadata {
	scanner := bufio.NewScanner(bytes.NewReader(chainPEM))
	if !scanner.Scan() {
		return nil
	}
	line := strings.TrimSpace(scanner.Text())
	if !strings.HasPrefix(line, "#") {
		return nil
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "#"))

	values, err := url.ParseQuery(line)
	if err != nil {
		return nil
	}

	meta := &taxyapi.CertMetadata{
		AcmeID: values.Get("acme_id"),
	}
	if v := values.Get("created_at"); v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil
		}
		meta.CreatedAt = time.Unix(secs, 0).UTC()
	}
	if v := values.Get("is_trusted"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil
		}
		meta.IsTrusted = b
	}
	return meta
}

// NewSelfSigned generates a self-signed certificate covering the given
// subject names, mirroring the teacher's own newSelfSignedCertificate in
// caddytls/selfsigned.go: an ECDSA P-256 key pair and stdlib
// crypto/x509.CreateCertificate, with a throwaway CA signing the leaf so
// the returned chain has the CA/leaf shape the original Rust Cert::new
// expects (chain length 2: leaf, then CA).
func NewSelfSigned(san []taxyapi.SubjectName) (*Cert, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, taxyapi.NewError(taxyapi.ErrFailedToGenerateSelfSignedCertificate, err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          randSerial(),
		Subject:               pkix.Name{CommonName: "Taxy CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, taxyapi.NewError(taxyapi.ErrFailedToGenerateSelfSignedCertificate, err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, taxyapi.NewError(taxyapi.ErrFailedToGenerateSelfSignedCertificate, err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, taxyapi.NewError(taxyapi.ErrFailedToGenerateSelfSignedCertificate, err)
	}

	commonName := "Taxy Cert"
	if len(san) > 0 {
		commonName = san[0].String()
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: randSerial(),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, name := range san {
		if name.IsIP() {
			leafTemplate.IPAddresses = append(leafTemplate.IPAddresses, name.IP())
			continue
		}
		leafTemplate.DNSNames = append(leafTemplate.DNSNames, name.String())
	}

	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		return nil, taxyapi.NewError(taxyapi.ErrFailedToGenerateSelfSignedCertificate, err)
	}

	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})
	chainPEM := append(append([]byte{}, leafPEM...), caPEM...)

	keyDER, err := x509.MarshalPKCS8PrivateKey(leafKey)
	if err != nil {
		return nil, taxyapi.NewError(taxyapi.ErrFailedToGenerateSelfSignedCertificate, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return Parse(chainPEM, keyPEM)
}

func randSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}
