// Package certstore implements the certificate record format and the
// concurrent, copy-on-write store that the TLS handshake path reads from.
package certstore

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mikesi/mproxy/internal/hostconfig"
)

// Record is one certificate as persisted on disk and served at the TLS
// handshake. Leaf parsing is deferred until first needed (ValidUntil,
// ValidFrom, IsExpired) and cached after that, since most records are
// only ever installed into tls.Config and never inspected again.
type Record struct {
	HostName       string   `json:"host_name"`
	HostNames      []string `json:"host_names,omitempty"`
	PrivateKeyPEM  string   `json:"private_key_pem,omitempty"`
	CertificatePEM string   `json:"certificate_pem,omitempty"`
	FullChain      string   `json:"full_chain,omitempty"`

	// Routing is the host_config entry that pointed at this record,
	// persisted alongside the certificate so cert.json matches the
	// documented on-disk schema and a restart recovers a record's
	// upstream before hosts.toml is re-read.
	Routing *hostconfig.HostConfig `json:"host_config,omitempty"`

	// UpstreamAddress mirrors Routing.UpstreamAddress for the handshake
	// hot path, which only ever needs the address, not the full entry.
	// It is derived from Routing, never persisted on its own.
	UpstreamAddress string `json:"-"`

	// interCert is the last full certificate block found in FullChain,
	// extracted eagerly at load time (cheap, pure string scanning).
	interCert []byte

	leafOnce sync.Once
	leaf     *x509.Certificate
	leafErr  error
}

// NewRecord builds an empty record for hostName, ready to be populated by
// an ACME client before being installed in a store.
func NewRecord(hostName string) *Record {
	return &Record{HostName: hostName}
}

// FromBundle builds a fully populated record from known PEM material,
// deriving the cached intermediate eagerly. hostName and aliases are
// supplied by the caller (the ACME client already knows what it ordered);
// use DeriveHostNames first when the caller only has the certificate
// itself, as the importer does.
func FromBundle(hostName string, aliases []string, keyPEM, certPEM, fullChainPEM string) *Record {
	r := &Record{
		HostName:       hostName,
		HostNames:      aliases,
		PrivateKeyPEM:  keyPEM,
		CertificatePEM: certPEM,
		FullChain:      fullChainPEM,
	}
	r.parseInterCert()
	return r
}

// DeriveHostNames extracts the primary hostname and SAN aliases from a
// leaf certificate's subject, matching the source's parse_hostname +
// SAN-walk: the CN is the primary name; DNS SANs other than the CN
// become aliases. If the CN is empty, the first DNS SAN is promoted to
// primary instead. A leaf with neither a CN nor any DNS SAN is rejected.
func DeriveHostNames(certPEM string) (hostName string, aliases []string, err error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return "", nil, fmt.Errorf("invalid PEM data")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", nil, fmt.Errorf("invalid x509 certificate: %w", err)
	}

	cn := strings.ToLower(cert.Subject.CommonName)
	var sans []string
	for _, name := range cert.DNSNames {
		sans = append(sans, strings.ToLower(name))
	}

	if cn == "" {
		if len(sans) == 0 {
			return "", nil, fmt.Errorf("certificate has no CN and no DNS SANs")
		}
		return sans[0], sans[1:], nil
	}

	var out []string
	for _, san := range sans {
		if san != cn {
			out = append(out, san)
		}
	}
	return cn, out, nil
}

// FromPersisted loads a record from its on-disk JSON form at path.
func FromPersisted(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cert record %q: %w", path, err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing cert record %q: %w", path, err)
	}
	if r.Routing != nil {
		r.UpstreamAddress = r.Routing.UpstreamAddress
	}
	r.parseInterCert()
	return &r, nil
}

// ToPersisted writes the record's JSON form to path, creating its parent
// directory if needed.
func (r *Record) ToPersisted(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating cert dir for %q: %w", path, err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cert record for %q: %w", path, err)
	}
	return os.WriteFile(path, data, 0o600)
}

// SetAliases records the alternate hostnames this record was issued for.
func (r *Record) SetAliases(aliases []string) { r.HostNames = aliases }

// SetRouting binds the host_config entry this record serves, persisting
// it to cert.json so the routing survives a restart independently of
// hosts.toml having already been re-read.
func (r *Record) SetRouting(hc *hostconfig.HostConfig) {
	r.Routing = hc
	if hc != nil {
		r.UpstreamAddress = hc.UpstreamAddress
	} else {
		r.UpstreamAddress = ""
	}
}

const (
	beginMarker = "-----BEGIN CERTIFICATE-----"
	endMarker   = "-----END CERTIFICATE-----"
)

// ExtractInterCertStr returns the last complete certificate block found in
// pemChain, matching the scanning behavior the ACME client relies on to
// split a fullchain.pem download into leaf + intermediate. A chain with
// only one block has no intermediate, per spec: the sole block is the
// leaf, not a chain certificate, so ok is false in that case.
func ExtractInterCertStr(pemChain string) (string, bool) {
	blocks := 0
	lastPos := 0
	lastBegin := -1
	for {
		begin := indexFrom(pemChain, beginMarker, lastPos)
		if begin < 0 {
			break
		}
		end := indexFrom(pemChain, endMarker, begin)
		if end < 0 {
			break
		}
		blocks++
		lastBegin = begin
		lastPos = end + len(endMarker)
	}
	if blocks < 2 {
		return "", false
	}
	end := indexFrom(pemChain, endMarker, lastBegin) + len(endMarker)
	return pemChain[lastBegin:end], true
}

func indexFrom(s, substr string, from int) int {
	if from > len(s) {
		return -1
	}
	i := strings.Index(s[from:], substr)
	if i < 0 {
		return -1
	}
	return from + i
}

func (r *Record) parseInterCert() {
	if r.FullChain == "" {
		return
	}
	if block, ok := ExtractInterCertStr(r.FullChain); ok {
		r.interCert = []byte(block)
	}
}

// IntermediatePEM returns the intermediate certificate block extracted
// from FullChain, if one was found.
func (r *Record) IntermediatePEM() ([]byte, bool) {
	if r.interCert == nil {
		r.parseInterCert()
	}
	return r.interCert, r.interCert != nil
}

func (r *Record) parseLeaf() {
	r.leafOnce.Do(func() {
		if r.CertificatePEM == "" {
			r.leafErr = fmt.Errorf("no certificate data available for %s", r.HostName)
			return
		}
		block, _ := pem.Decode([]byte(r.CertificatePEM))
		if block == nil || block.Type != "CERTIFICATE" {
			r.leafErr = fmt.Errorf("invalid PEM data for %s", r.HostName)
			return
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			r.leafErr = fmt.Errorf("invalid x509 certificate for %s: %w", r.HostName, err)
			return
		}
		r.leaf = cert
	})
}

// ValidUntil returns the leaf certificate's NotAfter time.
func (r *Record) ValidUntil() (time.Time, error) {
	r.parseLeaf()
	if r.leafErr != nil {
		return time.Time{}, r.leafErr
	}
	return r.leaf.NotAfter, nil
}

// ValidFrom returns the leaf certificate's NotBefore time.
func (r *Record) ValidFrom() (time.Time, error) {
	r.parseLeaf()
	if r.leafErr != nil {
		return time.Time{}, r.leafErr
	}
	return r.leaf.NotBefore, nil
}

// IsExpired reports whether the leaf certificate's NotAfter has passed.
func (r *Record) IsExpired() (bool, error) {
	validUntil, err := r.ValidUntil()
	if err != nil {
		return false, err
	}
	return time.Now().UTC().After(validUntil), nil
}
