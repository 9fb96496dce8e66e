// Package acmeclient drives the RFC 8555 order lifecycle against a
// Let's Encrypt-compatible ACME server using the low-level protocol
// primitives in github.com/mholt/acmez/v3/acme, and installs the result
// into a certstore.Store.
//
// The order state machine mirrors the ACME protocol states directly:
// newOrder -> authorizing -> ready -> finalizing -> download -> install.
package acmeclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mholt/acmez/v3/acme"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mikesi/mproxy/internal/certstore"
	"github.com/mikesi/mproxy/internal/metrics"
	"github.com/mikesi/mproxy/internal/mlog"
)

// orderState names the phase of the RFC 8555 order lifecycle a request
// for a certificate is currently in, purely for logging.
type orderState string

const (
	stateNewOrder   orderState = "NEW_ORDER"
	stateAuthorize  orderState = "AUTHORIZING"
	stateReady      orderState = "READY"
	stateFinalizing orderState = "FINALIZING"
	stateDownload   orderState = "DOWNLOAD"
	stateInstall    orderState = "INSTALL"
)

const (
	pollInitialBackoff = time.Second
	pollMaxBackoff     = 10 * time.Second
	pollPhaseDeadline  = 120 * time.Second
)

// Client requests and renews certificates for a single ACME account,
// coordinating concurrent requests for the same hostname so that two
// goroutines racing to renew the same name only talk to the CA once.
type Client struct {
	directory     string
	email         string
	challengePath string
	acmePath      string
	store         *certstore.Store

	httpClient *http.Client
	inflight   singleflight.Group

	account acme.Account
}

// Config carries the settings needed to build a Client.
type Config struct {
	DirectoryURL  string
	Email         string
	ChallengePath string
	// AcmePath is the directory the account key and registration URL are
	// persisted under, so the same account is reused across restarts and
	// across the one-shot cert-new/cert-renew/cert-auto-renew CLI
	// invocations instead of registering a new one every run.
	AcmePath string
	Store    *certstore.Store
}

// New creates an ACME client. It does not register the account; call
// Bootstrap once before the first Request/Renew.
func New(cfg Config) *Client {
	return &Client{
		directory:     cfg.DirectoryURL,
		email:         cfg.Email,
		challengePath: cfg.ChallengePath,
		acmePath:      cfg.AcmePath,
		store:         cfg.Store,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
	}
}

// persistedAccount is the on-disk form of an ACME account under acmePath,
// matching the original implementation's acme_v2::persist::FilePersist:
// the account key and its registration URL are written once and reused by
// every later process so repeat invocations don't each register a fresh
// Let's Encrypt account under a brand-new key.
type persistedAccount struct {
	Location      string `json:"location"`
	PrivateKeyPEM string `json:"private_key_pem"`
}

func (c *Client) accountPath() string {
	return filepath.Join(c.acmePath, "account.json")
}

// Bootstrap loads the ACME account persisted under acmePath, if any, and
// only registers a brand-new one with the CA the first time this data
// directory is used.
func (c *Client) Bootstrap(ctx context.Context) error {
	loaded, err := c.loadAccount()
	if err != nil {
		return fmt.Errorf("loading persisted ACME account: %w", err)
	}
	if loaded {
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating account key: %w", err)
	}

	acmeClient := acme.Client{
		Directory:  c.directory,
		HTTPClient: c.httpClient,
		Logger:     mlog.Log(),
	}

	account := acme.Account{
		Contact:              []string{"mailto:" + c.email},
		TermsOfServiceAgreed: true,
		PrivateKey:           key,
	}
	account, err = acmeClient.NewAccount(ctx, account)
	if err != nil {
		return fmt.Errorf("registering ACME account: %w", err)
	}
	c.account = account

	if err := c.saveAccount(key, account.Location); err != nil {
		return fmt.Errorf("persisting ACME account: %w", err)
	}
	return nil
}

// loadAccount reads a previously persisted account from acmePath. It
// reports false (with a nil error) when acmePath is unset or nothing has
// been persisted there yet, which Bootstrap treats as "register fresh".
func (c *Client) loadAccount() (bool, error) {
	if c.acmePath == "" {
		return false, nil
	}
	data, err := os.ReadFile(c.accountPath())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	var persisted persistedAccount
	if err := json.Unmarshal(data, &persisted); err != nil {
		return false, fmt.Errorf("parsing %q: %w", c.accountPath(), err)
	}
	block, _ := pem.Decode([]byte(persisted.PrivateKeyPEM))
	if block == nil {
		return false, fmt.Errorf("invalid account key PEM in %q", c.accountPath())
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("parsing account key in %q: %w", c.accountPath(), err)
	}

	c.account = acme.Account{
		Status:               "valid",
		Contact:              []string{"mailto:" + c.email},
		TermsOfServiceAgreed: true,
		PrivateKey:           key,
		Location:             persisted.Location,
	}
	return true, nil
}

// saveAccount persists the account key and registration URL to acmePath.
// A Client with no acmePath configured (e.g. in tests) skips persistence
// silently; every real invocation wires AcmePath from mconfig.
func (c *Client) saveAccount(key *ecdsa.PrivateKey, location string) error {
	if c.acmePath == "" {
		return nil
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling account key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	data, err := json.MarshalIndent(persistedAccount{
		Location:      location,
		PrivateKeyPEM: string(keyPEM),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling account record: %w", err)
	}
	if err := os.MkdirAll(c.acmePath, 0o755); err != nil {
		return fmt.Errorf("creating acme dir %q: %w", c.acmePath, err)
	}
	return os.WriteFile(c.accountPath(), data, 0o600)
}

// Request obtains a brand-new certificate for hostName covering aliases
// as SANs, and installs it into the store. Concurrent calls for the same
// hostName are coalesced: only one actually talks to the CA.
func (c *Client) Request(ctx context.Context, hostName string, aliases []string) error {
	_, err, _ := c.inflight.Do(hostName, func() (any, error) {
		return nil, c.request(ctx, hostName, aliases)
	})
	return err
}

// Renew is semantically a new certificate request carrying forward the
// aliases already on record, matching how the upstream ACME protocol has
// no separate "renew" verb.
func (c *Client) Renew(ctx context.Context, hostName string) error {
	existing := c.store.Get(hostName)
	var aliases []string
	if existing != nil {
		aliases = existing.HostNames
	}
	return c.Request(ctx, hostName, aliases)
}

// RenewalResult is one host's outcome from an AutoRenew pass.
type RenewalResult struct {
	HostName string
	Err      error
}

// Report collects the per-host outcomes of one AutoRenew pass.
type Report struct {
	Renewed []string
	Failed  []RenewalResult
}

// AutoRenew renews every record in the store whose leaf expires before
// now+thresholdDays, matching the queue-then-mutate discipline of reading
// a store snapshot first so no lock is held across the network I/O each
// renewal performs.
func (c *Client) AutoRenew(ctx context.Context, now time.Time, thresholdDays int) Report {
	threshold := now.Add(time.Duration(thresholdDays) * 24 * time.Hour)

	var due []string
	for _, hostName := range c.store.Hostnames() {
		record := c.store.Get(hostName)
		if record == nil || record.HostName != hostName {
			continue // alias entry, handled under its primary name
		}
		validUntil, err := record.ValidUntil()
		if err != nil {
			continue // no leaf yet (placeholder record) - nothing to renew
		}
		if validUntil.Before(threshold) {
			due = append(due, hostName)
		}
	}

	var report Report
	for _, hostName := range due {
		if err := c.Renew(ctx, hostName); err != nil {
			report.Failed = append(report.Failed, RenewalResult{HostName: hostName, Err: err})
			continue
		}
		report.Renewed = append(report.Renewed, hostName)
	}
	return report
}

func (c *Client) request(ctx context.Context, hostName string, aliases []string) error {
	log := mlog.Log().With(zap.String("host", hostName))

	acmeClient := acme.Client{
		Directory:  c.directory,
		HTTPClient: c.httpClient,
		Logger:     log,
	}

	identifiers := make([]acme.Identifier, 0, 1+len(aliases))
	identifiers = append(identifiers, acme.Identifier{Type: "dns", Value: hostName})
	for _, a := range aliases {
		identifiers = append(identifiers, acme.Identifier{Type: "dns", Value: a})
	}

	log.Info("requesting certificate", zap.String("state", string(stateNewOrder)))
	order, err := acmeClient.NewOrder(ctx, c.account, acme.Order{Identifiers: identifiers})
	if err != nil {
		return c.fail(hostName, stateNewOrder, fmt.Errorf("creating order for %s: %w", hostName, err))
	}

	log = log.With(zap.String("state", string(stateAuthorize)))
	for _, authzURL := range order.Authorizations {
		if err := c.completeAuthorization(ctx, &acmeClient, authzURL, log); err != nil {
			return c.fail(hostName, stateAuthorize, fmt.Errorf("authorizing %s: %w", hostName, err))
		}
	}

	log.Info("waiting for order to become ready", zap.String("state", string(stateReady)))
	order, err = pollUntil(ctx, func() (acme.Order, bool, error) {
		o, err := acmeClient.PollOrder(ctx, c.account, order.Location)
		if err != nil {
			return o, false, err
		}
		return o, o.Status == "ready", nil
	})
	if err != nil {
		return c.fail(hostName, stateReady, fmt.Errorf("waiting on order readiness for %s: %w", hostName, err))
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return c.fail(hostName, stateReady, fmt.Errorf("generating certificate key for %s: %w", hostName, err))
	}
	csrDER, err := buildCSR(hostName, aliases, certKey)
	if err != nil {
		return c.fail(hostName, stateReady, fmt.Errorf("building CSR for %s: %w", hostName, err))
	}

	log.Info("finalizing order", zap.String("state", string(stateFinalizing)))
	order, err = acmeClient.FinalizeOrder(ctx, c.account, order, csrDER)
	if err != nil {
		return c.fail(hostName, stateFinalizing, fmt.Errorf("finalizing order for %s: %w", hostName, err))
	}

	order, err = pollUntil(ctx, func() (acme.Order, bool, error) {
		o, err := acmeClient.PollOrder(ctx, c.account, order.Location)
		if err != nil {
			return o, false, err
		}
		return o, o.Status == "valid", nil
	})
	if err != nil {
		return c.fail(hostName, stateFinalizing, fmt.Errorf("waiting on order finalization for %s: %w", hostName, err))
	}

	log.Info("downloading certificate chain", zap.String("state", string(stateDownload)))
	chainPEM, err := acmeClient.GetCertificateChain(ctx, c.account, order.Certificate)
	if err != nil {
		return c.fail(hostName, stateDownload, fmt.Errorf("downloading certificate for %s: %w", hostName, err))
	}

	log.Info("installing certificate", zap.String("state", string(stateInstall)))
	if err := c.install(hostName, aliases, chainPEM, certKey); err != nil {
		return c.fail(hostName, stateInstall, err)
	}
	metrics.CertificatesIssued.WithLabelValues(hostName).Inc()
	return nil
}

// fail records a per-phase failure metric and returns err unchanged, so
// every return path out of request() can be wrapped uniformly.
func (c *Client) fail(hostName string, phase orderState, err error) error {
	metrics.CertificateRequestFailures.WithLabelValues(hostName, string(phase)).Inc()
	return err
}

func (c *Client) completeAuthorization(ctx context.Context, acmeClient *acme.Client, authzURL string, log *zap.Logger) error {
	authz, err := acmeClient.GetAuthorization(ctx, c.account, authzURL)
	if err != nil {
		return err
	}
	if authz.Status == "valid" {
		return nil
	}

	var chal acme.Challenge
	for _, ch := range authz.Challenges {
		if ch.Type == "http-01" {
			chal = ch
			break
		}
	}
	if chal.Type == "" {
		return fmt.Errorf("no http-01 challenge offered for %s", authz.Identifier.Value)
	}

	keyAuth, err := chal.KeyAuthorization(c.account.PrivateKey)
	if err != nil {
		return fmt.Errorf("computing key authorization: %w", err)
	}
	tokenPath := filepath.Join(c.challengePath, chal.Token)
	if err := os.WriteFile(tokenPath, []byte(keyAuth), 0o644); err != nil {
		return fmt.Errorf("writing challenge token: %w", err)
	}
	defer os.Remove(tokenPath)

	if _, err := acmeClient.InitiateChallenge(ctx, c.account, chal); err != nil {
		return fmt.Errorf("initiating challenge: %w", err)
	}

	_, err = pollUntil(ctx, func() (acme.Authorization, bool, error) {
		a, err := acmeClient.GetAuthorization(ctx, c.account, authzURL)
		if err != nil {
			return a, false, err
		}
		if a.Status == "invalid" {
			return a, false, fmt.Errorf("authorization for %s became invalid", a.Identifier.Value)
		}
		return a, a.Status == "valid", nil
	})
	log.Info("authorization complete", zap.String("identifier", authz.Identifier.Value))
	return err
}

// pollUntil polls fn with bounded exponential backoff until it reports
// done, an error, the context is cancelled, or pollPhaseDeadline elapses.
func pollUntil[T any](ctx context.Context, fn func() (T, bool, error)) (T, error) {
	deadline := time.Now().Add(pollPhaseDeadline)
	backoff := pollInitialBackoff
	for {
		v, done, err := fn()
		if err != nil {
			return v, err
		}
		if done {
			return v, nil
		}
		if time.Now().After(deadline) {
			return v, fmt.Errorf("timed out after %s", pollPhaseDeadline)
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > pollMaxBackoff {
			backoff = pollMaxBackoff
		}
	}
}

func buildCSR(hostName string, aliases []string, key *ecdsa.PrivateKey) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: hostName},
		DNSNames: append([]string{hostName}, aliases...),
	}
	return x509.CreateCertificateRequest(rand.Reader, tmpl, key)
}

func (c *Client) install(hostName string, aliases []string, chainPEM []byte, key *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshaling private key for %s: %w", hostName, err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	record := certstore.FromBundle(hostName, aliases, string(keyPEM), firstCertBlock(string(chainPEM)), string(chainPEM))
	if existing := c.store.Get(hostName); existing != nil {
		record.SetRouting(existing.Routing)
	}

	if err := c.store.Save(hostName, record); err != nil {
		return fmt.Errorf("persisting certificate for %s: %w", hostName, err)
	}
	c.store.Install(hostName, aliases, record)
	return nil
}

// firstCertBlock returns the first PEM certificate block in chain, which
// by ACME convention is the leaf.
func firstCertBlock(chain string) string {
	rest := []byte(chain)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return ""
		}
		if block.Type == "CERTIFICATE" {
			return string(pem.EncodeToMemory(block))
		}
	}
}
