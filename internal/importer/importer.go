// Package importer migrates a foreign on-disk certificate layout into
// this proxy's own store, and provides the operator-facing find/export
// lookups. Grounded on original_source/letsencrypt.rs's
// import_from_letsencrypt_path and the cert-find/export subcommands in
// cert_tool/main.rs: this is a data-migration operation, not core
// behavior, per spec.md §1's scope note.
package importer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mikesi/mproxy/internal/certstore"
	"github.com/mikesi/mproxy/internal/mlog"
)

// Result is one host's outcome from an Import pass.
type Result struct {
	HostName string
	Imported bool   // false when skipped because the existing record is newer
	Err      error
}

// Import walks inputDir/live/<host>/{fullchain,privkey,cert}.pem
// (Certbot's on-disk layout) and installs each as
// <certPath>/<host>/cert.json, matching
// import_from_letsencrypt_path/open_and_parse_cert: the hostname and
// aliases come from parsing the leaf certificate, not the directory
// name, and an existing on-disk record is only overwritten if the
// imported certificate's expiry is later (never regress a newer cert
// with an older import).
func Import(inputDir, certPath string) ([]Result, error) {
	liveDir := filepath.Join(inputDir, "live")
	entries, err := os.ReadDir(liveDir)
	if err != nil {
		return nil, fmt.Errorf("reading live directory %q: %w", liveDir, err)
	}

	var results []Result
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		record, err := parseCertbotDir(filepath.Join(liveDir, entry.Name()))
		if err != nil {
			mlog.Log().Error("parsing certbot directory",
				zap.String("dir", entry.Name()), zap.Error(err))
			results = append(results, Result{HostName: entry.Name(), Err: err})
			continue
		}
		results = append(results, installIfNewer(certPath, record))
	}
	return results, nil
}

func parseCertbotDir(dir string) (*certstore.Record, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, "cert.pem"))
	if err != nil {
		return nil, fmt.Errorf("reading cert.pem: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, "privkey.pem"))
	if err != nil {
		return nil, fmt.Errorf("reading privkey.pem: %w", err)
	}
	fullChainPEM, err := os.ReadFile(filepath.Join(dir, "fullchain.pem"))
	if err != nil {
		return nil, fmt.Errorf("reading fullchain.pem: %w", err)
	}

	hostName, aliases, err := certstore.DeriveHostNames(string(certPEM))
	if err != nil {
		return nil, fmt.Errorf("deriving hostname: %w", err)
	}
	return certstore.FromBundle(hostName, aliases, string(keyPEM), string(certPEM), string(fullChainPEM)), nil
}

func installIfNewer(certPath string, imported *certstore.Record) Result {
	destPath := filepath.Join(certPath, imported.HostName, "cert.json")

	if existing, err := certstore.FromPersisted(destPath); err == nil {
		existingValid, errExisting := existing.ValidUntil()
		importedValid, errImported := imported.ValidUntil()
		if errExisting == nil && errImported == nil && existingValid.After(importedValid) {
			mlog.Log().Info("not updating certificate, existing record is newer",
				zap.String("host", imported.HostName))
			return Result{HostName: imported.HostName, Imported: false}
		}
	}

	if err := imported.ToPersisted(destPath); err != nil {
		return Result{HostName: imported.HostName, Err: err}
	}
	mlog.Log().Info("imported certificate", zap.String("host", imported.HostName))
	return Result{HostName: imported.HostName, Imported: true}
}

// Find loads the persisted record for hostName from certPath, or an
// error if none exists.
func Find(certPath, hostName string) (*certstore.Record, error) {
	return certstore.FromPersisted(filepath.Join(certPath, hostName, "cert.json"))
}

// Export prints record's PEM blobs to w for operator inspection,
// matching cert_tool's Export subcommand output shape.
func Export(w io.Writer, record *certstore.Record) {
	fmt.Fprintf(w, "=== Certificate Export for %s ===\n\n", record.HostName)

	fmt.Fprintln(w, "--- Hostname ---")
	fmt.Fprintln(w, record.HostName)
	fmt.Fprintln(w)

	if len(record.HostNames) > 0 {
		fmt.Fprintln(w, "--- Additional Hosts ---")
		for _, host := range record.HostNames {
			fmt.Fprintln(w, host)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "--- Certificate ---")
	if record.CertificatePEM != "" {
		fmt.Fprintln(w, record.CertificatePEM)
	} else {
		fmt.Fprintln(w, "(No certificate data available)")
	}
	fmt.Fprintln(w)

	if record.FullChain != "" {
		fmt.Fprintln(w, "--- Full Chain ---")
		fmt.Fprintln(w, record.FullChain)
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "--- Private Key ---")
	if record.PrivateKeyPEM != "" {
		fmt.Fprintln(w, record.PrivateKeyPEM)
	} else {
		fmt.Fprintln(w, "(No private key data available)")
	}
	fmt.Fprintln(w)
}
