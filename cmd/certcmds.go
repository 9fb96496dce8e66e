package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikesi/mproxy/internal/acmeclient"
	"github.com/mikesi/mproxy/internal/certstore"
	"github.com/mikesi/mproxy/internal/hostconfig"
	"github.com/mikesi/mproxy/internal/importer"
	"github.com/mikesi/mproxy/internal/mconfig"
	"github.com/mikesi/mproxy/internal/mlog"
)

var (
	flagEmail   string
	flagDomain  string
	flagAliases []string
	flagStaging bool
)

const autoRenewThresholdDays = 30

var certNewCmd = &cobra.Command{
	Use:   "cert-new",
	Short: "Request a brand-new certificate for a domain",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagDomain == "" {
			return fatalf("--domain is required")
		}
		if flagEmail == "" {
			return fatalf("--email is required")
		}
		cfg, err := mconfig.Load()
		if err != nil {
			return fatalf("%w", err)
		}
		store := certstore.New(cfg.CertPath)
		acme := acmeclient.New(acmeclient.Config{
			DirectoryURL:  directoryURL(flagStaging),
			Email:         flagEmail,
			ChallengePath: cfg.AcmeChallengePath,
			AcmePath:      cfg.AcmePath,
			Store:         store,
		})
		ctx := cmd.Context()
		if err := acme.Bootstrap(ctx); err != nil {
			return fatalf("registering ACME account: %w", err)
		}
		if err := acme.Request(ctx, flagDomain, flagAliases); err != nil {
			return fatalf("requesting certificate for %s: %w", flagDomain, err)
		}
		mlog.Log().Info("certificate issued", zap.String("host", flagDomain))
		return nil
	},
}

var certRenewCmd = &cobra.Command{
	Use:   "cert-renew",
	Short: "Renew the certificate already on file for a domain",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagDomain == "" {
			return fatalf("--domain is required")
		}
		cfg, err := mconfig.Load()
		if err != nil {
			return fatalf("%w", err)
		}
		store := certstore.New(cfg.CertPath)
		store.LoadFromHostConfigs(loadHostsOrEmpty(cfg))
		email := resolveEmail(cfg)
		if email == "" {
			return fatalf("--email is required (or set MPROXY_LETSENCRYPT_EMAIL)")
		}
		acme := acmeclient.New(acmeclient.Config{
			DirectoryURL:  directoryURL(flagStaging),
			Email:         email,
			ChallengePath: cfg.AcmeChallengePath,
			AcmePath:      cfg.AcmePath,
			Store:         store,
		})
		ctx := cmd.Context()
		if err := acme.Bootstrap(ctx); err != nil {
			return fatalf("registering ACME account: %w", err)
		}
		if err := acme.Renew(ctx, flagDomain); err != nil {
			return fatalf("renewing certificate for %s: %w", flagDomain, err)
		}
		mlog.Log().Info("certificate renewed", zap.String("host", flagDomain))
		return nil
	},
}

var certAutoRenewCmd = &cobra.Command{
	Use:   "cert-auto-renew",
	Short: "Renew every certificate within the renewal threshold of expiring",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := mconfig.Load()
		if err != nil {
			return fatalf("%w", err)
		}
		email := resolveEmail(cfg)
		if email == "" {
			return fatalf("--email is required (or set MPROXY_LETSENCRYPT_EMAIL)")
		}
		store := certstore.New(cfg.CertPath)
		store.LoadFromHostConfigs(loadHostsOrEmpty(cfg))
		acme := acmeclient.New(acmeclient.Config{
			DirectoryURL:  directoryURL(flagStaging),
			Email:         email,
			ChallengePath: cfg.AcmeChallengePath,
			AcmePath:      cfg.AcmePath,
			Store:         store,
		})
		ctx := cmd.Context()
		if err := acme.Bootstrap(ctx); err != nil {
			return fatalf("registering ACME account: %w", err)
		}
		report := acme.AutoRenew(ctx, time.Now(), autoRenewThresholdDays)
		for _, host := range report.Renewed {
			mlog.Log().Info("renewed certificate", zap.String("host", host))
		}
		for _, failure := range report.Failed {
			mlog.Log().Error("renewal failed",
				zap.String("host", failure.HostName), zap.Error(failure.Err))
		}
		if len(report.Failed) > 0 {
			return fatalf("%d certificate(s) failed to renew", len(report.Failed))
		}
		return nil
	},
}

var certFindCmd = &cobra.Command{
	Use:   "cert-find",
	Short: "Print the certificate record on file for a domain as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagDomain == "" {
			return fatalf("--domain is required")
		}
		cfg, err := mconfig.Load()
		if err != nil {
			return fatalf("%w", err)
		}
		record, err := importer.Find(cfg.CertPath, flagDomain)
		if err != nil {
			return fatalf("no certificate record found for %s: %w", flagDomain, err)
		}
		data, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			return fatalf("rendering certificate record for %s: %w", flagDomain, err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print a certificate record's PEM material to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagDomain == "" {
			return fatalf("--hostname is required")
		}
		cfg, err := mconfig.Load()
		if err != nil {
			return fatalf("%w", err)
		}
		record, err := importer.Find(cfg.CertPath, flagDomain)
		if err != nil {
			return fatalf("loading certificate record for %s: %w", flagDomain, err)
		}
		importer.Export(os.Stdout, record)
		return nil
	},
}

func init() {
	certNewCmd.Flags().StringVar(&flagEmail, "email", "", "account contact email")
	certNewCmd.Flags().StringVar(&flagDomain, "domain", "", "primary hostname to request")
	certNewCmd.Flags().StringArrayVar(&flagAliases, "alias", nil, "additional SAN hostname (repeatable)")
	certNewCmd.Flags().BoolVar(&flagStaging, "staging", false, "use the Let's Encrypt staging directory")

	certRenewCmd.Flags().StringVar(&flagEmail, "email", "", "account contact email")
	certRenewCmd.Flags().StringVar(&flagDomain, "domain", "", "hostname to renew")
	certRenewCmd.Flags().BoolVar(&flagStaging, "staging", false, "use the Let's Encrypt staging directory")

	certAutoRenewCmd.Flags().StringVar(&flagEmail, "email", "", "account contact email")
	certAutoRenewCmd.Flags().BoolVar(&flagStaging, "staging", false, "use the Let's Encrypt staging directory")

	certFindCmd.Flags().StringVar(&flagDomain, "domain", "", "hostname to look up")

	exportCmd.Flags().StringVar(&flagDomain, "hostname", "", "hostname to export")

	rootCmd.AddCommand(certNewCmd, certRenewCmd, certAutoRenewCmd, certFindCmd, exportCmd)
}

func resolveEmail(cfg mconfig.Config) string {
	if flagEmail != "" {
		return flagEmail
	}
	return cfg.LetsEncryptEmail
}

// loadHostsOrEmpty loads the routing table for a one-shot CLI invocation;
// a missing or unparsable hosts.toml degrades to an empty table rather
// than failing the command, since cert-renew/cert-auto-renew only need it
// to recover each host's upstream address and alias set, not to validate
// routing.
func loadHostsOrEmpty(cfg mconfig.Config) hostconfig.HostConfigList {
	loader, err := hostconfig.New(cfg.HostsConfigPath)
	if err != nil {
		mlog.Log().Warn("loading hosts config, proceeding with an empty routing table", zap.Error(err))
		return hostconfig.HostConfigList{}
	}
	return loader.Load()
}
