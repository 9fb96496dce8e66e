// Package cmd implements the mproxy command-line surface: the "run"
// subcommand that starts the proxy, plus the certificate-management
// subcommands (import/cert-new/cert-renew/cert-auto-renew/cert-find/
// export) grounded on original_source/crates/cert_tool's clap CLI. Built
// on github.com/spf13/cobra, matching the teacher's choice of CLI
// library (cmd/cobra.go), though the command set and registration shape
// here are our own: this spec's CLI has no plugin system or package
// manager to dispatch through.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mikesi/mproxy/internal/mlog"
)

// rootCmd is the "mproxy" entry point; every subcommand is attached to it
// in this package's init().
var rootCmd = &cobra.Command{
	Use:   "mproxy",
	Short: "Multi-tenant reverse proxy with automatic Let's Encrypt certificates",
	Long: `mproxy terminates TLS for many virtual hosts, routes each request
to a per-host upstream, and manages the lifecycle of Let's Encrypt
certificates: acquisition, storage, renewal, and SNI-time selection.`,
	SilenceUsage: true,
}

// Execute runs the root command; main calls this and exits non-zero on
// error.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func fatalf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	mlog.Log().Error(err.Error())
	return err
}
