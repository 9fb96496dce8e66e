package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikesi/mproxy/internal/importer"
	"github.com/mikesi/mproxy/internal/mconfig"
	"github.com/mikesi/mproxy/internal/mlog"
)

var flagInputDir string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a Certbot-layout certificate directory into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagInputDir == "" {
			return fatalf("--input-dir is required")
		}
		cfg, err := mconfig.Load()
		if err != nil {
			return fatalf("%w", err)
		}
		results, err := importer.Import(flagInputDir, cfg.CertPath)
		if err != nil {
			return fatalf("importing from %s: %w", flagInputDir, err)
		}
		for _, r := range results {
			if r.Err != nil {
				mlog.Log().Error("import failed", zap.String("host", r.HostName), zap.Error(r.Err))
				continue
			}
			if r.Imported {
				mlog.Log().Info("imported certificate", zap.String("host", r.HostName))
			} else {
				mlog.Log().Info("skipped, existing record is newer", zap.String("host", r.HostName))
			}
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&flagInputDir, "input-dir", "", "Certbot-layout directory to import from (contains live/<host>/)")
	rootCmd.AddCommand(importCmd)
}
