package cmd

import (
	"github.com/spf13/cobra"

	"github.com/bnema/kmsway/internal/config"
	"github.com/bnema/kmsway/internal/logger"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "kmsway",
		Short: "kmsway - DRM/KMS output backend",
		Long: `kmsway drives the displays of every GPU through DRM/KMS. It discovers GPUs and
their connectors, creates one output per connected monitor, negotiates dma-buf
feedback and runs a vblank-paced repaint loop per output.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				config.SetConfigPath(configPath)
			}
			if err := config.Init(); err != nil {
				return err
			}
			if level := config.Get().Logging.Level; level != "" {
				logger.SetLevel(level)
			}
			return nil
		},
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default searches /etc/kmsway and ~/.config/kmsway)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(outputsCmd)
	rootCmd.AddCommand(gpusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
