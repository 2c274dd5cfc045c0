// Package cli holds the consolebridge command tree.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/peterje/consolebridge/internal/config"
	"github.com/peterje/consolebridge/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd returns the consolebridge command. Without a subcommand it
// serves.
func NewRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "consolebridge",
		Short: "Web bridge to the backup director console",
		Long: `consolebridge exposes the director console over HTTP and websockets.

Examples:
	consolebridge serve --config /etc/consolebridge/config.yaml
	consolebridge exec "status director"
	consolebridge exec --api-mode 1 "list pools"
`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, version)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $"+config.ConfigPathEnvVar+", ./consolebridge.yaml, /etc/consolebridge/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(newServeCmd(opts, version))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newVersionCmd(version))
	return rootCmd
}

// load reads the configuration and applies it to the global logger.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	logging.Init(cfg.LoggingConfig())
	return cfg, nil
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}
