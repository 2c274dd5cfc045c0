package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/peterje/consolebridge/internal/console"
	"github.com/peterje/consolebridge/internal/executor"
)

func newExecCmd(opts *rootOptions) *cobra.Command {
	var apiMode int

	cmd := &cobra.Command{
		Use:   "exec [--api-mode N] <command>",
		Short: "Run one console command and print its JSON result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("api-mode") {
				apiMode = cfg.Executor.DefaultAPIMode
			}

			ctx := cmd.Context()
			if cfg.Executor.Timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.Executor.Timeout)
				defer cancel()
			}

			ex := executor.New(console.NewLauncher(cfg.ConsoleLauncherConfig()))
			result, err := ex.Execute(ctx, strings.Join(args, " "), apiMode)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(result))
			return err
		},
	}
	cmd.Flags().IntVar(&apiMode, "api-mode", executor.DefaultAPIMode, "console api mode (0-3)")
	return cmd
}
