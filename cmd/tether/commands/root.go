package commands

import (
	"github.com/MEKXH/tether/internal/config"
	"github.com/spf13/cobra"
)

var (
	logLevelOverride string
	serverOverride   string
	tokenOverride    string
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "tether",
		Short:        "Tether - bounded autonomy for agent actions",
		Long:         `Tether classifies agent actions by risk, holds risky ones for operator approval, and keeps agents inside a restart budget.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&serverOverride, "server", "", "Gateway URL (default from config)")
	cmd.PersistentFlags().StringVar(&tokenOverride, "token", "", "Gateway bearer token or JWT (default from config)")

	cmd.AddCommand(
		NewInitCmd(),
		NewRunCmd(),
		NewStatusCmd(),
		NewVersionCmd(),
		NewListCmd(),
		NewReviewCmd(),
		NewApproveCmd(),
		NewRejectCmd(),
		NewRequeueCmd(),
		NewStatsCmd(),
		NewCleanupCmd(),
		NewEmergencyStopCmd(),
		NewPauseCmd(),
		NewResumeCmd(),
		NewAgentsCmd(),
		NewAuditCmd(),
	)

	return cmd
}
