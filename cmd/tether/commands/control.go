package commands

import (
	"fmt"
	"strings"

	"github.com/MEKXH/tether/internal/control"
	"github.com/spf13/cobra"
)

func NewEmergencyStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emergency-stop",
		Short: "Halt every agent and block all decisions and execution",
		RunE:  runEmergencyStop,
	}
	cmd.Flags().String("operator", "", "Operator pulling the stop")
	cmd.Flags().String("reason", "", "Why the system is being stopped")
	_ = cmd.MarkFlagRequired("operator")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func NewPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Defer execution while decisions continue",
		RunE:  runPause,
	}
	cmd.Flags().String("operator", "", "Operator pausing the system")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func NewResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Return to normal operation",
		RunE:  runResume,
	}
	cmd.Flags().String("operator", "", "Operator resuming the system")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func runEmergencyStop(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	operator, _ := cmd.Flags().GetString("operator")
	reason, _ := cmd.Flags().GetString("reason")

	ctx, cancel := commandContext()
	defer cancel()
	st, err := c.EmergencyStop(ctx, strings.TrimSpace(reason), strings.TrimSpace(operator))
	if err != nil {
		return err
	}
	printControl(st)
	return nil
}

func runPause(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	operator, _ := cmd.Flags().GetString("operator")

	ctx, cancel := commandContext()
	defer cancel()
	st, err := c.Pause(ctx, strings.TrimSpace(operator))
	if err != nil {
		return err
	}
	printControl(st)
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	operator, _ := cmd.Flags().GetString("operator")

	ctx, cancel := commandContext()
	defer cancel()
	st, err := c.Resume(ctx, strings.TrimSpace(operator))
	if err != nil {
		return err
	}
	printControl(st)
	return nil
}

func printControl(st control.Status) {
	fmt.Printf("Mode: %s\n", modeBadge(st.Mode))
	if st.Actor != "" {
		fmt.Printf("  Since: %s by %s\n", formatTime(st.Since), st.Actor)
	}
	if st.Reason != "" {
		fmt.Printf("  Reason: %s\n", st.Reason)
	}
	fmt.Printf("  Pending approvals: %d\n", st.PendingCount)
	if len(st.HaltedAgents) > 0 {
		fmt.Printf("  Halted agents: %s\n", strings.Join(st.HaltedAgents, ", "))
	}
}
