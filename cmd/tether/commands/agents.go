package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func NewAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect and manage registered agents",
	}

	cmd.AddCommand(
		newAgentsListCmd(),
		newAgentsClearHaltCmd(),
	)

	return cmd
}

func newAgentsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents with their health",
		RunE:  runAgentsList,
	}
}

func newAgentsClearHaltCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-halt <agent-id>",
		Short: "Release a halted agent and reset its restart budget",
		Args:  cobra.ExactArgs(1),
		RunE:  runAgentsClearHalt,
	}
	cmd.Flags().String("operator", "", "Operator clearing the halt")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()
	agents, err := c.Agents(ctx)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered.")
		return nil
	}

	rows := make([][]string, 0, len(agents))
	for _, a := range agents {
		state := "ok"
		if a.Halted {
			state = "halted"
			if a.HaltSource != "" {
				state += " (" + a.HaltSource + ")"
			}
		}
		rows = append(rows, []string{
			a.AgentID,
			a.Priority.String(),
			strings.Join(a.Capabilities, ","),
			formatTime(a.LastHeartbeat),
			strconv.Itoa(a.ConsecutiveFailures),
			fmt.Sprintf("%d/%d", a.RestartCount, a.RestartBudget),
			state,
		})
	}
	printTable("Agents", []column{
		{"AGENT", 16}, {"PRIORITY", 9}, {"CAPABILITIES", 20}, {"LAST HEARTBEAT", 19},
		{"FAILS", 6}, {"RESTARTS", 9}, {"STATE", 18},
	}, rows)
	return nil
}

func runAgentsClearHalt(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	operator, _ := cmd.Flags().GetString("operator")

	ctx, cancel := commandContext()
	defer cancel()
	h, err := c.ClearHalt(ctx, args[0], strings.TrimSpace(operator))
	if err != nil {
		return err
	}
	fmt.Printf("Agent %s released.\n", h.AgentID)
	return nil
}
