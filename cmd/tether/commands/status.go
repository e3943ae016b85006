package commands

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/MEKXH/tether/internal/config"
	"github.com/spf13/cobra"
)

func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and, when reachable, the running system",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	workspacePath, err := cfg.WorkspacePathChecked()
	if err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}

	fmt.Println(headerStyle.Render("Tether Status"))

	fmt.Printf("Config: %s\n", config.ConfigPath())
	if _, err := os.Stat(config.ConfigPath()); err == nil {
		fmt.Println("  Status: OK")
	} else {
		fmt.Println("  Status: Not found (run 'tether init')")
	}

	fmt.Printf("\nWorkspace: %s\n", workspacePath)
	if _, err := os.Stat(workspacePath); err == nil {
		fmt.Println("  Status: OK")
	} else {
		fmt.Println("  Status: Not found")
	}
	storeCfg := cfg.StoreSettings()
	fmt.Printf("  Store: %s (%s)\n", storeCfg.Driver, storeCfg.Path)

	fmt.Printf("\nGateway: http://%s\n", cfg.Gateway.Addr())
	auth := "open"
	switch {
	case cfg.Gateway.Token != "" && cfg.Gateway.JWTSecret != "":
		auth = "token + jwt"
	case cfg.Gateway.Token != "":
		auth = "token"
	case cfg.Gateway.JWTSecret != "":
		auth = "jwt"
	}
	fmt.Printf("  Auth: %s\n", auth)

	telegram := "Not configured"
	if cfg.Notify.Telegram.Enabled {
		telegram = "Enabled"
	}
	fmt.Printf("\nNotifications:\n  log: ready\n  telegram: %s\n", telegram)

	c, err := operatorClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()
	st, err := c.Status(ctx)
	if err != nil {
		fmt.Printf("\nServer: not reachable (%v)\n", err)
		fmt.Println("  Start it with 'tether run'.")
		return nil
	}

	fmt.Println()
	printControl(st.Status)
	fmt.Printf("  Agents: %d registered\n", len(st.Agents))

	queues := make([]string, 0, len(st.Engine.Depth))
	for q := range st.Engine.Depth {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	depths := make([]string, 0, len(queues))
	for _, q := range queues {
		depths = append(depths, q+"="+strconv.Itoa(st.Engine.Depth[q]))
	}
	fmt.Printf("  Queues: %s (running %d)\n", strings.Join(depths, " "), st.Engine.Running)

	if len(st.Jobs) > 0 {
		fmt.Println()
		rows := make([][]string, 0, len(st.Jobs))
		for _, j := range st.Jobs {
			rows = append(rows, []string{j.Name, j.Queue, j.Schedule, formatTime(j.NextRunAt), formatTime(j.LastRunAt)})
		}
		printTable("Maintenance Jobs", []column{
			{"NAME", 16}, {"QUEUE", 12}, {"SCHEDULE", 24}, {"NEXT RUN", 19}, {"LAST RUN", 19},
		}, rows)
	}
	return nil
}
