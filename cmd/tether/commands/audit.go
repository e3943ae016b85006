package commands

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MEKXH/tether/internal/client"
	"github.com/spf13/cobra"
)

func NewAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE:  runAudit,
	}
	cmd.Flags().String("subject", "", "Request or agent id")
	cmd.Flags().StringSlice("kind", nil, "Record kinds to include")
	cmd.Flags().String("since", "", "Lower bound: a duration like 2h or an RFC3339 time")
	cmd.Flags().Int("limit", 50, "Maximum number of records (most recent)")
	return cmd
}

func runAudit(cmd *cobra.Command, args []string) error {
	subject, _ := cmd.Flags().GetString("subject")
	kinds, _ := cmd.Flags().GetStringSlice("kind")
	sinceRaw, _ := cmd.Flags().GetString("since")
	limit, _ := cmd.Flags().GetInt("limit")

	since, err := parseSince(sinceRaw, time.Now())
	if err != nil {
		return err
	}

	c, err := operatorClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()
	records, err := c.Audit(ctx, client.AuditOptions{
		SubjectID: strings.TrimSpace(subject),
		Kinds:     kinds,
		Since:     since,
		Limit:     limit,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No audit records.")
		return nil
	}

	for _, rec := range records {
		line := fmt.Sprintf("%s  %-24s %-36s %s", formatTime(rec.Time), rec.Kind, rec.SubjectID, rec.Actor)
		if detail := formatPayload(rec.Payload); detail != "" {
			line += "  " + dimStyle.Render(detail)
		}
		fmt.Println(line)
	}
	return nil
}

func parseSince(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: use a duration or RFC3339 time", raw)
	}
	return t, nil
}

func formatPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, payload[k]))
	}
	return strings.Join(parts, " ")
}
