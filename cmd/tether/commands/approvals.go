package commands

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MEKXH/tether/internal/client"
	"github.com/MEKXH/tether/internal/store"
	"github.com/spf13/cobra"
)

func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE:  runList,
	}
	cmd.Flags().StringSlice("status", []string{string(store.StatusPendingReview)}, "Statuses to include")
	cmd.Flags().String("agent", "", "Only requests from this agent")
	cmd.Flags().Int("limit", 0, "Maximum number of requests")
	return cmd
}

func NewReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <id>",
		Short: "Show a request with its history",
		Args:  cobra.ExactArgs(1),
		RunE:  runReview,
	}
}

func NewApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending request",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprove,
	}
	cmd.Flags().String("operator", "", "Operator making the decision")
	cmd.Flags().String("notes", "", "Decision notes")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func NewRejectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE:  runReject,
	}
	cmd.Flags().String("operator", "", "Operator making the decision")
	cmd.Flags().String("reason", "", "Why the request is rejected")
	_ = cmd.MarkFlagRequired("operator")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func NewRequeueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue <id>",
		Short: "Retry an approved request whose execution failed",
		Args:  cobra.ExactArgs(1),
		RunE:  runRequeue,
	}
	cmd.Flags().String("operator", "", "Operator requesting the retry")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func NewStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show approval and execution statistics",
		RunE:  runStats,
	}
	cmd.Flags().String("operator", "", "Only decisions by this operator")
	return cmd
}

func NewCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Expire pending requests past their deadline",
		RunE:  runCleanup,
	}
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	statuses, _ := cmd.Flags().GetStringSlice("status")
	agent, _ := cmd.Flags().GetString("agent")
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := commandContext()
	defer cancel()
	requests, err := c.ListRequests(ctx, client.ListOptions{Statuses: statuses, AgentID: agent, Limit: limit})
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		fmt.Println("No matching requests.")
		return nil
	}

	rows := make([][]string, 0, len(requests))
	for _, r := range requests {
		rows = append(rows, []string{
			r.ID, r.Action.AgentID, r.Action.Type, r.Tier.String(), r.DisplayStatus(), formatTime(r.ExpiresAt),
		})
	}
	printTable("Approval Requests", []column{
		{"ID", 36}, {"AGENT", 16}, {"TYPE", 20}, {"TIER", 9}, {"STATUS", 16}, {"EXPIRES", 19},
	}, rows)
	return nil
}

func runReview(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()
	review, err := c.Review(ctx, args[0])
	if err != nil {
		return err
	}

	r := review.Request
	fmt.Println(headerStyle.Render("Request " + r.ID))
	fmt.Printf("Agent:     %s\n", r.Action.AgentID)
	fmt.Printf("Action:    %s\n", r.Action.Type)
	fmt.Printf("Tier:      %s\n", tierBadge(r.Tier.String()))
	fmt.Printf("Status:    %s\n", review.Status)
	fmt.Printf("Workflow:  %s\n", r.Workflow)
	fmt.Printf("Submitted: %s\n", formatTime(r.SubmittedAt))
	fmt.Printf("Expires:   %s\n", formatTime(r.ExpiresAt))
	if r.DecidedBy != "" {
		fmt.Printf("Decided:   %s by %s\n", formatTime(r.DecidedAt), r.DecidedBy)
	}
	if r.DecisionNotes != "" {
		fmt.Printf("Notes:     %s\n", r.DecisionNotes)
	}
	if r.FailureReason != "" {
		fmt.Printf("Failure:   %s\n", r.FailureReason)
	}
	if len(r.Action.Params) > 0 {
		fmt.Println("Params:")
		keys := make([]string, 0, len(r.Action.Params))
		for k := range r.Action.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, r.Action.Params[k])
		}
	}

	if len(review.History) > 0 {
		fmt.Println("\nHistory:")
		for _, rec := range review.History {
			fmt.Printf("  %s  %-24s %s\n", formatTime(rec.Time), rec.Kind, dimStyle.Render(rec.Actor))
		}
	}
	return nil
}

func runApprove(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	operator, _ := cmd.Flags().GetString("operator")
	notes, _ := cmd.Flags().GetString("notes")

	ctx, cancel := commandContext()
	defer cancel()
	r, err := c.Approve(ctx, args[0], strings.TrimSpace(operator), strings.TrimSpace(notes))
	if err != nil {
		return err
	}
	fmt.Printf("Request %s approved by %s.\n", r.ID, r.DecidedBy)
	return nil
}

func runReject(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	operator, _ := cmd.Flags().GetString("operator")
	reason, _ := cmd.Flags().GetString("reason")

	ctx, cancel := commandContext()
	defer cancel()
	r, err := c.Reject(ctx, args[0], strings.TrimSpace(operator), strings.TrimSpace(reason))
	if err != nil {
		return err
	}
	fmt.Printf("Request %s rejected by %s.\n", r.ID, r.DecidedBy)
	return nil
}

func runRequeue(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	operator, _ := cmd.Flags().GetString("operator")

	ctx, cancel := commandContext()
	defer cancel()
	r, err := c.Requeue(ctx, args[0], strings.TrimSpace(operator))
	if err != nil {
		return err
	}
	fmt.Printf("Request %s queued for execution again.\n", r.ID)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	operator, _ := cmd.Flags().GetString("operator")

	ctx, cancel := commandContext()
	defer cancel()
	stats, err := c.Stats(ctx, strings.TrimSpace(operator))
	if err != nil {
		return err
	}

	statuses := make([]string, 0, len(stats.Approvals.ByStatus))
	for s := range stats.Approvals.ByStatus {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	rows := make([][]string, 0, len(statuses))
	for _, s := range statuses {
		rows = append(rows, []string{s, strconv.Itoa(stats.Approvals.ByStatus[s])})
	}
	printTable("Requests by Status", []column{{"STATUS", 20}, {"COUNT", 8}}, rows)
	fmt.Printf("Approved but failed: %d\n\n", stats.Approvals.ApprovedButFailed)

	if len(stats.Approvals.Operators) > 0 {
		rows := make([][]string, 0, len(stats.Approvals.Operators))
		for _, op := range stats.Approvals.Operators {
			rows = append(rows, []string{op.Operator, strconv.Itoa(op.Approved), strconv.Itoa(op.Rejected)})
		}
		printTable("Operators", []column{{"OPERATOR", 20}, {"APPROVED", 9}, {"REJECTED", 9}}, rows)
		fmt.Println()
	}

	if len(stats.Executions) > 0 {
		rows := make([][]string, 0, len(stats.Executions))
		for _, e := range stats.Executions {
			avg := "-"
			if e.Calls > 0 {
				avg = (e.TotalDuration / time.Duration(e.Calls)).String()
			}
			rows = append(rows, []string{
				e.AgentID, e.ActionType,
				strconv.FormatInt(e.Calls, 10), strconv.FormatInt(e.Failures, 10),
				avg, e.MaxDuration.String(),
			})
		}
		printTable("Executions", []column{
			{"AGENT", 16}, {"ACTION", 20}, {"CALLS", 7}, {"FAILURES", 9}, {"AVG", 12}, {"MAX", 12},
		}, rows)
		fmt.Println()
	}

	rt := stats.Runtime
	fmt.Printf("Tasks: %d total, %d errors, %d timeouts\n", rt.Task.Total, rt.Task.Errors, rt.Task.Timeouts)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()
	expired, err := c.Cleanup(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Expired %d request(s).\n", len(expired))
	for _, r := range expired {
		fmt.Printf("  %s %s/%s\n", r.ID, r.Action.AgentID, r.Action.Type)
	}
	return nil
}
