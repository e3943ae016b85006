package commands

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MEKXH/tether/internal/errs"
	"github.com/MEKXH/tether/internal/orchestrator"
)

func proposeRisky(t *testing.T, orc *orchestrator.Orchestrator) string {
	t.Helper()
	ctx := context.Background()
	if _, err := orc.Register(ctx, orchestrator.Registration{AgentID: "janitor"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	out, err := orc.ProposeAction(ctx, orchestrator.Proposal{
		AgentID: "janitor",
		Type:    "delete_records",
		Params:  map[string]any{"table": "orders"},
	})
	if err != nil {
		t.Fatalf("ProposeAction: %v", err)
	}
	if out.Status != orchestrator.OutcomePendingApproval {
		t.Fatalf("expected pending approval, got %+v", out)
	}
	return out.RequestID
}

func mustRun(t *testing.T, flags []string, args ...string) string {
	t.Helper()
	out, err := execute(t, append(args, flags...)...)
	if err != nil {
		t.Fatalf("%v error: %v", args, err)
	}
	return out
}

func TestApprovalCommands(t *testing.T) {
	orc, flags := startServer(t)
	id := proposeRisky(t, orc)

	out := mustRun(t, flags, "list")
	if !strings.Contains(out, id) || !strings.Contains(out, "delete_records") {
		t.Fatalf("list output missing request:\n%s", out)
	}

	out = mustRun(t, flags, "review", id)
	for _, want := range []string{"delete_records", "table: orders", "submit"} {
		if !strings.Contains(out, want) {
			t.Fatalf("review output missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, append([]string{"approve", id}, flags...)...); err == nil {
		t.Fatalf("expected approve without --operator to fail")
	}

	out = mustRun(t, flags, "approve", id, "--operator", "alice", "--notes", "checked")
	if !strings.Contains(out, "approved by alice") {
		t.Fatalf("unexpected approve output %q", out)
	}

	_, err := execute(t, append([]string{"reject", id, "--operator", "bob", "--reason", "late"}, flags...)...)
	if !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	_, err = execute(t, append([]string{"review", "missing"}, flags...)...)
	if !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	out = mustRun(t, flags, "list")
	if !strings.Contains(out, "No matching requests.") {
		t.Fatalf("expected empty pending list, got:\n%s", out)
	}

	out = mustRun(t, flags, "stats", "--operator", "alice")
	if !strings.Contains(out, "alice") || !strings.Contains(out, "Requests by Status") {
		t.Fatalf("unexpected stats output:\n%s", out)
	}

	out = mustRun(t, flags, "audit", "--subject", id, "--kind", "submit,approve")
	if strings.Count(out, "\n") != 2 || !strings.Contains(out, "approve") {
		t.Fatalf("unexpected audit output:\n%s", out)
	}

	out = mustRun(t, flags, "cleanup")
	if !strings.Contains(out, "Expired 0 request(s).") {
		t.Fatalf("unexpected cleanup output %q", out)
	}
}

func TestControlCommands(t *testing.T) {
	orc, flags := startServer(t)
	proposeRisky(t, orc)

	out := mustRun(t, flags, "emergency-stop", "--operator", "alice", "--reason", "drill")
	if !strings.Contains(out, "STOPPED") || !strings.Contains(out, "janitor") {
		t.Fatalf("unexpected emergency-stop output:\n%s", out)
	}

	_, err := execute(t, append([]string{"pause", "--operator", "alice"}, flags...)...)
	if !errors.Is(err, errs.ErrSystemStopped) {
		t.Fatalf("expected system stopped, got %v", err)
	}

	out = mustRun(t, flags, "agents", "list")
	if !strings.Contains(out, "janitor") || !strings.Contains(out, "halted") {
		t.Fatalf("unexpected agents output:\n%s", out)
	}

	out = mustRun(t, flags, "resume", "--operator", "alice")
	if !strings.Contains(out, "RUNNING") {
		t.Fatalf("unexpected resume output:\n%s", out)
	}

	_, err = execute(t, append([]string{"agents", "clear-halt", "janitor", "--operator", "alice"}, flags...)...)
	if !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for running agent, got %v", err)
	}

	out = mustRun(t, flags, "pause", "--operator", "alice")
	if !strings.Contains(out, "PAUSED") || !strings.Contains(out, "Pending approvals: 1") {
		t.Fatalf("unexpected pause output:\n%s", out)
	}

	out = mustRun(t, flags, "status")
	for _, want := range []string{"Tether Status", "PAUSED", "Agents: 1 registered", "Maintenance Jobs", "expiry-cleanup"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCmd_ServerUnreachable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	out, err := execute(t, "status", "--server", "http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	if !strings.Contains(out, "Server: not reachable") {
		t.Fatalf("expected unreachable server notice:\n%s", out)
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	got, err := parseSince("2h", now)
	if err != nil || !got.Equal(now.Add(-2*time.Hour)) {
		t.Fatalf("duration: got %s, %v", got, err)
	}
	got, err = parseSince("2026-02-28T00:00:00Z", now)
	if err != nil || !got.Equal(time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("rfc3339: got %s, %v", got, err)
	}
	got, err = parseSince("", now)
	if err != nil || !got.IsZero() {
		t.Fatalf("empty: got %s, %v", got, err)
	}
	if _, err := parseSince("last week", now); err == nil {
		t.Fatalf("expected error for unparseable --since")
	}
}
