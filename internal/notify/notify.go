package notify

import (
	"context"
	"strings"
	"time"
)

// Severity ranks notifications for sinks that care.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Notification is one operator-facing message.
type Notification struct {
	Target   string    `json:"target"`
	Subject  string    `json:"subject"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	Time     time.Time `json:"time"`
}

// Text renders n as a single line prefixed by its severity.
func (n Notification) Text() string {
	var b strings.Builder
	switch n.Severity {
	case SeverityCritical:
		b.WriteString("[CRITICAL] ")
	case SeverityWarning:
		b.WriteString("[WARNING] ")
	}
	b.WriteString(n.Message)
	return b.String()
}

// Sink delivers notifications to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}
