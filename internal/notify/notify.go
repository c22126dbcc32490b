// Package notify delivers administrator notifications.
//
// The sync engine queues a Notice for every problem the identity management
// operator cannot fix (typically a permission denial on a directory object)
// and flushes the whole queue once at the end of a run, so administrators
// get one message per run instead of one per object.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/xtxerr/adsync/config"
	"github.com/xtxerr/adsync/internal/logging"
)

var log = logging.Component("notify")

// Notice is one problem needing manual attention.
type Notice struct {
	SyncType  string
	Object    string
	Operation string
	Err       string
	Time      time.Time
}

// Notifier sends a batch of notices.
type Notifier interface {
	Notify(ctx context.Context, notices []Notice) error
}

// =============================================================================
// Log Notifier
// =============================================================================

// LogNotifier writes notices to the log.
type LogNotifier struct{}

// Notify logs every notice at warn level.
func (LogNotifier) Notify(ctx context.Context, notices []Notice) error {
	l := logging.FromContext(ctx, log)
	for _, n := range notices {
		l.Warn("manual attention needed",
			"sync_type", n.SyncType,
			"object", n.Object,
			"operation", n.Operation,
			"error", n.Err)
	}
	return nil
}

// =============================================================================
// Mail Notifier
// =============================================================================

// MailConfig configures the SMTP notifier.
type MailConfig struct {
	// Addr is host:port of the SMTP relay.
	Addr     string
	From     string
	To       []string
	Subject  string
	Username string
	Password string
}

// MailNotifier sends one mail per batch.
type MailNotifier struct {
	cfg  MailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewMailNotifier creates a notifier sending through cfg.Addr.
func NewMailNotifier(cfg MailConfig) *MailNotifier {
	if cfg.Subject == "" {
		cfg.Subject = config.DefaultNotifySubject
	}
	return &MailNotifier{cfg: cfg, send: smtp.SendMail}
}

// Notify sends all notices in one message. An empty batch sends nothing.
func (m *MailNotifier) Notify(ctx context.Context, notices []Notice) error {
	if len(notices) == 0 {
		return nil
	}

	var auth smtp.Auth
	if m.cfg.Username != "" {
		host, _, _ := strings.Cut(m.cfg.Addr, ":")
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, host)
	}

	msg := Render(m.cfg.From, m.cfg.To, m.cfg.Subject, notices)
	if err := m.send(m.cfg.Addr, auth, m.cfg.From, m.cfg.To, msg); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	logging.FromContext(ctx, log).Info("notification sent", "notices", len(notices), "to", strings.Join(m.cfg.To, ","))
	return nil
}

// Render formats notices as an RFC 5322 message, grouped by sync type.
func Render(from string, to []string, subject string, notices []Notice) []byte {
	sorted := append([]Notice(nil), notices...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SyncType != sorted[j].SyncType {
			return sorted[i].SyncType < sorted[j].SyncType
		}
		return sorted[i].Object < sorted[j].Object
	})

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")

	fmt.Fprintf(&b, "%d object(s) could not be synchronized and need manual attention.\r\n", len(sorted))
	current := ""
	for _, n := range sorted {
		if n.SyncType != current {
			current = n.SyncType
			fmt.Fprintf(&b, "\r\n[%s]\r\n", current)
		}
		fmt.Fprintf(&b, "  %s: %s: %s\r\n", n.Object, n.Operation, n.Err)
	}
	return []byte(b.String())
}

// =============================================================================
// Fan-out
// =============================================================================

// Multi sends every batch to all notifiers and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, notices []Notice) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, notices); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %v", errs)
	}
	return nil
}
