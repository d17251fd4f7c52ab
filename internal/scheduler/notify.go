package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// NotificationSummary is the payload sent after every job run.
type NotificationSummary struct {
	JobID           string   `json:"job_id"`
	Status          string   `json:"status"`
	DurationSeconds float64  `json:"duration_seconds"`
	TotalRecords    int      `json:"total_records"`
	SuccessRecords  int      `json:"success_records"`
	FailedRecords   int      `json:"failed_records"`
	Conflicts       int      `json:"conflicts_detected"`
	TablesSynced    []string `json:"tables_synced"`
	ErrorMessage    string   `json:"error_message,omitempty"`
}

// SMTPConfig configures the email channel.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Notifier delivers job run summaries over a webhook and/or email. Both
// channels are fire and forget, delivery failures are logged and never
// affect job status.
type Notifier struct {
	webhookURL string
	smtp       *SMTPConfig
	httpClient *http.Client
}

// NewNotifier creates a notifier; empty webhookURL or nil smtp disables the
// respective channel
func NewNotifier(webhookURL string, smtpCfg *SMTPConfig) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		smtp:       smtpCfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify dispatches the summary on a background goroutine.
func (n *Notifier) Notify(summary NotificationSummary) {
	go func() {
		if n.webhookURL != "" {
			if err := n.postWebhook(summary); err != nil {
				logrus.WithError(err).WithField("job", summary.JobID).Warn("Webhook notification failed")
			}
		}
		if n.smtp != nil {
			if err := n.sendEmail(summary); err != nil {
				logrus.WithError(err).WithField("job", summary.JobID).Warn("Email notification failed")
			}
		}
	}()
}

func (n *Notifier) postWebhook(summary NotificationSummary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	resp, err := n.httpClient.Post(n.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) sendEmail(summary NotificationSummary) error {
	subject := fmt.Sprintf("Sync job %s: %s", summary.JobID, summary.Status)
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", n.smtp.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.smtp.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.WriteString(renderEmailBody(summary))

	addr := fmt.Sprintf("%s:%d", n.smtp.Host, n.smtp.Port)
	var auth smtp.Auth
	if n.smtp.Username != "" {
		auth = smtp.PlainAuth("", n.smtp.Username, n.smtp.Password, n.smtp.Host)
	}
	return smtp.SendMail(addr, auth, n.smtp.From, n.smtp.To, []byte(msg.String()))
}

func renderEmailBody(summary NotificationSummary) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h2>Sync job %s finished: %s</h2>", summary.JobID, summary.Status)
	b.WriteString("<table border=\"1\" cellpadding=\"4\">")
	fmt.Fprintf(&b, "<tr><td>Duration</td><td>%.1fs</td></tr>", summary.DurationSeconds)
	fmt.Fprintf(&b, "<tr><td>Records</td><td>%d total, %d succeeded, %d failed</td></tr>",
		summary.TotalRecords, summary.SuccessRecords, summary.FailedRecords)
	fmt.Fprintf(&b, "<tr><td>Conflicts</td><td>%d</td></tr>", summary.Conflicts)
	fmt.Fprintf(&b, "<tr><td>Tables</td><td>%s</td></tr>", strings.Join(summary.TablesSynced, ", "))
	if summary.ErrorMessage != "" {
		fmt.Fprintf(&b, "<tr><td>Error</td><td>%s</td></tr>", summary.ErrorMessage)
	}
	b.WriteString("</table></body></html>")
	return b.String()
}
