package digest

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/septivank/packetmeter/internal/anomaly"
	"github.com/septivank/packetmeter/internal/timezone"
)

// LogSink writes summaries to the log. It is the default when no mail
// transport is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Send(_ context.Context, s Summary) error {
	l.logger.Info("usage digest",
		zap.String("user_id", s.UserID.String()),
		zap.String("email", s.Email),
		zap.Int("lookback_days", s.LookbackDays),
		zap.Int("devices", len(s.Devices)),
		zap.String("total", anomaly.FormatBytes(s.Total)),
	)
	return nil
}

// Publisher sends a JSON event to a message broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// PublishSink hands summaries to an external mailer through the broker.
type PublishSink struct {
	publisher  Publisher
	routingKey string
}

func NewPublishSink(p Publisher, routingKey string) *PublishSink {
	return &PublishSink{publisher: p, routingKey: routingKey}
}

func (p *PublishSink) Send(ctx context.Context, s Summary) error {
	if err := p.publisher.Publish(ctx, p.routingKey, s); err != nil {
		return fmt.Errorf("failed to publish digest: %w", err)
	}
	return nil
}

// SMTPConfig holds mail server settings. Port 465 uses implicit TLS.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// SMTPSink mails an HTML summary.
type SMTPSink struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTPSink(cfg SMTPConfig) (*SMTPSink, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	from := cfg.From
	if from == "" {
		from = cfg.User
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	d.SSL = cfg.Port == 465
	return &SMTPSink{dialer: d, from: from}, nil
}

const subject = "PacketMeter - Your Device Statistics Report"

func (m *SMTPSink) Send(_ context.Context, s Summary) error {
	body, err := RenderHTML(s)
	if err != nil {
		return err
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", s.Email)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)
	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", s.Email, err)
	}
	return nil
}

var page = template.Must(template.New("digest").Funcs(template.FuncMap{
	"bytes": anomaly.FormatBytes,
	"pct":   func(f float64) string { return fmt.Sprintf("%.1f%%", f) },
}).Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: Arial, sans-serif; color: #1f2937; background-color: #f3f4f6; padding: 20px;">
<div style="max-width: 600px; margin: 0 auto; background-color: #ffffff; border-radius: 8px; padding: 30px;">
<h1 style="color: #4f46e5; margin-top: 0;">PacketMeter Device Report</h1>
<p>Hello {{.Username}},</p>
<p>Here's a summary of your device statistics for {{.Period}}:</p>
{{range .Devices}}
<div style="margin-bottom: 20px; padding: 15px; background-color: #f9fafb; border-left: 4px solid {{if .IsActivated}}#10b981{{else}}#ef4444{{end}};">
<h3 style="margin: 0 0 10px 0;">{{.DeviceName}}</h3>
<p>Status: <strong>{{if .IsActivated}}Active{{else}}Inactive{{end}}</strong></p>
{{with .LastReport}}<p>Last Report: <strong>{{.}}</strong></p>{{end}}
<p>Received: <strong>{{bytes .TotalRx}}</strong></p>
<p>Sent: <strong>{{bytes .TotalTx}}</strong></p>
<p><strong>Total: {{bytes .Total}}</strong></p>
<p>Share of total usage: <strong>{{pct .UsagePercentage}}</strong></p>
{{if .Unusual}}<p style="color: #b45309;">Unusual usage: {{.UnusualReason}}</p>{{end}}
</div>
{{else}}
<p>No devices connected yet.</p>
{{end}}
<p style="color: #9ca3af; font-size: 12px; text-align: center;">This is an automated email from PacketMeter. You can manage your email preferences in your account settings.</p>
</div>
</body>
</html>
`))

type pageDevice struct {
	DeviceUsage
	LastReport string
}

// RenderHTML renders the mail body. Times are shown in the user's timezone.
func RenderHTML(s Summary) (string, error) {
	loc, _ := timezone.ResolveLocation(s.Timezone)
	devices := make([]pageDevice, 0, len(s.Devices))
	for _, d := range s.Devices {
		pd := pageDevice{DeviceUsage: d}
		if d.LastReportAt != nil {
			pd.LastReport = d.LastReportAt.In(loc).Format("Jan 2, 2006 15:04")
		}
		devices = append(devices, pd)
	}

	period := s.GeneratedAt.In(loc).Format("January 2, 2006")
	if s.LookbackDays > 1 {
		period = fmt.Sprintf("the %d days up to %s", s.LookbackDays, period)
	}

	var buf bytes.Buffer
	err := page.Execute(&buf, struct {
		Username string
		Period   string
		Devices  []pageDevice
	}{s.Username, period, devices})
	if err != nil {
		return "", fmt.Errorf("failed to render digest: %w", err)
	}
	return buf.String(), nil
}
