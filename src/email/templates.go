package email

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
)

// TemplateType represents an email template type.
type TemplateType string

const (
	TemplateTaskReminder  TemplateType = "task_reminder"
	TemplateTaskCompleted TemplateType = "task_completed"
	TemplateTaskFailed    TemplateType = "task_failed"
	TemplateAdminAlert    TemplateType = "admin_alert"
)

// TemplateData holds common template data.
type TemplateData struct {
	SiteName string
	Year     int
}

// NewTemplateData creates template data with defaults.
func NewTemplateData(siteName string) *TemplateData {
	return &TemplateData{
		SiteName: siteName,
		Year:     time.Now().Year(),
	}
}

// TaskReminderData holds data for a scheduled reminder email.
type TaskReminderData struct {
	*TemplateData
	Title   string
	Message string
	DueAt   time.Time
}

// TaskResultData holds data for a task completion or failure email.
type TaskResultData struct {
	*TemplateData
	Title      string
	Result     string
	Error      string
	FinishedAt time.Time
	Duration   time.Duration
}

// AdminAlertData holds data for an operational alert email.
type AdminAlertData struct {
	*TemplateData
	AlertType  string
	Severity   string
	Message    string
	Details    map[string]string
	OccurredAt time.Time
}

// EmailTemplate manages email template rendering.
type EmailTemplate struct {
	templates map[TemplateType]*template.Template
}

// NewEmailTemplate creates a new email template manager.
func NewEmailTemplate() *EmailTemplate {
	et := &EmailTemplate{
		templates: make(map[TemplateType]*template.Template),
	}
	for templateType, tmpl := range rawTemplates {
		t, err := template.New(string(templateType)).Parse(tmpl)
		if err != nil {
			continue
		}
		et.templates[templateType] = t
	}
	return et
}

// Render renders a template with the given data. Templates carry the
// subject on their first line.
func (et *EmailTemplate) Render(templateType TemplateType, data interface{}) (subject string, body string, err error) {
	t, ok := et.templates[templateType]
	if !ok {
		return "", "", fmt.Errorf("template %s not found", templateType)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", "", err
	}

	content := buf.String()
	if idx := strings.IndexByte(content, '\n'); idx >= 0 {
		subject = content[:idx]
		body = content[idx+1:]
	} else {
		subject = content
	}
	return subject, body, nil
}

// rawTemplates contains the raw template strings.
var rawTemplates = map[TemplateType]string{
	TemplateTaskReminder: `Reminder: {{.Title}}
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
    <div style="background: #1a1a2e; color: #ffffff; padding: 30px; border-radius: 8px;">
        <h1 style="color: #00d9ff; margin-top: 0;">{{.Title}}</h1>
        {{if .Message}}<p>{{.Message}}</p>{{end}}
        <p style="color: #888; font-size: 14px;">Scheduled for: {{.DueAt.Format "Jan 2, 2006 3:04 PM MST"}}</p>
        <hr style="border: 1px solid #333; margin: 20px 0;">
        <p style="color: #888; font-size: 12px;">&copy; {{.Year}} {{.SiteName}}</p>
    </div>
</body>
</html>`,

	TemplateTaskCompleted: `Task Completed: {{.Title}}
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
    <div style="background: #1a1a2e; color: #ffffff; padding: 30px; border-radius: 8px;">
        <h1 style="color: #00d9ff; margin-top: 0;">Task Completed</h1>
        <p><strong>{{.Title}}</strong></p>
        {{if .Result}}
        <p style="background: #0f0f1a; padding: 15px; border-radius: 4px; white-space: pre-wrap;">{{.Result}}</p>
        {{end}}
        <p style="color: #888; font-size: 14px;">Finished: {{.FinishedAt.Format "Jan 2, 2006 3:04 PM MST"}} ({{.Duration}})</p>
        <hr style="border: 1px solid #333; margin: 20px 0;">
        <p style="color: #888; font-size: 12px;">&copy; {{.Year}} {{.SiteName}}</p>
    </div>
</body>
</html>`,

	TemplateTaskFailed: `Task Failed: {{.Title}}
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
    <div style="background: #1a1a2e; color: #ffffff; padding: 30px; border-radius: 8px;">
        <h1 style="color: #ff6b6b; margin-top: 0;">Task Failed</h1>
        <p><strong>{{.Title}}</strong></p>
        {{if .Error}}
        <pre style="background: #0f0f1a; padding: 15px; border-radius: 4px; overflow-x: auto;">{{.Error}}</pre>
        {{end}}
        <p style="color: #888; font-size: 14px;">Failed at: {{.FinishedAt.Format "Jan 2, 2006 3:04 PM MST"}}</p>
        <hr style="border: 1px solid #333; margin: 20px 0;">
        <p style="color: #888; font-size: 12px;">&copy; {{.Year}} {{.SiteName}}</p>
    </div>
</body>
</html>`,

	TemplateAdminAlert: `[{{.Severity}}] {{.AlertType}} - {{.SiteName}}
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
    <div style="background: #1a1a2e; color: #ffffff; padding: 30px; border-radius: 8px;">
        <h1 style="color: {{if eq .Severity "critical"}}#ff6b6b{{else if eq .Severity "warning"}}#ffd93d{{else}}#00d9ff{{end}}; margin-top: 0;">Alert: {{.AlertType}}</h1>
        <p><strong>Severity:</strong> {{.Severity}}</p>
        <p><strong>Time:</strong> {{.OccurredAt.Format "Jan 2, 2006 3:04:05 PM"}}</p>
        <p><strong>Message:</strong></p>
        <p style="background: #0f0f1a; padding: 15px; border-radius: 4px; font-family: monospace;">{{.Message}}</p>
        {{if .Details}}
        <p><strong>Details:</strong></p>
        <ul>
        {{range $key, $value := .Details}}
            <li><strong>{{$key}}:</strong> {{$value}}</li>
        {{end}}
        </ul>
        {{end}}
        <hr style="border: 1px solid #333; margin: 20px 0;">
        <p style="color: #888; font-size: 12px;">{{.SiteName}} Alert System</p>
    </div>
</body>
</html>`,
}
