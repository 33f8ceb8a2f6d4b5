package render

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/newsletter-agent/internal/compose"
	"github.com/newsletter-agent/internal/models"
	"github.com/newsletter-agent/internal/validate"
)

// ValidationError carries every problem the pre-broadcast audit found so the
// caller can surface them all at once instead of fixing one per retry.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rendered newsletter failed validation: %s", strings.Join(e.Problems, "; "))
}

// unsubscribeMarker stands in for the provider token during template
// execution and is replaced verbatim in the rendered output.
const unsubscribeMarker = "https://unsubscribe.invalid/__UNSUBSCRIBE__"

// Renderer produces final broadcast HTML from validated newsletter payloads.
// Rendering is deterministic: the same payload always yields the same HTML.
type Renderer struct {
	tmpl *template.Template
}

// New creates a renderer with the built-in issue template.
func New() (*Renderer, error) {
	tmpl, err := template.New("newsletter").Parse(issueTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse newsletter template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render validates the payload, renders it, and audits the result. The
// returned HTML is safe to hand to the broadcast provider as-is.
func (r *Renderer) Render(payload models.JSON) (string, error) {
	if err := compose.ValidateNewsletter(payload); err != nil {
		return "", err
	}
	if problems := validate.ValidateHTTPSLinks(payload); len(problems) > 0 {
		return "", &ValidationError{Problems: problems}
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, map[string]interface{}(payload)); err != nil {
		return "", fmt.Errorf("failed to render newsletter: %w", err)
	}
	// html/template percent-encodes braces inside href attributes, which
	// would corrupt the provider's substitution token. Render a plain
	// marker and swap it in afterwards.
	html := strings.ReplaceAll(buf.String(), unsubscribeMarker, validate.UnsubscribePlaceholder)

	if problems := validate.ValidateRenderedHTML(html); len(problems) > 0 {
		return "", &ValidationError{Problems: problems}
	}
	return html, nil
}

const issueTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.newsletter_name}} — {{.issue_date}}</title>
</head>
<body style="margin:0;padding:0;background-color:#f4f4f5;font-family:Arial,Helvetica,sans-serif;color:#18181b;">
<div style="display:none;max-height:0;overflow:hidden;">{{.preheader}}</div>
<table role="presentation" width="100%" cellpadding="0" cellspacing="0">
<tr><td align="center" style="padding:24px 12px;">
<table role="presentation" width="600" cellpadding="0" cellspacing="0" style="background-color:#ffffff;border-radius:8px;">
<tr><td style="padding:32px;">

<h1 style="margin:0 0 4px;font-size:24px;">{{.newsletter_name}}</h1>
<p style="margin:0 0 24px;color:#71717a;font-size:14px;">{{.issue_date}}</p>

<p style="font-size:16px;line-height:1.5;">{{.intro}}</p>

{{if .team_updates}}
<h2 style="margin:32px 0 12px;font-size:20px;">This Week</h2>
{{range .team_updates}}
<h3 style="margin:16px 0 4px;font-size:16px;">{{.title}}</h3>
<p style="margin:0;font-size:15px;line-height:1.5;">{{.summary}}</p>
{{end}}
{{end}}

<h2 style="margin:32px 0 12px;font-size:20px;">Industry News</h2>
{{range .industry_stories}}
<h3 style="margin:16px 0 4px;font-size:16px;">{{.headline}}</h3>
<p style="margin:0 0 4px;font-size:15px;line-height:1.5;">{{.hook}}</p>
<p style="margin:0 0 4px;font-size:15px;line-height:1.5;"><em>Why it matters:</em> {{.why_it_matters}}</p>
<p style="margin:0;font-size:13px;"><a href="{{.source_url}}" style="color:#2563eb;">{{.source_name}}</a></p>
{{end}}

<table role="presentation" width="100%" cellpadding="0" cellspacing="0" style="margin-top:32px;">
<tr><td style="background-color:#f4f4f5;border-radius:6px;padding:20px;font-size:15px;">
{{with .cta}}{{.text}}{{end}}
</td></tr>
</table>

<p style="margin:32px 0 0;font-size:12px;color:#a1a1aa;">
You are receiving this because you subscribed.
<a href="https://unsubscribe.invalid/__UNSUBSCRIBE__" style="color:#a1a1aa;">Unsubscribe</a>
</p>

</td></tr>
</table>
</td></tr>
</table>
</body>
</html>
`
