package render

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/html"
)

const panelTemplate = `
<div class="submission-details" style="margin: 20px 0;">
  <h1 style="font-size: 24px; font-weight: bold; color: #007bff; margin-bottom: 10px;">{{.Title}}</h1>
  <div style="background-color: #f9f9f9; padding: 15px; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); margin-bottom: 20px;">
    {{range .Header}}<p><strong>{{.Label}}:</strong> {{.Value}}</p>
    {{end}}
  </div>
  <div style="display: flex; justify-content: space-around; background-color: #f0f7ff; padding: 15px; border-radius: 8px; margin-bottom: 20px;">
    <div style="text-align: center;">
      <div style="font-size: 24px; font-weight: bold; color: #4CAF50;">{{.Summary.Completed}}</div>
      <div style="color: #666;">Reviews completed</div>
    </div>
    <div style="text-align: center;">
      <div style="font-size: 24px; font-weight: bold; color: #2196F3;">{{.Summary.Accepted}}</div>
      <div style="color: #666;">Review invitations accepted</div>
    </div>
    <div style="text-align: center;">
      <div style="font-size: 24px; font-weight: bold; color: #FFC107;">{{.Summary.Invited}}</div>
      <div style="color: #666;">Review invitations sent</div>
    </div>
  </div>
  <h2 style="font-size: 20px; font-weight: bold; color: #333; margin-bottom: 15px;">Reviewers Acceptance and Review Time</h2>
  {{range .Rows}}
  <div class="reviewer-row" style="display: flex; justify-content: space-between; align-items: flex-start; border: 1px solid #ddd; padding: 15px; border-radius: 8px; margin-bottom: 15px;">
    <div class="left-col" style="max-width: 40%;">
      <div style="font-weight: bold; font-size: 16px; margin-bottom: 5px;">Reviewer #{{.ReviewerID}}</div>
      <div style="color: #555;">
        <div>Invited: {{.Invited}}</div>
        <div>Accepted: {{.Accepted}}</div>
      </div>
    </div>
    <div class="right-col" style="display: flex; gap: 40px; max-width: 60%; justify-content: flex-end;">
      <div><div style="font-size: 14px; color: #999;">Response Time</div><div style="font-size: 16px;">{{.ResponseTime}}</div></div>
      <div><div style="font-size: 14px; color: #999;">Review Time</div><div style="font-size: 16px;">{{.ReviewTime}}</div></div>
      <div><div style="font-size: 14px; color: #999;">Status</div><div class="status" style="font-size: 16px; font-weight: bold; color: {{.Color}};">{{.Status}}</div></div>
    </div>
  </div>
  {{end}}
</div>`

const pageTemplate = `<!DOCTYPE html>
<html lang="en"><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="font-family: sans-serif; max-width: 960px; margin: 0 auto;">{{.Panel}}</body></html>`

var (
	panelTmpl = template.Must(template.New("panel").Parse(panelTemplate))
	pageTmpl  = template.Must(template.New("page").Parse(pageTemplate))
)

// HTMLRenderer renders dashboards and minifies the result.
type HTMLRenderer struct {
	m *minify.M
}

func NewHTMLRenderer() *HTMLRenderer {
	m := minify.New()
	m.AddFunc("text/html", html.Minify)
	return &HTMLRenderer{m: m}
}

// Panel renders the dashboard fragment.
func (r *HTMLRenderer) Panel(d Dashboard) ([]byte, error) {
	var buf bytes.Buffer
	if err := panelTmpl.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("render panel: %w", err)
	}
	return r.minify(buf.Bytes())
}

// Page wraps the panel in a standalone document.
func (r *HTMLRenderer) Page(d Dashboard) ([]byte, error) {
	var panel bytes.Buffer
	if err := panelTmpl.Execute(&panel, d); err != nil {
		return nil, fmt.Errorf("render panel: %w", err)
	}
	var buf bytes.Buffer
	err := pageTmpl.Execute(&buf, struct {
		Title string
		Panel template.HTML
	}{d.Title, template.HTML(panel.String())})
	if err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	return r.minify(buf.Bytes())
}

func (r *HTMLRenderer) minify(b []byte) ([]byte, error) {
	out, err := r.m.Bytes("text/html", b)
	if err != nil {
		return nil, fmt.Errorf("minify: %w", err)
	}
	return out, nil
}
