package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}
	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(reportHTML))
}

// TemplateData holds data for report rendering.
type TemplateData struct {
	CalendarName string
	Year         int
	GeneratedAt  time.Time
	TradeCount   int
	TotalPnL     float64
	WinCount     int
	LossCount    int
	Trades       []TemplateTrade
	TagSummary   []TagCount
}

// TemplateTrade is one trade row in the report.
type TemplateTrade struct {
	Date   time.Time
	Symbol string
	Side   string
	Entry  float64
	Exit   float64
	PnL    float64
	Tags   string
	Notes  string
}

// TagCount is one row of the tag usage summary.
type TagCount struct {
	Tag   string
	Count int
}

// RenderReportHTML renders the report template with provided data.
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.CalendarName}} {{.Year}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 900px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { border-collapse: collapse; width: 100%; margin: 1rem 0; }
    th, td { border: 1px solid #ccc; padding: 0.35rem 0.6rem; text-align: left; font-size: 0.85em; }
    th { background: #f5f5f5; }
    .pnl-pos { color: #1a7f37; }
    .pnl-neg { color: #b42318; }
    .summary { background: #f5f5f5; padding: 1rem; margin: 1rem 0; }
  </style>
</head>
<body>
  <h1>{{.CalendarName}} &mdash; {{.Year}}</h1>
  <div class="meta">Generated {{formatDate .GeneratedAt "Jan 2, 2006 15:04 MST"}}</div>

  <div class="summary">
    <strong>{{.TradeCount}}</strong> trades,
    <strong>{{.WinCount}}</strong> winners,
    <strong>{{.LossCount}}</strong> losers,
    net P&amp;L <strong class="{{if lt .TotalPnL 0.0}}pnl-neg{{else}}pnl-pos{{end}}">{{printf "%.2f" .TotalPnL}}</strong>
  </div>

  <h2>Trades</h2>
  <table>
    <tr><th>Date</th><th>Symbol</th><th>Side</th><th>Entry</th><th>Exit</th><th>P&amp;L</th><th>Tags</th><th>Notes</th></tr>
    {{range .Trades}}
    <tr>
      <td>{{formatDate .Date "2006-01-02"}}</td>
      <td>{{.Symbol}}</td>
      <td>{{lower .Side}}</td>
      <td>{{printf "%.2f" .Entry}}</td>
      <td>{{printf "%.2f" .Exit}}</td>
      <td class="{{if lt .PnL 0.0}}pnl-neg{{else}}pnl-pos{{end}}">{{printf "%.2f" .PnL}}</td>
      <td>{{.Tags}}</td>
      <td>{{.Notes}}</td>
    </tr>
    {{end}}
  </table>

  {{if .TagSummary}}
  <h2>Tag usage</h2>
  <table>
    <tr><th>Tag</th><th>Trades</th></tr>
    {{range .TagSummary}}
    <tr><td>{{.Tag}}</td><td>{{.Count}}</td></tr>
    {{end}}
  </table>
  {{end}}
</body>
</html>`
