package output

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/torosent/barrage/internal/metrics"
	"github.com/torosent/barrage/internal/threshold"
)

// ReportMetadata describes the run in the HTML report header.
type ReportMetadata struct {
	RunID   string
	Runners []RunnerInfo
}

// RunnerInfo is one configured runner.
type RunnerInfo struct {
	Name      string
	Gun       string
	Ammo      string
	Instances int
	Schedule  []string
}

// ThresholdSummary counts threshold outcomes for the report.
type ThresholdSummary struct {
	Total   int
	Passed  int
	Failed  int
	Results []threshold.Result
}

type htmlReportData struct {
	GeneratedAt string
	Stats       metrics.Stats
	Markers     []string
	History     []DataPoint
	HistoryJSON template.JS
	Thresholds  *ThresholdSummary
	Metadata    ReportMetadata
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"ms": func(d time.Duration) string {
		return fmt.Sprintf("%.2f ms", float64(d)/float64(time.Millisecond))
	},
	"float": func(f float64) string {
		return fmt.Sprintf("%.2f", f)
	},
	"percent": func(part, total int64) string {
		if total == 0 {
			return "0.0"
		}
		return fmt.Sprintf("%.1f", (float64(part)/float64(total))*100)
	},
	"friendly": metrics.FriendlyErrorName,
}).Parse(htmlTemplate))

// GenerateHTMLReport writes a standalone HTML report with per-window charts.
func GenerateHTMLReport(w io.Writer, stats metrics.Stats, history []DataPoint, results []threshold.Result, metadata ReportMetadata) error {
	var summary *ThresholdSummary
	if len(results) > 0 {
		summary = &ThresholdSummary{Total: len(results), Results: results}
		for _, r := range results {
			if r.Pass {
				summary.Passed++
			} else {
				summary.Failed++
			}
		}
	}

	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	data := htmlReportData{
		GeneratedAt: time.Now().Format(time.RFC3339),
		Stats:       stats,
		Markers:     MarkerNames(stats),
		History:     history,
		HistoryJSON: template.JS(historyJSON),
		Thresholds:  summary,
		Metadata:    metadata,
	}
	if err := reportTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	return nil
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Barrage Report{{if .Metadata.RunID}} {{.Metadata.RunID}}{{end}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: #f4f5f7; color: #222; margin: 0; }
.container { max-width: 1200px; margin: 0 auto; padding: 24px; }
header { background: #263238; color: #fff; padding: 24px; border-radius: 6px; }
header .meta { opacity: .8; font-size: 14px; margin-top: 6px; }
.section { background: #fff; border-radius: 6px; padding: 20px; margin-top: 20px; }
.cards { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 12px; }
.card { background: #fafafa; border-left: 4px solid #42a5f5; padding: 12px; }
.card.bad { border-color: #ef5350; }
.card h3 { margin: 0; font-size: 13px; color: #666; text-transform: uppercase; }
.card .value { font-size: 26px; font-weight: 600; }
table { width: 100%; border-collapse: collapse; }
th, td { text-align: left; padding: 8px; border-bottom: 1px solid #eee; }
.pass { color: #2e7d32; font-weight: 600; }
.fail { color: #c62828; font-weight: 600; }
.chart { width: 100%; min-height: 300px; }
</style>
<script src="https://cdn.jsdelivr.net/npm/uplot@1.6.24/dist/uPlot.iife.min.js"></script>
<link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/uplot@1.6.24/dist/uPlot.min.css">
</head>
<body>
<div class="container">
<header>
<h1>Barrage Load Test Report</h1>
<div class="meta">{{if .Metadata.RunID}}Run {{.Metadata.RunID}} | {{end}}Generated: {{.GeneratedAt}} | Duration: {{.Stats.Duration}}</div>
</header>

<div class="section">
<div class="cards">
<div class="card"><h3>Requests</h3><div class="value">{{.Stats.Total}}</div></div>
<div class="card"><h3>Successful</h3><div class="value">{{.Stats.Successes}}</div><div>{{percent .Stats.Successes .Stats.Total}}%</div></div>
<div class="card{{if .Stats.Failures}} bad{{end}}"><h3>Failed</h3><div class="value">{{.Stats.Failures}}</div><div>{{percent .Stats.Failures .Stats.Total}}%</div></div>
<div class="card"><h3>Requests/sec</h3><div class="value">{{float .Stats.RequestsPerSec}}</div></div>
</div>
</div>

{{if .History}}
<div class="section">
<h2>Per-second Windows</h2>
<div id="rps-chart" class="chart"></div>
<div id="rt-chart" class="chart"></div>
</div>
{{end}}

<div class="section">
<h2>Response Time</h2>
<table>
<tr><th>Min</th><th>Mean</th><th>P50</th><th>P90</th><th>P95</th><th>P99</th><th>Max</th></tr>
<tr><td>{{ms .Stats.MinLatency}}</td><td>{{ms .Stats.MeanLatency}}</td><td>{{ms .Stats.P50Latency}}</td><td>{{ms .Stats.P90Latency}}</td><td>{{ms .Stats.P95Latency}}</td><td>{{ms .Stats.P99Latency}}</td><td>{{ms .Stats.MaxLatency}}</td></tr>
</table>
<h2>Schedule Delay</h2>
<table>
<tr><th>P50</th><th>P90</th><th>P99</th></tr>
<tr><td>{{ms .Stats.P50Delay}}</td><td>{{ms .Stats.P90Delay}}</td><td>{{ms .Stats.P99Delay}}</td></tr>
</table>
</div>

{{if .Thresholds}}
<div class="section">
<h2>Thresholds ({{.Thresholds.Passed}}/{{.Thresholds.Total}} passed)</h2>
<table>
<tr><th>Threshold</th><th>Actual</th><th>Status</th></tr>
{{range .Thresholds.Results}}
<tr><td>{{.Threshold.Raw}}</td><td>{{float .Actual}}</td><td>{{if .Pass}}<span class="pass">PASS</span>{{else}}<span class="fail">FAIL</span>{{end}}</td></tr>
{{end}}
</table>
</div>
{{end}}

{{if .Stats.Errors}}
<div class="section">
<h2>Errors</h2>
<table>
<tr><th>Error</th><th>Count</th></tr>
{{range $code, $count := .Stats.Errors}}
<tr><td>{{friendly $code}}</td><td>{{$count}}</td></tr>
{{end}}
</table>
</div>
{{end}}

{{if .Markers}}
<div class="section">
<h2>Markers</h2>
<table>
<tr><th>Marker</th><th>Requests</th><th>Failures</th><th>RPS</th><th>Mean</th><th>P99</th></tr>
{{range .Markers}}
{{$m := index $.Stats.Markers .}}
<tr><td><strong>{{.}}</strong></td><td>{{$m.Total}} ({{percent $m.Total $.Stats.Total}}%)</td><td>{{$m.Failures}}</td><td>{{float $m.RequestsPerSec}}</td><td>{{float $m.MeanLatencyMs}} ms</td><td>{{float $m.P99LatencyMs}} ms</td></tr>
{{end}}
</table>
</div>
{{end}}

{{if .Metadata.Runners}}
<div class="section">
<h2>Runners</h2>
<table>
<tr><th>Name</th><th>Gun</th><th>Ammo</th><th>Instances</th><th>Schedule</th></tr>
{{range .Metadata.Runners}}
<tr><td><strong>{{.Name}}</strong></td><td>{{.Gun}}</td><td>{{.Ammo}}</td><td>{{.Instances}}</td><td>{{range $i, $s := .Schedule}}{{if $i}}, {{end}}{{$s}}{{end}}</td></tr>
{{end}}
</table>
</div>
{{end}}
</div>

{{if .History}}
<script>
const history = {{.HistoryJSON}};
const start = new Date(history[0].timestamp).getTime();
const xs = history.map(d => (new Date(d.timestamp).getTime() - start) / 1000);
const opts = (title, series, id) => ({
  title: title,
  width: document.getElementById(id).offsetWidth,
  height: 300,
  scales: { x: { time: false } },
  series: [{ label: "Time (s)" }].concat(series),
});
new uPlot(opts("Requests per second", [
  { label: "RPS", stroke: "#42a5f5", width: 2 },
  { label: "Errors", stroke: "#ef5350", width: 2 },
], "rps-chart"), [xs, history.map(d => d.rps), history.map(d => d.errors)], document.getElementById("rps-chart"));
new uPlot(opts("Response time (ms)", [
  { label: "Mean", stroke: "#66bb6a", width: 2 },
  { label: "P90", stroke: "#ffa726", width: 2 },
  { label: "P99", stroke: "#ef5350", width: 2 },
  { label: "Delay P99", stroke: "#8d6e63", width: 1 },
], "rt-chart"), [xs, history.map(d => d.mean_ms), history.map(d => d.p90_ms), history.map(d => d.p99_ms), history.map(d => d.delay_p99_ms)], document.getElementById("rt-chart"));
</script>
{{end}}
</body>
</html>
`
