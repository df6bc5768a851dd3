package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/kuatovakamila/track-facility-akimat/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"reading": func(v *float64) string {
		if v == nil {
			return "-"
		}
		return fmt.Sprintf("%.1f", *v)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Facility Check {{.KioskID}}</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.active { color: green; font-weight: bold; }
.idle { color: #888; }
.failed { color: red; }
.connected { color: green; }
.disconnected { color: red; }
progress { width: 100%; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Facility Check {{.KioskID}}{{if .Live}}<span id="live-dot" class="live-dot pending" title="connecting"></span>{{end}}</h1>

<h2>Kiosk</h2>
<table>
<tr><th>State</th><td id="kiosk-state" class="{{if eq .State "MEASURING"}}active{{else}}idle{{end}}">{{.State}}</td></tr>
{{with .Flow}}<tr><th>Phase</th><td id="flow-phase">{{.Phase}} ({{.State}})</td></tr>
{{range .Sequence}}<tr><th>{{.}}</th><td><progress id="progress-{{.}}" max="100" value="{{index $.Flow.Progress .}}"></progress></td></tr>
{{end}}<tr><th>Sensor ready</th><td id="flow-ready">{{if .SensorReady}}yes{{else}}warming up{{end}}</td></tr>
<tr><th>Countdown</th><td id="flow-countdown">{{if .CountdownSeconds}}{{.CountdownSeconds}}s{{else}}-{{end}}</td></tr>
<tr><th>Temperature</th><td id="flow-temp">{{reading .Readings.Temperature}}</td></tr>
<tr><th>Pulse</th><td id="flow-pulse">{{reading .Readings.Pulse}}</td></tr>
<tr><th>Alcohol</th><td id="flow-alcohol">{{.Readings.Alcohol}}</td></tr>
{{else}}<tr><th>Flow</th><td>waiting for start</td></tr>
{{end}}</table>

{{with .LastFlow}}<h2>Last Flow</h2>
<table>
<tr><th>Result</th><td class="{{if eq .State "FAILED"}}failed{{else}}active{{end}}">{{.State}}{{if .Failure}} ({{.Failure}}){{end}}</td></tr>
<tr><th>Temperature</th><td>{{reading .Readings.Temperature}}</td></tr>
<tr><th>Pulse</th><td>{{reading .Readings.Pulse}}</td></tr>
<tr><th>Alcohol</th><td>{{.Readings.Alcohol}}</td></tr>
<tr><th>Finished</th><td>{{.FinishedAt}}</td></tr>
</table>
{{end}}

<h2>Flow Counts</h2>
<table>
<tr><th>Started</th><td>{{.Counts.Started}}</td></tr>
<tr><th>Completed</th><td>{{.Counts.Completed}}</td></tr>
<tr><th>Failed</th><td>{{.Counts.Failed}}</td></tr>
<tr><th>Timeouts</th><td>{{.Counts.Timeouts}}</td></tr>
<tr><th>No subject</th><td>{{.Counts.NoSubject}}</td></tr>
<tr><th>Submit failures</th><td>{{.Counts.SubmitFailures}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTT.Connected}}connected{{else}}disconnected{{end}}">{{if .MQTT.Connected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.MQTT.Broker}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime}}</td></tr>
<tr><th>Sensor transport</th><td>{{.Config.Transport}}</td></tr>
<tr><th>Endpoint</th><td>{{.Config.Endpoint}}</td></tr>
<tr><th>Threshold</th><td>{{.Config.Threshold}}</td></tr>
<tr><th>Phase timeout</th><td>{{.Config.TimeoutMs}}ms</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
{{if .Live}}
<script>
(function() {
  var dot = document.getElementById("live-dot");
  var terminal = { "COMPLETED": true, "FAILED": true };

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { setDot("ok", "live"); };
    ws.onclose = function() {
      setDot("err", "offline");
      setTimeout(connect, 5000);
    };
    ws.onmessage = function(ev) {
      try {
        var msg = JSON.parse(ev.data);
        if (msg.type === "PHASE_CHANGED" || msg.type === "SUBMIT_FAILED" || terminal[msg.type] || (msg.type === "PROGRESS" && !document.getElementById("flow-phase"))) {
          location.reload();
          return;
        }
        if (msg.flow) {
          var f = msg.flow;
          var el = document.getElementById("flow-phase");
          if (el) el.textContent = f.phase + " (" + f.state + ")";
          for (var p in f.progress) {
            var bar = document.getElementById("progress-" + p);
            if (bar) bar.value = f.progress[p];
          }
          var ready = document.getElementById("flow-ready");
          if (ready) ready.textContent = f.sensor_ready ? "yes" : "warming up";
          var cd = document.getElementById("flow-countdown");
          if (cd) cd.textContent = f.countdown_seconds ? f.countdown_seconds + "s" : "-";
        }
      } catch (e) {}
    };
  }
  connect();
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot, live bool) error {
	// The page renders the JSON view so both outputs agree.
	data := struct {
		status.StatusInner
		Uptime time.Duration
		Live   bool
	}{
		StatusInner: status.BuildInner(snap),
		Uptime:      snap.Uptime(),
		Live:        live,
	}
	return indexTmpl.Execute(w, data)
}
