package server

import (
	"html/template"
	"net/http"

	"github.com/fcaptcha/scrapeguard/internal/guard"
)

// The demo page reports scripting support and pointer activity the same
// way an integrated site would.
var demoPage = template.Must(template.New("demo").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>scrapeguard</title></head>
<body>
<h1>{{.Path}}</h1>
<p>Decision: {{.Action}} (score {{.Score}})</p>
{{if .Challenge}}<p>Challenge required: {{.Challenge}}</p>{{end}}
<script>
document.cookie = "js_enabled=1; path=/; SameSite=Lax";
let moves = 0;
document.addEventListener("mousemove", () => { moves++; });
setInterval(() => {
  if (moves === 0) return;
  fetch("/api/activity", {method: "POST", headers: {"Content-Type": "application/json"}, body: JSON.stringify({movements: moves})});
  moves = 0;
}, 5000);
</script>
</body>
</html>
`))

type demoData struct {
	Path      string
	Action    string
	Score     int
	Challenge string
}

func demoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := demoData{Path: r.URL.Path, Action: "allow"}
		if d, ok := guard.FromContext(r.Context()); ok {
			data.Action = string(d.Action)
			data.Score = d.ScorePercent()
			data.Challenge = string(d.ChallengeType)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		demoPage.Execute(w, data)
	})
}
