package httpapi

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentworkforce/engagesync/internal/accounts"
	"github.com/agentworkforce/engagesync/internal/oauth"
)

const pageStyle = `
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    body {
      margin: 0;
      padding: 24px;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .card {
      max-width: 640px;
      margin: 0 auto;
      padding: 16px;
      background: #fffdf9;
      border: 1px solid var(--line);
      border-radius: 14px;
    }
    .ok { color: var(--accent); }
    .failed { color: var(--danger); }
    .muted { color: var(--muted); }
    li { padding: 4px 0; }
`

const callbackHTML = `{{define "callback"}}<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Reddit connection</title>
  <style>{{.Style}}</style>
</head>
<body>
  <div class="card">
    <p class="{{.Result}}">{{if .OK}}Account connected. You can close this window.{{else}}The connection did not complete.{{end}}</p>
  </div>
  <script>
    (function () {
      var ok = {{.OK}};
      if (window.opener && !window.opener.closed) {
        window.opener.postMessage({ type: "oauth_done", ok: ok }, window.location.origin);
        window.close();
        return;
      }
      window.location.replace({{.Redirect}});
    })();
  </script>
</body>
</html>{{end}}`

const accountsHTML = `{{define "accounts"}}<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Connected accounts</title>
  <style>{{.Style}}</style>
</head>
<body>
  <div class="card">
    <h1>Connected accounts</h1>
    {{if eq .OAuth "ok"}}<p class="ok">Connection completed.</p>{{end}}
    {{if eq .OAuth "failed"}}<p class="failed">Connection failed.</p>{{end}}
    {{if .Accounts}}
    <ul>
      {{range .Accounts}}<li>{{.Platform}} / {{.Username}}{{if .Label}} <span class="muted">{{.Label}}</span>{{end}}</li>{{end}}
    </ul>
    {{else}}
    <p class="muted">No accounts cached yet.</p>
    {{end}}
  </div>
</body>
</html>{{end}}`

var pageTemplates = template.Must(template.New("pages").Parse(callbackHTML + accountsHTML))

// handleCallback is the authorization surface's landing page. It routes the
// callback to its handshake, then either reports to the window that opened
// it or redirects to the accounts page.
func (s *Server) handleCallback(c *gin.Context) {
	attempt, err := s.coordinator.HandleCallback(c.Request.Context(), oauth.CallbackFromQuery(c.Request.URL.Query()))
	ok := err == nil && attempt != nil && attempt.Status() == oauth.StateCompleted
	if err != nil {
		s.logf("callback: %v", err)
	}
	result := "failed"
	if ok {
		result = "ok"
	}
	c.HTML(http.StatusOK, "callback", gin.H{
		"Style":    template.CSS(pageStyle),
		"OK":       ok,
		"Result":   result,
		"Redirect": AccountsPagePath + "?oauth=" + result,
	})
}

func (s *Server) handleAccountsPage(c *gin.Context) {
	list, err := s.reconciler.Store().List()
	if err != nil {
		s.logf("accounts page: %v", err)
		list = []accounts.ConnectedAccount{}
	}
	c.HTML(http.StatusOK, "accounts", gin.H{
		"Style":    template.CSS(pageStyle),
		"OAuth":    c.Query("oauth"),
		"Accounts": list,
	})
}
