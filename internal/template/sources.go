package template

import "github.com/chesshelper/mailrelay/internal/domain"

type templateSource struct {
	subject string
	html    string
	text    string
}

var templateSources = map[domain.TemplateKind]templateSource{
	domain.TemplateLiveMatch: {
		subject: "🏆 %s is now playing live on Chess.com!",
		html: `<html><body>
<p>Hi!</p>
<p><strong>{{.Username}}</strong> ({{.DisplayName}}) has started playing live matches on Chess.com!</p>
{{if .Games}}<p>Game Details:</p>
<ul>
{{range .Games}}<li>Time Control: {{.TimeControl}} &mdash; <a href="{{.URL}}">Watch live</a></li>
{{end}}</ul>
<p>You can watch the games live by clicking the links above.</p>
{{end}}<hr>
<p><small>This notification was sent because you subscribed to updates for {{.Username}}.
To unsubscribe, please contact the site administrator.</small></p>
</body></html>`,
		text: `Hi!

{{.Username}} ({{.DisplayName}}) has started playing live matches on Chess.com!
{{if .Games}}
Game Details:
{{range .Games}}- Time Control: {{.TimeControl}}
  Game URL: {{.URL}}
{{end}}
You can watch the games live by visiting the URLs above.
{{end}}
---
This notification was sent because you subscribed to updates for {{.Username}}.
To unsubscribe, please contact the site administrator.`,
	},
	domain.TemplateMatchEnded: {
		subject: "♟️ %s has finished playing on Chess.com",
		html: `<html><body>
<p>Hi!</p>
<p><strong>{{.Username}}</strong> ({{.DisplayName}}) has finished their live session on Chess.com.</p>
{{if .Games}}<p>Results:</p>
<ul>
{{range .Games}}<li>{{.TimeControl}}{{if .Result}} &mdash; {{.Result}}{{end}} (<a href="{{.URL}}">game</a>)</li>
{{end}}</ul>
{{end}}<hr>
<p><small>This notification was sent because you subscribed to updates for {{.Username}}.</small></p>
</body></html>`,
		text: `Hi!

{{.Username}} ({{.DisplayName}}) has finished their live session on Chess.com.
{{if .Games}}
Results:
{{range .Games}}- {{.TimeControl}}{{if .Result}}: {{.Result}}{{end}}
  Game URL: {{.URL}}
{{end}}{{end}}
---
This notification was sent because you subscribed to updates for {{.Username}}.`,
	},
	domain.TemplateWelcome: {
		subject: "Welcome! You are now following %s on Chess.com",
		html: `<html><body>
<p>Hi!</p>
<p>You are now subscribed to live match notifications for <strong>{{.Username}}</strong> ({{.DisplayName}}).</p>
<p>We will email you whenever they start a live game on Chess.com.</p>
<hr>
<p><small>To unsubscribe, please contact the site administrator.</small></p>
</body></html>`,
		text: `Hi!

You are now subscribed to live match notifications for {{.Username}} ({{.DisplayName}}).
We will email you whenever they start a live game on Chess.com.

---
To unsubscribe, please contact the site administrator.`,
	},
}
