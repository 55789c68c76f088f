package template

// componentSources holds every renderable component, compiled at
// renderer construction and addressed by opaque key from registry rows.
// Versioned keys so a new revision can roll out behind a row update.
var componentSources = map[string]string{
	"welcome_v1": `<html><body>
<h1>Welcome to PrepStack{{if .username}}, {{.username}}{{end}}!</h1>
<p>Your practice-exam workspace is ready. Pick a certification track and take your first quiz today.</p>
<p><a href="https://app.prepstack.io/tracks">Browse certification tracks</a></p>
</body></html>`,

	"quiz_summary_v1": `<html><body>
<h2>Quiz complete{{if .username}}, {{.username}}{{end}}</h2>
<p>You scored {{.score}} on {{.quizName}}.</p>
<p><a href="https://app.prepstack.io/results">Review your answers</a></p>
</body></html>`,

	"perfect_score_v1": `<html><body>
<h1>Perfect score! 🎉</h1>
<p>{{if .username}}{{.username}}, you{{else}}You{{end}} aced {{.quizName}}. That puts you ahead of most candidates on this topic.</p>
</body></html>`,

	"streak_milestone_v1": `<html><body>
<h2>{{.streakDays}}-day streak{{if .username}}, {{.username}}{{end}}!</h2>
<p>Consistency is the best predictor of exam success. Keep it going.</p>
</body></html>`,

	"ai_analysis_v1": `<html><body>
<h2>Your AI study analysis is ready</h2>
<p>{{if .username}}{{.username}}, we{{else}}We{{end}} analyzed your recent quiz performance and found the topics to focus on next.</p>
<p><a href="https://app.prepstack.io/analysis">View your analysis</a></p>
</body></html>`,

	"upgrade_receipt_v1": `<html><body>
<h2>You're on PrepStack Pro</h2>
<p>Thanks{{if .username}}, {{.username}}{{end}}! Your upgrade to {{.plan}} is active. Unlimited practice exams are unlocked.</p>
</body></html>`,

	"weekly_progress_v1": `<html><body>
<h2>Your week on PrepStack</h2>
<p>Quizzes taken: {{.quizCount}}. Average score: {{.averageScore}}.</p>
<p><a href="https://app.prepstack.io/dashboard">See the full report</a></p>
</body></html>`,

	"inactivity_v1": `<html><body>
<h2>Your exam prep misses you</h2>
<p>{{if .username}}{{.username}}, it{{else}}It{{end}}'s been a while since your last practice session. A short quiz keeps the material fresh.</p>
</body></html>`,

	"readiness_v1": `<html><body>
<h2>Monthly readiness report</h2>
<p>Current readiness estimate for {{.certification}}: {{.readiness}}.</p>
<p><a href="https://app.prepstack.io/readiness">See the breakdown</a></p>
</body></html>`,

	"feature_v1": `<html><body>
<h2>New on PrepStack: {{.featureName}}</h2>
<p>{{.featureSummary}}</p>
</body></html>`,
}

type fallback struct {
	subject   string
	component string
}

// fallbackTemplates maps email types to built-in components used when
// no active registry row resolves. Keep this table in sync with the
// orchestrator's event catalog: a type present there but missing here
// (and unregistered in the database) fails permanently in the consumer.
var fallbackTemplates = map[string]fallback{
	"welcome":          {subject: "Welcome to PrepStack", component: "welcome_v1"},
	"quiz_summary":     {subject: "Your quiz results", component: "quiz_summary_v1"},
	"perfect_score":    {subject: "Perfect score!", component: "perfect_score_v1"},
	"streak_milestone": {subject: "You're on a streak", component: "streak_milestone_v1"},
	"ai_analysis_ready": {subject: "Your AI study analysis is ready", component: "ai_analysis_v1"},
	"upgrade_receipt":  {subject: "Welcome to PrepStack Pro", component: "upgrade_receipt_v1"},
	"weekly_progress":  {subject: "Your weekly progress report", component: "weekly_progress_v1"},
	"inactivity_nudge": {subject: "Keep your streak alive", component: "inactivity_v1"},
	"readiness_report": {subject: "Your monthly readiness report", component: "readiness_v1"},
	"feature_nudge":    {subject: "New on PrepStack", component: "feature_v1"},
}
