package orchestrator

import (
	"time"

	"github.com/prepstack/prepmail/internal/db"
	"github.com/prepstack/prepmail/internal/sqs"
)

// The catalog is data, not code: plain immutable tables mapping domain
// events to email types and email types to their send parameters.

// eventTypeMap maps incoming domain event types to email types. Events
// absent from this table are silently ignored.
var eventTypeMap = map[string]string{
	"user.created":          "welcome",
	"quiz.completed":        "quiz_summary",
	"quiz.perfect_score":    "perfect_score",
	"streak.milestone":      "streak_milestone",
	"ai.analysis.completed": "ai_analysis_ready",
	"subscription.upgraded": "upgrade_receipt",
	"weekly.progress":       "weekly_progress",
	"inactivity.detected":   "inactivity_nudge",
	"exam.readiness":        "readiness_report",
	"feature.released":      "feature_nudge",
}

const (
	defaultFrom    = "PrepStack <no-reply@mail.prepstack.io>"
	defaultSubject = "An update from PrepStack"
)

// fromAddresses gives certain types a dedicated sender identity;
// everything else uses defaultFrom.
var fromAddresses = map[string]string{
	"welcome":         "PrepStack <welcome@mail.prepstack.io>",
	"upgrade_receipt": "PrepStack Billing <billing@mail.prepstack.io>",
	"weekly_progress": "PrepStack Digest <digest@mail.prepstack.io>",
}

// subjects is the orchestrator-side subject table. The template
// registry can override these at render time.
var subjects = map[string]string{
	"welcome":           "Welcome to PrepStack — let's get you certified",
	"quiz_summary":      "Your quiz results are in",
	"perfect_score":     "Perfect score! 🎉",
	"streak_milestone":  "You're on a streak",
	"ai_analysis_ready": "Your AI study analysis is ready",
	"upgrade_receipt":   "Welcome to PrepStack Pro",
	"weekly_progress":   "Your weekly progress report",
	"inactivity_nudge":  "Your exam prep misses you",
	"readiness_report":  "Your monthly readiness report",
	"feature_nudge":     "New on PrepStack",
}

// highPriority marks first-touch and user-requested notifications;
// lowPriority marks digest and nudge traffic. Everything else is
// normal. Advisory only — see sqs.Message.
var highPriority = map[string]bool{
	"welcome":           true,
	"ai_analysis_ready": true,
	"upgrade_receipt":   true,
}

var lowPriority = map[string]bool{
	"weekly_progress":  true,
	"inactivity_nudge": true,
	"readiness_report": true,
	"feature_nudge":    true,
}

// dedupWindows overrides the default 24h suppression window per type.
// Operators can effectively cancel a misfiring campaign by shortening
// its window here and redeploying — the only cancellation-like control
// this pipeline has.
var dedupWindows = map[string]time.Duration{
	"weekly_progress":  6 * 24 * time.Hour,
	"inactivity_nudge": 72 * time.Hour,
	"readiness_report": 27 * 24 * time.Hour,
}

func fromFor(emailType string) string {
	if from, ok := fromAddresses[emailType]; ok {
		return from
	}
	return defaultFrom
}

func subjectFor(emailType string) string {
	if s, ok := subjects[emailType]; ok {
		return s
	}
	return defaultSubject
}

func priorityFor(emailType string) string {
	switch {
	case highPriority[emailType]:
		return sqs.PriorityHigh
	case lowPriority[emailType]:
		return sqs.PriorityLow
	default:
		return sqs.PriorityNormal
	}
}

func dedupWindowFor(emailType string) time.Duration {
	if w, ok := dedupWindows[emailType]; ok {
		return w
	}
	return 24 * time.Hour
}

// allowedByPreferences applies the per-category toggle for an email
// type. The unsubscribed_all check happens before this. welcome and
// upgrade_receipt are account-level notifications with no toggle.
func allowedByPreferences(prefs *db.EmailPreferences, emailType string) bool {
	switch emailType {
	case "welcome", "upgrade_receipt":
		return true
	case "quiz_summary":
		return prefs.ProductUpdates
	case "perfect_score", "streak_milestone":
		return prefs.MilestoneEmails
	case "ai_analysis_ready":
		return prefs.AIAnalysisNotifs
	case "weekly_progress", "readiness_report":
		return prefs.WeeklyProgressReport
	case "feature_nudge":
		return prefs.FeatureUpdates
	case "inactivity_nudge":
		return prefs.MarketingEmails
	default:
		return false
	}
}
