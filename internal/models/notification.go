package models

// NotificationAudience narrows which interested users receive a payload.
type NotificationAudience string

const (
	AudienceAll       NotificationAudience = "all"
	AudienceRequester NotificationAudience = "requester"
	AudienceApprovers NotificationAudience = "approvers"
)

// NotificationPayload is produced by state changes and comments and rendered
// once per recipient by the dispatcher.
type NotificationPayload struct {
	RequestID   string
	ModuleID    string
	RequesterID string
	Audience    NotificationAudience
	// Subject and Body are text/template sources.
	Subject string
	Body    string
	Data    map[string]string
	// KeepActor delivers to the acting user even when actors are excluded.
	// Rule-driven outcomes set it: the actor triggered them but did not decide.
	KeepActor bool
}
