package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	"github.com/noah-isme/sma-adp-extension/internal/repository"
	"github.com/noah-isme/sma-adp-extension/pkg/clock"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
)

// Action is something that can be applied to a request module.
type Action string

const (
	ActionApprove      Action = "approve"
	ActionForceApprove Action = "force-approve"
	ActionSubscribe    Action = "subscribe"
	ActionDeny         Action = "deny"
	ActionCancel       Action = "cancel"
	ActionReopen       Action = "reopen"
)

var actionTargets = map[Action]models.ModuleStatus{
	ActionApprove:      models.ModuleStatusApproved,
	ActionForceApprove: models.ModuleStatusApproved,
	ActionDeny:         models.ModuleStatusDenied,
	ActionCancel:       models.ModuleStatusCancelled,
	ActionReopen:       models.ModuleStatusReopened,
}

var transitions = map[models.ModuleStatus][]models.ModuleStatus{
	models.ModuleStatusNew:      {models.ModuleStatusApproved, models.ModuleStatusDenied, models.ModuleStatusCancelled},
	models.ModuleStatusDenied:   {models.ModuleStatusReopened},
	models.ModuleStatusReopened: {models.ModuleStatusApproved, models.ModuleStatusDenied, models.ModuleStatusCancelled},
}

// CanTransition reports whether one step may move a module from one status to another.
func CanTransition(from, to models.ModuleStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActionFromRule maps a rule action onto a state machine action.
func ActionFromRule(action models.RuleAction) Action {
	return Action(action)
}

// Command asks the state machine to apply one action to one module.
type Command struct {
	RequestID string
	ModuleID  string
	ActorID   string
	Action    Action
	// Match is the rule match driving the action; nil for manual actions.
	Match *RuleMatch
	// GrantedDays overrides the requested delta on approval.
	GrantedDays *int
	Note        string
}

type requestTxStore interface {
	InTx(ctx context.Context, fn func(repository.RequestWriter) error) error
}

type requestInvalidator interface {
	Invalidate(ctx context.Context, requestID string)
}

type historySink interface {
	Publish(ctx context.Context, events []models.HistoryEvent)
}

// RequestStateMachine applies actions to module states. Every write of one
// command happens in a single transaction; a rejected command writes nothing.
type RequestStateMachine struct {
	store        requestTxStore
	resolver     PrincipalResolver
	capabilities CapabilityChecker
	cache        requestInvalidator
	events       historySink
	clock        clock.Clock
	logger       *zap.Logger
	metrics      *MetricsService
}

// StateMachineOption customises the state machine.
type StateMachineOption func(*RequestStateMachine)

// WithHistorySink publishes committed history events.
func WithHistorySink(sink historySink) StateMachineOption {
	return func(m *RequestStateMachine) { m.events = sink }
}

// WithStateMachineClock overrides the wall clock.
func WithStateMachineClock(c clock.Clock) StateMachineOption {
	return func(m *RequestStateMachine) { m.clock = c }
}

// WithStateMachineMetrics records transitions.
func WithStateMachineMetrics(metrics *MetricsService) StateMachineOption {
	return func(m *RequestStateMachine) { m.metrics = metrics }
}

// NewRequestStateMachine constructs the state machine.
func NewRequestStateMachine(store requestTxStore, resolver PrincipalResolver, capabilities CapabilityChecker, cache requestInvalidator, logger *zap.Logger, opts ...StateMachineOption) *RequestStateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &RequestStateMachine{
		store:        store,
		resolver:     resolver,
		capabilities: capabilities,
		cache:        cache,
		clock:        clock.Real{},
		logger:       logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply runs a command. Status changes return notification payloads for the
// approver and requester audiences; subscribe returns none.
func (m *RequestStateMachine) Apply(ctx context.Context, cmd Command) ([]models.NotificationPayload, error) {
	if cmd.RequestID == "" || cmd.ModuleID == "" || cmd.ActorID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "request, module and actor are required")
	}
	if cmd.Action == ActionSubscribe {
		return nil, m.subscribe(ctx, cmd)
	}
	target, ok := actionTargets[cmd.Action]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown action %q", cmd.Action))
	}

	var (
		req     *models.Request
		before  models.ModuleState
		after   models.ModuleState
		event   models.HistoryEvent
		granted int
	)
	now := m.clock.Now()
	err := m.store.InTx(ctx, func(w repository.RequestWriter) error {
		var err error
		req, err = w.LockRequest(ctx, cmd.RequestID)
		if err != nil {
			return notFoundOr(err, "extension request not found", "failed to lock request")
		}
		state, err := w.GetModule(ctx, cmd.RequestID, cmd.ModuleID)
		if err != nil {
			return notFoundOr(err, "module is not part of the request", "failed to load module state")
		}
		before = *state

		if !CanTransition(state.Status, target) {
			return invalidTransition(state.Status, target)
		}
		if err := m.authorize(ctx, cmd, state.CourseID); err != nil {
			return err
		}

		params := repository.TransitionParams{
			RequestID: cmd.RequestID,
			ModuleID:  cmd.ModuleID,
			From:      state.Status,
			To:        target,
			At:        now,
		}
		if target == models.ModuleStatusApproved {
			granted = state.RequestedDeltaDays
			if cmd.GrantedDays != nil {
				granted = *cmd.GrantedDays
			}
			params.GrantedDelta = &granted
		}
		if cmd.Match != nil {
			action := cmd.Match.Action
			params.Action = &action
		}
		if err := w.TransitionModule(ctx, params); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return invalidTransition(state.Status, target)
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update module state")
		}

		if err := m.subscribeRole(ctx, w, cmd, state.CourseID, now); err != nil {
			return err
		}

		event = stateEvent(cmd, state.Status, target, now, granted)
		if err := w.AppendHistory(ctx, &event); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record history")
		}
		if err := w.Touch(ctx, cmd.RequestID, cmd.ActorID, now); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update request")
		}

		after = *state
		after.Status = target
		if params.GrantedDelta != nil {
			after.GrantedDeltaDays = granted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.committed(ctx, cmd.RequestID, event)
	m.metrics.RecordTransition(before.Status, after.Status)
	m.logger.Info("module transitioned",
		zap.String("request_id", cmd.RequestID),
		zap.String("module_id", cmd.ModuleID),
		zap.String("actor_id", cmd.ActorID),
		zap.String("action", string(cmd.Action)),
		zap.String("from", string(before.Status)),
		zap.String("to", string(after.Status)))

	return transitionPayloads(cmd, req, before, after), nil
}

// authorize enforces the role check for approvals. A force-approve carrying a
// rule match skips it; a manual one needs the override capability.
func (m *RequestStateMachine) authorize(ctx context.Context, cmd Command, courseID string) error {
	switch cmd.Action {
	case ActionApprove:
		if cmd.Match == nil {
			return appErrors.Clone(appErrors.ErrInvalidTransition, "approval requires a matched rule role")
		}
		held, err := m.holdsRole(ctx, cmd.ActorID, cmd.Match.Rule.Role, courseID)
		if err != nil {
			return err
		}
		if !held {
			return appErrors.Clone(appErrors.ErrInvalidTransition, "actor does not hold role "+cmd.Match.Rule.Role)
		}
	case ActionForceApprove:
		if cmd.Match != nil {
			return nil
		}
		if m.capabilities == nil {
			return appErrors.Clone(appErrors.ErrForbidden, "override is not available")
		}
		ok, err := m.capabilities.HasCapability(ctx, cmd.ActorID, CapabilityForceApprove, courseID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check capability")
		}
		if !ok {
			return appErrors.Clone(appErrors.ErrForbidden, "actor may not force-approve")
		}
	}
	return nil
}

func (m *RequestStateMachine) holdsRole(ctx context.Context, actorID, role, courseID string) (bool, error) {
	if m.resolver == nil {
		return false, nil
	}
	principals, err := m.resolver.ResolvePrincipals(ctx, role, courseID)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve role")
	}
	for _, id := range principals {
		if id == actorID {
			return true, nil
		}
	}
	return false, nil
}

// subscribeRole makes the principals of a matched rule's role interested in
// the request so the transition notice reaches them.
func (m *RequestStateMachine) subscribeRole(ctx context.Context, w repository.RequestWriter, cmd Command, courseID string, at time.Time) error {
	if cmd.Match == nil || m.resolver == nil {
		return nil
	}
	principals, err := m.resolver.ResolvePrincipals(ctx, cmd.Match.Rule.Role, courseID)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve role")
	}
	if len(principals) == 0 {
		return nil
	}
	if err := w.AddSubscribers(ctx, cmd.RequestID, principals, at); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to add subscribers")
	}
	return nil
}

// subscribe adds the matched role's principals, or the actor, to the
// interested users of the request. Status is left alone.
func (m *RequestStateMachine) subscribe(ctx context.Context, cmd Command) error {
	now := m.clock.Now()
	var event models.HistoryEvent
	err := m.store.InTx(ctx, func(w repository.RequestWriter) error {
		if _, err := w.LockRequest(ctx, cmd.RequestID); err != nil {
			return notFoundOr(err, "extension request not found", "failed to lock request")
		}
		state, err := w.GetModule(ctx, cmd.RequestID, cmd.ModuleID)
		if err != nil {
			return notFoundOr(err, "module is not part of the request", "failed to load module state")
		}

		users := []string{cmd.ActorID}
		role := ""
		if cmd.Match != nil && m.resolver != nil {
			role = cmd.Match.Rule.Role
			principals, err := m.resolver.ResolvePrincipals(ctx, role, state.CourseID)
			if err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve role")
			}
			users = principals
		}
		if len(users) == 0 {
			return nil
		}
		if err := w.AddSubscribers(ctx, cmd.RequestID, users, now); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to add subscribers")
		}

		moduleID := cmd.ModuleID
		event = models.HistoryEvent{
			RequestID: cmd.RequestID,
			ModuleID:  &moduleID,
			ActorID:   cmd.ActorID,
			Timestamp: now,
			Kind:      models.HistoryKindSubscribe,
			Payload:   models.EventPayload{"role": role, "count": strconv.Itoa(len(users))},
		}
		if cmd.Match != nil {
			event.Payload["rule_id"] = cmd.Match.Rule.ID
		}
		if err := w.AppendHistory(ctx, &event); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record history")
		}
		if err := w.Touch(ctx, cmd.RequestID, cmd.ActorID, now); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update request")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if event.ID != "" {
		m.committed(ctx, cmd.RequestID, event)
	}
	return nil
}

func (m *RequestStateMachine) committed(ctx context.Context, requestID string, events ...models.HistoryEvent) {
	if m.cache != nil {
		m.cache.Invalidate(ctx, requestID)
	}
	if m.events != nil && len(events) > 0 {
		m.events.Publish(ctx, events)
	}
}

func stateEvent(cmd Command, from, to models.ModuleStatus, at time.Time, granted int) models.HistoryEvent {
	moduleID := cmd.ModuleID
	payload := models.EventPayload{"action": string(cmd.Action)}
	if to == models.ModuleStatusApproved {
		payload["granted_days"] = strconv.Itoa(granted)
	}
	if cmd.Match != nil {
		payload["rule_id"] = cmd.Match.Rule.ID
	}
	if cmd.Note != "" {
		payload["note"] = cmd.Note
	}
	return models.HistoryEvent{
		RequestID:  cmd.RequestID,
		ModuleID:   &moduleID,
		ActorID:    cmd.ActorID,
		Timestamp:  at,
		Kind:       models.HistoryKindState,
		FromStatus: &from,
		ToStatus:   &to,
		Payload:    payload,
	}
}

const (
	defaultApproverSubject  = "Extension request {{.RequestID}}: {{.Status}}"
	defaultApproverBody     = "{{.ActorID}} moved module {{.ModuleID}} of request {{.RequestID}} from {{.FromStatus}} to {{.Status}}.\n"
	defaultRequesterSubject = "Your extension request is {{.Status}}"
	defaultRequesterBody    = "Dear {{.RecipientName}},\n\nYour extension request for module {{.ModuleID}} is now {{.Status}}.{{if .GrantedDays}} Granted days: {{.GrantedDays}}.{{end}}\n"
)

func transitionPayloads(cmd Command, req *models.Request, before, after models.ModuleState) []models.NotificationPayload {
	data := map[string]string{
		"RequestID":  cmd.RequestID,
		"ModuleID":   cmd.ModuleID,
		"CourseID":   after.CourseID,
		"ActorID":    cmd.ActorID,
		"FromStatus": string(before.Status),
		"Status":     string(after.Status),
		"Note":       cmd.Note,
	}
	if after.Status == models.ModuleStatusApproved {
		data["GrantedDays"] = strconv.Itoa(after.GrantedDeltaDays)
		data["DueDate"] = after.DueDate.AddDate(0, 0, after.GrantedDeltaDays).Format(time.DateOnly)
	}
	requesterID := ""
	if req != nil {
		requesterID = req.UserID
		data["RequesterID"] = requesterID
	}

	approver := models.NotificationPayload{
		RequestID:   cmd.RequestID,
		ModuleID:    cmd.ModuleID,
		RequesterID: requesterID,
		Audience:    models.AudienceApprovers,
		Subject:     defaultApproverSubject,
		Body:        defaultApproverBody,
		Data:        data,
	}
	requester := models.NotificationPayload{
		RequestID:   cmd.RequestID,
		ModuleID:    cmd.ModuleID,
		RequesterID: requesterID,
		Audience:    models.AudienceRequester,
		Subject:     defaultRequesterSubject,
		Body:        defaultRequesterBody,
		Data:        data,
	}
	if cmd.Match != nil {
		rule := cmd.Match.Rule
		data["RuleID"] = rule.ID
		data["Role"] = rule.Role
		approver.Subject = firstNonEmpty(rule.NotifySubject, approver.Subject)
		approver.Body = firstNonEmpty(rule.NotifyBody, approver.Body)
		requester.Subject = firstNonEmpty(rule.RequesterSubject, requester.Subject)
		requester.Body = firstNonEmpty(rule.RequesterBody, requester.Body)
		// the rule decided, so the actor hears about it even when it is the requester
		requester.KeepActor = true
		approver.KeepActor = cmd.Action != ActionApprove
	}
	return []models.NotificationPayload{approver, requester}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func invalidTransition(from, to models.ModuleStatus) error {
	return appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot move module from %s to %s", from, to))
}

func notFoundOr(err error, notFound, internal string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.Clone(appErrors.ErrNotFound, notFound)
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, internal)
}
