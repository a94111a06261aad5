package service

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	"github.com/noah-isme/sma-adp-extension/internal/repository"
	"github.com/noah-isme/sma-adp-extension/pkg/cache"
	"github.com/noah-isme/sma-adp-extension/pkg/clock"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
	"github.com/noah-isme/sma-adp-extension/pkg/lock"
)

const defaultCommentSubject = "New comment on extension request {{.RequestID}}"

const defaultCommentBody = "{{.ActorID}} commented on extension request {{.RequestID}}:\n\n{{.Comment}}\n"

type ruleLoader interface {
	Load(ctx context.Context, dataType string) (*RuleTree, error)
}

type requestMaterializer interface {
	Get(ctx context.Context, requestID string) (*models.MaterializedRequest, error)
	Build(ctx context.Context, requestID string) (*models.MaterializedRequest, error)
	Invalidate(ctx context.Context, requestID string)
}

type stateApplier interface {
	Apply(ctx context.Context, cmd Command) ([]models.NotificationPayload, error)
}

type notificationSender interface {
	Dispatch(ctx context.Context, payloads []models.NotificationPayload, interested []string, actorID string) error
}

// ExtensionDeps bundles the collaborators of ExtensionService.
type ExtensionDeps struct {
	Rules      ruleLoader
	Evaluator  *RuleEvaluator
	Machine    stateApplier
	Requests   requestTxStore
	Cache      requestMaterializer
	Dispatcher notificationSender
	Modules    ModuleSnapshotProvider
	Principals PrincipalResolver
	Locker     lock.Locker
	Events     historySink
	Clock      clock.Clock
	// LockTTL bounds how long one request stays locked.
	LockTTL time.Duration
}

// ExtensionService evaluates rules against requests and applies the outcome.
// Work on one request is serialized through the locker.
type ExtensionService struct {
	deps   ExtensionDeps
	logger *zap.Logger
}

// NewExtensionService constructs the service.
func NewExtensionService(deps ExtensionDeps, logger *zap.Logger) *ExtensionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocalLocker()
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = 30 * time.Second
	}
	if deps.Evaluator == nil {
		deps.Evaluator = NewRuleEvaluator(logger)
	}
	return &ExtensionService{deps: deps, logger: logger}
}

// RequestExtensionInput describes a learner asking for more time on a module.
type RequestExtensionInput struct {
	// RequestID is empty for a new request.
	RequestID    string
	UserID       string
	ModuleID     string
	RequestedDue time.Time
	Note         string
}

// Access is what one user may do on a request.
type Access struct {
	Requester  bool              `json:"requester"`
	Subscribed bool              `json:"subscribed"`
	Action     models.RuleAction `json:"action,omitempty"`
}

// CanView reports whether the user may read the request.
func (a Access) CanView() bool {
	return a.Requester || a.Subscribed || a.Action != ""
}

// CanDecide reports whether the user may approve or deny.
func (a Access) CanDecide() bool {
	return a.Action == models.RuleActionApprove || a.Action == models.RuleActionForceApprove
}

func (s *ExtensionService) lockRequest(ctx context.Context, requestID string) (lock.Release, error) {
	release, err := s.deps.Locker.Acquire(ctx, cache.LockKey("request:"+requestID), s.deps.LockTTL)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrLockNotAcquired.Code, appErrors.ErrLockNotAcquired.Status, "request is busy")
	}
	return release, nil
}

// EvaluateAndApply runs the rule tree of the module's data type against the
// request and applies every resulting action. Approvals the actor cannot
// perform subscribe the role's principals instead; actions the current status
// does not allow are skipped.
func (s *ExtensionService) EvaluateAndApply(ctx context.Context, requestID, moduleID, actorID string) (*models.ModuleState, error) {
	release, err := s.lockRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	defer release()

	payloads, err := s.evaluateAndApply(ctx, requestID, moduleID, actorID)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, requestID, moduleID, actorID, payloads)
}

func (s *ExtensionService) evaluateAndApply(ctx context.Context, requestID, moduleID, actorID string) ([]models.NotificationPayload, error) {
	mat, err := s.deps.Cache.Build(ctx, requestID)
	if err != nil {
		return nil, err
	}
	state, ok := mat.Modules[moduleID]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "module is not part of the request")
	}
	result, module, err := s.evaluate(ctx, mat, state)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			s.logger.Debug("no rules for module", zap.String("request_id", requestID), zap.String("module_id", moduleID))
			return nil, nil
		}
		return nil, err
	}

	var payloads []models.NotificationPayload
	status := state.Status
	for _, role := range rolesInMatchOrder(result) {
		match := result.Actions[role]
		cmd := Command{RequestID: requestID, ModuleID: moduleID, ActorID: actorID, Match: &match}

		switch match.Action {
		case models.RuleActionSubscribe:
			cmd.Action = ActionSubscribe
		case models.RuleActionForceApprove:
			cmd.Action = ActionForceApprove
		case models.RuleActionApprove:
			held, err := s.holdsRole(ctx, actorID, role, module.CourseID)
			if err != nil {
				return payloads, err
			}
			cmd.Action = ActionApprove
			if !held {
				cmd.Action = ActionSubscribe
			}
		default:
			continue
		}

		if target, changes := actionTargets[cmd.Action]; changes && !CanTransition(status, target) {
			s.logger.Debug("rule action skipped",
				zap.String("request_id", requestID),
				zap.String("rule_id", match.Rule.ID),
				zap.String("status", string(status)),
				zap.String("action", string(cmd.Action)))
			continue
		}
		out, err := s.deps.Machine.Apply(ctx, cmd)
		if err != nil {
			if errors.Is(err, appErrors.ErrInvalidTransition) {
				s.logger.Info("rule action rejected", zap.String("rule_id", match.Rule.ID), zap.Error(err))
				continue
			}
			return payloads, err
		}
		if target, changes := actionTargets[cmd.Action]; changes {
			status = target
		}
		if !hasAudience(out, models.AudienceApprovers) && !ruleFired(mat.History, moduleID, match.Rule.ID) {
			out = append(out, ruleNotice(mat.Request, state, module, match))
		}
		payloads = append(payloads, out...)
	}

	if err := s.storeAccess(ctx, requestID, module.CourseID, result); err != nil {
		return payloads, err
	}
	return payloads, nil
}

// evaluate runs the module's rule tree. No rule is pre-activated, so only
// roots and descendants of rules matched in this pass can fire.
func (s *ExtensionService) evaluate(ctx context.Context, mat *models.MaterializedRequest, state models.ModuleState) (EvaluationResult, ModuleSnapshot, error) {
	module := ModuleSnapshot{
		ModuleID: state.ModuleID,
		CourseID: state.CourseID,
		Kind:     state.Kind,
		DueDate:  state.DueDate,
	}
	if s.deps.Modules != nil {
		fresh, err := s.deps.Modules.ModuleSnapshot(ctx, state.ModuleID)
		if err != nil {
			return EvaluationResult{}, module, err
		}
		module = fresh
	}
	tree, err := s.deps.Rules.Load(ctx, module.Kind)
	if err != nil {
		return EvaluationResult{}, module, err
	}
	snapshot := RequestSnapshot{
		ID:            mat.Request.ID,
		UserID:        mat.Request.UserID,
		CreatedAt:     mat.Request.CreatedAt,
		RequestedDue:  state.RequestedDue,
		RequestedDays: state.RequestedDeltaDays,
		At:            s.deps.Clock.Now(),
	}
	return s.deps.Evaluator.Evaluate(ctx, tree, snapshot, module, nil), module, nil
}

const (
	defaultRuleNoticeSubject = "Extension request for {{.ModuleName}} needs your attention"
	defaultRuleNoticeBody    = "{{.RequesterID}} asked for {{.RequestedDays}} more day(s) on {{.ModuleName}} (new due date {{.RequestedDue}}). Status: {{.Status}}.\n"
)

// ruleNotice tells the principals of a matched role about a request when the
// rule did not move the module, using the rule's approver template.
func ruleNotice(req models.Request, state models.ModuleState, module ModuleSnapshot, match RuleMatch) models.NotificationPayload {
	name := module.Name
	if name == "" {
		name = state.ModuleID
	}
	return models.NotificationPayload{
		RequestID:   req.ID,
		ModuleID:    state.ModuleID,
		RequesterID: req.UserID,
		Audience:    models.AudienceApprovers,
		Subject:     firstNonEmpty(match.Rule.NotifySubject, defaultRuleNoticeSubject),
		Body:        firstNonEmpty(match.Rule.NotifyBody, defaultRuleNoticeBody),
		Data: map[string]string{
			"RequestID":     req.ID,
			"ModuleID":      state.ModuleID,
			"ModuleName":    name,
			"CourseID":      state.CourseID,
			"RequesterID":   req.UserID,
			"Status":        string(state.Status),
			"RequestedDays": strconv.Itoa(state.RequestedDeltaDays),
			"RequestedDue":  state.RequestedDue.Format(time.DateOnly),
			"RuleID":        match.Rule.ID,
			"Role":          match.Rule.Role,
		},
		KeepActor: true,
	}
}

// ruleFired reports whether history already records ruleID acting on the
// module, so repeated evaluations notify once per rule.
func ruleFired(history []models.HistoryEvent, moduleID, ruleID string) bool {
	for _, ev := range history {
		if ev.ModuleID != nil && *ev.ModuleID == moduleID && ev.Payload["rule_id"] == ruleID {
			return true
		}
	}
	return false
}

func hasAudience(payloads []models.NotificationPayload, audience models.NotificationAudience) bool {
	for _, p := range payloads {
		if p.Audience == audience {
			return true
		}
	}
	return false
}

func rolesInMatchOrder(result EvaluationResult) []string {
	position := make(map[string]int, len(result.Actions))
	for i, id := range result.Matched {
		for role, match := range result.Actions {
			if match.Rule.ID == id {
				position[role] = i
			}
		}
	}
	roles := make([]string, 0, len(result.Actions))
	for role := range result.Actions {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(a, b int) bool {
		if position[roles[a]] != position[roles[b]] {
			return position[roles[a]] < position[roles[b]]
		}
		return roles[a] < roles[b]
	})
	return roles
}

func (s *ExtensionService) holdsRole(ctx context.Context, userID, role, courseID string) (bool, error) {
	if s.deps.Principals == nil {
		return false, nil
	}
	principals, err := s.deps.Principals.ResolvePrincipals(ctx, role, courseID)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve role")
	}
	for _, id := range principals {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

var accessRank = map[models.RuleAction]int{
	models.RuleActionSubscribe:    1,
	models.RuleActionApprove:      2,
	models.RuleActionForceApprove: 3,
}

// storeAccess records the strongest action each principal received from the
// last evaluation.
func (s *ExtensionService) storeAccess(ctx context.Context, requestID, courseID string, result EvaluationResult) error {
	if s.deps.Principals == nil || len(result.Actions) == 0 {
		return nil
	}
	access := map[string]models.RuleAction{}
	for role, match := range result.Actions {
		principals, err := s.deps.Principals.ResolvePrincipals(ctx, role, courseID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve role")
		}
		for _, user := range principals {
			if accessRank[match.Action] > accessRank[access[user]] {
				access[user] = match.Action
			}
		}
	}
	return s.deps.Requests.InTx(ctx, func(w repository.RequestWriter) error {
		if err := w.ReplaceAccess(ctx, requestID, access); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store access")
		}
		return nil
	})
}

// finish invalidates the cached request, notifies interested users and
// returns the module state as persisted.
func (s *ExtensionService) finish(ctx context.Context, requestID, moduleID, actorID string, payloads []models.NotificationPayload) (*models.ModuleState, error) {
	s.deps.Cache.Invalidate(ctx, requestID)
	mat, err := s.deps.Cache.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, mat, payloads, actorID)
	if moduleID == "" {
		return nil, nil
	}
	state, ok := mat.Modules[moduleID]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "module is not part of the request")
	}
	return &state, nil
}

func (s *ExtensionService) notify(ctx context.Context, mat *models.MaterializedRequest, payloads []models.NotificationPayload, actorID string) {
	if s.deps.Dispatcher == nil || len(payloads) == 0 {
		return
	}
	if err := s.deps.Dispatcher.Dispatch(ctx, payloads, mat.InterestedUsers(), actorID); err != nil {
		s.logger.Warn("notifications incomplete", zap.String("request_id", mat.Request.ID), zap.Error(err))
	}
}

// History returns the request history in append order.
func (s *ExtensionService) History(ctx context.Context, requestID string) ([]models.HistoryEvent, error) {
	mat, err := s.deps.Cache.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return mat.History, nil
}

// Status returns the materialized request for a user allowed to view it.
func (s *ExtensionService) Status(ctx context.Context, requestID, userID string) (*models.MaterializedRequest, error) {
	mat, err := s.deps.Cache.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !accessOf(mat, userID).CanView() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "request is not visible to user")
	}
	return mat, nil
}

// AccessFor reports what userID may do on the request.
func (s *ExtensionService) AccessFor(ctx context.Context, requestID, userID string) (Access, error) {
	mat, err := s.deps.Cache.Get(ctx, requestID)
	if err != nil {
		return Access{}, err
	}
	return accessOf(mat, userID), nil
}

func accessOf(mat *models.MaterializedRequest, userID string) Access {
	access := Access{Requester: mat.Request.UserID == userID, Action: mat.Access[userID]}
	for _, id := range mat.Subscribers {
		if id == userID {
			access.Subscribed = true
			break
		}
	}
	return access
}

// RequestExtension opens a new request, adds a module to an open one, or
// re-requests a denied module. The module's rules are then evaluated with the
// requester as actor.
func (s *ExtensionService) RequestExtension(ctx context.Context, in RequestExtensionInput) (*models.ModuleState, error) {
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(in.ModuleID) == "" || in.RequestedDue.IsZero() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "user, module and requested due date are required")
	}
	module, err := s.moduleSnapshot(ctx, in.ModuleID)
	if err != nil {
		return nil, err
	}
	delta := WholeDays(in.RequestedDue.Sub(module.DueDate))
	if delta <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "requested due date must be at least one day after the current due date")
	}

	requestID := in.RequestID
	if requestID == "" {
		if requestID, err = s.openRequest(ctx, in, module, delta); err != nil {
			return nil, err
		}
	}
	release, err := s.lockRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	defer release()

	var payloads []models.NotificationPayload
	if in.RequestID != "" {
		if payloads, err = s.extendRequest(ctx, requestID, in, module, delta); err != nil {
			return nil, err
		}
	}
	applied, err := s.evaluateAndApply(ctx, requestID, in.ModuleID, in.UserID)
	if err != nil {
		return nil, err
	}
	// a rule notice to approvers replaces the generic one
	if len(payloads) == 0 && !hasAudience(applied, models.AudienceApprovers) {
		payloads = append(payloads, requestedPayload(requestID, in, module, delta))
	}
	return s.finish(ctx, requestID, in.ModuleID, in.UserID, append(payloads, applied...))
}

const (
	defaultRequestedSubject = "Extension requested for {{.ModuleName}}"
	defaultRequestedBody    = "{{.RequesterID}} asked for {{.RequestedDays}} more day(s) on {{.ModuleName}} (new due date {{.RequestedDue}}).{{if .Note}}\n\n{{.Note}}{{end}}\n"
)

func requestedPayload(requestID string, in RequestExtensionInput, module ModuleSnapshot, delta int) models.NotificationPayload {
	name := module.Name
	if name == "" {
		name = module.ModuleID
	}
	return models.NotificationPayload{
		RequestID:   requestID,
		ModuleID:    module.ModuleID,
		RequesterID: in.UserID,
		Audience:    models.AudienceApprovers,
		Subject:     defaultRequestedSubject,
		Body:        defaultRequestedBody,
		Data: map[string]string{
			"RequestID":     requestID,
			"ModuleID":      module.ModuleID,
			"ModuleName":    name,
			"CourseID":      module.CourseID,
			"RequesterID":   in.UserID,
			"RequestedDays": strconv.Itoa(delta),
			"RequestedDue":  in.RequestedDue.Format(time.DateOnly),
			"Note":          in.Note,
		},
	}
}

func (s *ExtensionService) moduleSnapshot(ctx context.Context, moduleID string) (ModuleSnapshot, error) {
	if s.deps.Modules == nil {
		return ModuleSnapshot{}, appErrors.Clone(appErrors.ErrInternal, "course catalogue is not configured")
	}
	return s.deps.Modules.ModuleSnapshot(ctx, moduleID)
}

func (s *ExtensionService) openRequest(ctx context.Context, in RequestExtensionInput, module ModuleSnapshot, delta int) (string, error) {
	now := s.deps.Clock.Now()
	req := &models.Request{
		UserID:      in.UserID,
		CreatedAt:   now,
		SearchStart: now,
		SearchEnd:   in.RequestedDue,
		LastMod:     now,
		LastModBy:   in.UserID,
	}
	var event models.HistoryEvent
	err := s.deps.Requests.InTx(ctx, func(w repository.RequestWriter) error {
		if err := w.CreateRequest(ctx, req); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create request")
		}
		var err error
		event, err = addModule(ctx, w, req.ID, in, module, delta, now)
		return err
	})
	if err != nil {
		return "", err
	}
	s.published(ctx, event)
	s.logger.Info("extension requested", zap.String("request_id", req.ID), zap.String("module_id", in.ModuleID), zap.String("user_id", in.UserID))
	return req.ID, nil
}

// extendRequest adds a module to an existing request or reopens a denied
// one, returning the reopen notices. The caller holds the request lock.
func (s *ExtensionService) extendRequest(ctx context.Context, requestID string, in RequestExtensionInput, module ModuleSnapshot, delta int) ([]models.NotificationPayload, error) {
	mat, err := s.deps.Cache.Build(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if mat.Request.UserID != in.UserID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the requester may change the request")
	}

	if state, exists := mat.Modules[in.ModuleID]; exists {
		if state.Status != models.ModuleStatusDenied {
			return nil, appErrors.Clone(appErrors.ErrConflict, "module already has an extension "+string(state.Status))
		}
		return s.deps.Machine.Apply(ctx, Command{
			RequestID: requestID,
			ModuleID:  in.ModuleID,
			ActorID:   in.UserID,
			Action:    ActionReopen,
			Note:      in.Note,
		})
	}

	now := s.deps.Clock.Now()
	var event models.HistoryEvent
	err = s.deps.Requests.InTx(ctx, func(w repository.RequestWriter) error {
		if _, err := w.LockRequest(ctx, requestID); err != nil {
			return notFoundOr(err, "extension request not found", "failed to lock request")
		}
		var err error
		event, err = addModule(ctx, w, requestID, in, module, delta, now)
		if err != nil {
			return err
		}
		if err := w.Touch(ctx, requestID, in.UserID, now); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update request")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.deps.Cache.Invalidate(ctx, requestID)
	s.published(ctx, event)
	return nil, nil
}

func addModule(ctx context.Context, w repository.RequestWriter, requestID string, in RequestExtensionInput, module ModuleSnapshot, delta int, now time.Time) (models.HistoryEvent, error) {
	state := &models.ModuleState{
		RequestID:          requestID,
		ModuleID:           module.ModuleID,
		CourseID:           module.CourseID,
		Kind:               module.Kind,
		Status:             models.ModuleStatusNew,
		DueDate:            module.DueDate,
		RequestedDue:       in.RequestedDue,
		RequestedDeltaDays: delta,
		UpdatedAt:          now,
	}
	if err := w.UpsertModule(ctx, state); err != nil {
		return models.HistoryEvent{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store module state")
	}
	moduleID := module.ModuleID
	status := models.ModuleStatusNew
	event := models.HistoryEvent{
		RequestID: requestID,
		ModuleID:  &moduleID,
		ActorID:   in.UserID,
		Timestamp: now,
		Kind:      models.HistoryKindState,
		ToStatus:  &status,
		Payload: models.EventPayload{
			"requested_due":  in.RequestedDue.Format(time.RFC3339),
			"requested_days": strconv.Itoa(delta),
		},
	}
	if in.Note != "" {
		event.Payload["note"] = in.Note
	}
	if err := w.AppendHistory(ctx, &event); err != nil {
		return models.HistoryEvent{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record history")
	}
	return event, nil
}

// AddComment appends a comment to the history, subscribes the author and
// notifies everyone interested.
func (s *ExtensionService) AddComment(ctx context.Context, requestID, actorID, text string) (*models.HistoryEvent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "comment is empty")
	}
	release, err := s.lockRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	defer release()

	mat, err := s.deps.Cache.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !accessOf(mat, actorID).CanView() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "user may not comment on this request")
	}

	now := s.deps.Clock.Now()
	event := models.HistoryEvent{
		RequestID: requestID,
		ActorID:   actorID,
		Timestamp: now,
		Kind:      models.HistoryKindComment,
		Payload:   models.EventPayload{"text": text},
	}
	err = s.deps.Requests.InTx(ctx, func(w repository.RequestWriter) error {
		if _, err := w.LockRequest(ctx, requestID); err != nil {
			return notFoundOr(err, "extension request not found", "failed to lock request")
		}
		if err := w.AppendHistory(ctx, &event); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record comment")
		}
		if actorID != mat.Request.UserID {
			if err := w.AddSubscribers(ctx, requestID, []string{actorID}, now); err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to subscribe commenter")
			}
		}
		if err := w.Touch(ctx, requestID, actorID, now); err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update request")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.published(ctx, event)

	payload := models.NotificationPayload{
		RequestID:   requestID,
		RequesterID: mat.Request.UserID,
		Audience:    models.AudienceAll,
		Subject:     defaultCommentSubject,
		Body:        defaultCommentBody,
		Data: map[string]string{
			"RequestID":   requestID,
			"RequesterID": mat.Request.UserID,
			"ActorID":     actorID,
			"Comment":     text,
		},
	}
	if _, err := s.finish(ctx, requestID, "", actorID, []models.NotificationPayload{payload}); err != nil {
		s.logger.Warn("comment stored but request reload failed", zap.String("request_id", requestID), zap.Error(err))
	}
	return &event, nil
}

// ApplyAction performs a manual action from the status page. Cancel and
// reopen belong to the requester; deny needs decision access; approve needs a
// currently matching approve rule whose role the actor holds; force-approve
// needs the override capability.
func (s *ExtensionService) ApplyAction(ctx context.Context, requestID, moduleID, actorID string, action Action, note string) (*models.ModuleState, error) {
	release, err := s.lockRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	defer release()

	mat, err := s.deps.Cache.Build(ctx, requestID)
	if err != nil {
		return nil, err
	}
	state, ok := mat.Modules[moduleID]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "module is not part of the request")
	}
	access := accessOf(mat, actorID)
	cmd := Command{RequestID: requestID, ModuleID: moduleID, ActorID: actorID, Action: action, Note: note}

	switch action {
	case ActionCancel, ActionReopen:
		if !access.Requester {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "only the requester may "+string(action))
		}
	case ActionDeny:
		if !access.CanDecide() {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "user may not deny this request")
		}
	case ActionApprove:
		match, err := s.approvalMatch(ctx, mat, state, actorID)
		if err != nil {
			return nil, err
		}
		cmd.Match = match
	case ActionSubscribe:
		if !access.CanView() {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "user may not subscribe to this request")
		}
	case ActionForceApprove:
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown action "+string(action))
	}

	payloads, err := s.deps.Machine.Apply(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, requestID, moduleID, actorID, payloads)
}

// approvalMatch finds a current approve match for a role the actor holds.
func (s *ExtensionService) approvalMatch(ctx context.Context, mat *models.MaterializedRequest, state models.ModuleState, actorID string) (*RuleMatch, error) {
	result, module, err := s.evaluate(ctx, mat, state)
	if err != nil {
		if errors.Is(err, appErrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	for _, role := range rolesInMatchOrder(result) {
		match := result.Actions[role]
		if match.Action != models.RuleActionApprove && match.Action != models.RuleActionForceApprove {
			continue
		}
		held, err := s.holdsRole(ctx, actorID, role, module.CourseID)
		if err != nil {
			return nil, err
		}
		if held {
			match.Action = models.RuleActionApprove
			return &match, nil
		}
	}
	return nil, nil
}

func (s *ExtensionService) published(ctx context.Context, events ...models.HistoryEvent) {
	if s.deps.Events != nil && len(events) > 0 {
		s.deps.Events.Publish(ctx, events)
	}
}
