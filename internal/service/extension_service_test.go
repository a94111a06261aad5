package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	"github.com/noah-isme/sma-adp-extension/pkg/cache"
	"github.com/noah-isme/sma-adp-extension/pkg/clock"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
	"github.com/noah-isme/sma-adp-extension/pkg/lock"
)

type dispatchCall struct {
	payloads   []models.NotificationPayload
	interested []string
	actorID    string
}

type dispatchRecorder struct {
	mu    sync.Mutex
	calls []dispatchCall
}

func (d *dispatchRecorder) Dispatch(ctx context.Context, payloads []models.NotificationPayload, interested []string, actorID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{payloads: payloads, interested: interested, actorID: actorID})
	return nil
}

func (d *dispatchRecorder) last(t *testing.T) dispatchCall {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.calls)
	return d.calls[len(d.calls)-1]
}

func audiences(payloads []models.NotificationPayload) []models.NotificationAudience {
	out := make([]models.NotificationAudience, len(payloads))
	for i, p := range payloads {
		out[i] = p.Audience
	}
	return out
}

type extensionFixture struct {
	store      *requestStoreStub
	clock      *clock.Manual
	sink       *historySinkStub
	dispatcher *dispatchRecorder
	locker     *lock.LocalLocker
	svc        *ExtensionService
}

func newExtensionFixture(t *testing.T, rules ...models.Rule) *extensionFixture {
	t.Helper()
	f := &extensionFixture{
		store:      newRequestStoreStub(),
		clock:      clock.NewManual(day0()),
		sink:       &historySinkStub{},
		dispatcher: &dispatchRecorder{},
		locker:     lock.NewLocalLocker(),
	}
	requests := NewRequestCache(f.store, nil, nil)
	roles := rolesStub{"teacher/c1": {"t1", "t2"}, "manager/c1": {"boss"}}
	caps := capabilityStub{"boss/" + CapabilityForceApprove: true}
	machine := NewRequestStateMachine(f.store, roles, caps, requests, nil,
		WithStateMachineClock(f.clock),
		WithHistorySink(f.sink))
	modules := modulesStub{
		"m1": {ModuleID: "m1", CourseID: "c1", Kind: "assign", Name: "Essay", DueDate: day0().AddDate(0, 0, 7)},
		"m2": {ModuleID: "m2", CourseID: "c1", Kind: "assign", Name: "Lab", DueDate: day0().AddDate(0, 0, 14)},
	}
	f.svc = NewExtensionService(ExtensionDeps{
		Rules:      NewRuleStore(newRuleSourceStub(rules...), nil, nil),
		Machine:    machine,
		Requests:   f.store,
		Cache:      requests,
		Dispatcher: f.dispatcher,
		Modules:    modules,
		Principals: roles,
		Locker:     f.locker,
		Events:     f.sink,
		Clock:      f.clock,
	}, nil)
	return f
}

func (f *extensionFixture) open(t *testing.T) string {
	t.Helper()
	state, err := f.svc.RequestExtension(context.Background(), RequestExtensionInput{
		UserID:       "student",
		ModuleID:     "m1",
		RequestedDue: day0().AddDate(0, 0, 10),
		Note:         "sick",
	})
	require.NoError(t, err)
	return state.RequestID
}

func teacherApproves() models.Rule {
	return testRule("teacher-approves")
}

func TestRequestExtensionSubscribesApprovers(t *testing.T) {
	f := newExtensionFixture(t, teacherApproves())
	ctx := context.Background()

	state, err := f.svc.RequestExtension(ctx, RequestExtensionInput{
		UserID:       "student",
		ModuleID:     "m1",
		RequestedDue: day0().AddDate(0, 0, 10),
		Note:         "sick",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ModuleStatusNew, state.Status)
	assert.Equal(t, 3, state.RequestedDeltaDays)

	mat, err := f.svc.Status(ctx, state.RequestID, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, mat.Subscribers)
	assert.Equal(t, models.RuleActionApprove, mat.Access["t2"])

	call := f.dispatcher.last(t)
	assert.Equal(t, "student", call.actorID)
	assert.Equal(t, []string{"student", "t1", "t2"}, call.interested)
	require.Len(t, call.payloads, 1)
	assert.Equal(t, models.AudienceApprovers, call.payloads[0].Audience)
	assert.Equal(t, "Essay", call.payloads[0].Data["ModuleName"])
	assert.Equal(t, "3", call.payloads[0].Data["RequestedDays"])

	kinds := []models.HistoryKind{}
	for _, ev := range f.sink.events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []models.HistoryKind{models.HistoryKindState, models.HistoryKindSubscribe}, kinds)
}

func TestEvaluateAndApplyByRoleHolderApproves(t *testing.T) {
	f := newExtensionFixture(t, teacherApproves())
	ctx := context.Background()
	requestID := f.open(t)

	state, err := f.svc.EvaluateAndApply(ctx, requestID, "m1", "t1")
	require.NoError(t, err)
	assert.Equal(t, models.ModuleStatusApproved, state.Status)
	assert.Equal(t, 3, state.GrantedDeltaDays)

	call := f.dispatcher.last(t)
	assert.Equal(t, []models.NotificationAudience{models.AudienceApprovers, models.AudienceRequester}, audiences(call.payloads))

	// a second pass finds nothing left to do
	state, err = f.svc.EvaluateAndApply(ctx, requestID, "m1", "t2")
	require.NoError(t, err)
	assert.Equal(t, models.ModuleStatusApproved, state.Status)
}

func TestRequestExtensionForceApprovedByRule(t *testing.T) {
	f := newExtensionFixture(t,
		testRule("short", withRole("manager"), withAction(models.RuleActionForceApprove), withLength(models.ComparatorLessThan, 5)))

	state, err := f.svc.RequestExtension(context.Background(), RequestExtensionInput{
		UserID:       "student",
		ModuleID:     "m1",
		RequestedDue: day0().AddDate(0, 0, 10),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ModuleStatusApproved, state.Status)
	require.NotNil(t, state.LastAction)
	assert.Equal(t, models.RuleActionForceApprove, *state.LastAction)

	call := f.dispatcher.last(t)
	assert.Equal(t, []models.NotificationAudience{models.AudienceApprovers, models.AudienceRequester}, audiences(call.payloads))
	assert.Contains(t, call.interested, "boss")

	// replay through a dispatcher that excludes the acting user
	sender := &mailSenderStub{}
	d := NewNotificationDispatcher(sender, nil, testUsers(), DispatcherConfig{ExcludeActor: true}, nil)
	require.NoError(t, d.Dispatch(context.Background(), call.payloads, call.interested, call.actorID))
	assert.Equal(t, []string{"boss", "student"}, recipientsOf(sender.sent))
}

func TestRuleNoticeUsesRuleTemplateOnce(t *testing.T) {
	rule := testRule("teacher-approves", func(r *models.Rule) {
		r.NotifySubject = "Please review {{.ModuleName}}"
		r.NotifyBody = "{{.RequesterID}} wants {{.RequestedDays}} day(s)"
	})
	f := newExtensionFixture(t, rule)
	ctx := context.Background()
	requestID := f.open(t)

	call := f.dispatcher.last(t)
	require.Len(t, call.payloads, 1)
	notice := call.payloads[0]
	assert.Equal(t, models.AudienceApprovers, notice.Audience)
	assert.Equal(t, "Please review {{.ModuleName}}", notice.Subject)
	assert.Equal(t, "teacher-approves", notice.Data["RuleID"])
	assert.Equal(t, "Essay", notice.Data["ModuleName"])

	sender := &mailSenderStub{}
	d := NewNotificationDispatcher(sender, nil, testUsers(), DispatcherConfig{ExcludeActor: true}, nil)
	require.NoError(t, d.Dispatch(ctx, call.payloads, call.interested, call.actorID))
	assert.Equal(t, []string{"t1", "t2"}, recipientsOf(sender.sent))
	assert.Equal(t, "Please review Essay", sender.sent[0].Subject)
	assert.Equal(t, "student wants 3 day(s)", sender.sent[0].Body)

	calls := len(f.dispatcher.calls)
	_, err := f.svc.EvaluateAndApply(ctx, requestID, "m1", "student")
	require.NoError(t, err)
	assert.Len(t, f.dispatcher.calls, calls)
}

func TestEvaluationUsesRecordedLength(t *testing.T) {
	f := newExtensionFixture(t, testRule("overdue",
		withRole("manager"),
		withAction(models.RuleActionForceApprove),
		withLength(models.ComparatorGreaterOrEqual, 3),
		withElapsed(models.ComparatorGreaterOrEqual, 1)))
	ctx := context.Background()
	requestID := f.open(t)
	assert.Equal(t, models.ModuleStatusNew, f.store.module(requestID, "m1").Status)

	// the course moved the due date two days later; three days were asked for
	f.svc.deps.Modules = modulesStub{
		"m1": {ModuleID: "m1", CourseID: "c1", Kind: "assign", Name: "Essay", DueDate: day0().AddDate(0, 0, 9)},
	}
	f.clock.Advance(24 * time.Hour)

	state, err := f.svc.EvaluateAndApply(ctx, requestID, "m1", "t1")
	require.NoError(t, err)
	assert.Equal(t, models.ModuleStatusApproved, state.Status)
	assert.Equal(t, 3, state.GrantedDeltaDays)
}

func TestRequestExtensionBelowThresholdStaysNew(t *testing.T) {
	f := newExtensionFixture(t,
		testRule("short", withRole("manager"), withAction(models.RuleActionForceApprove), withLength(models.ComparatorLessThan, 2)))

	state, err := f.svc.RequestExtension(context.Background(), RequestExtensionInput{
		UserID:       "student",
		ModuleID:     "m1",
		RequestedDue: day0().AddDate(0, 0, 10),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ModuleStatusNew, state.Status)

	access, err := f.svc.AccessFor(context.Background(), state.RequestID, "boss")
	require.NoError(t, err)
	assert.False(t, access.CanView())
}

func TestDeniedModuleCanBeRequestedAgain(t *testing.T) {
	f := newExtensionFixture(t, teacherApproves())
	ctx := context.Background()
	requestID := f.open(t)

	state, err := f.svc.ApplyAction(ctx, requestID, "m1", "t1", ActionDeny, "too late")
	require.NoError(t, err)
	assert.Equal(t, models.ModuleStatusDenied, state.Status)

	f.clock.Advance(24 * time.Hour)
	state, err = f.svc.RequestExtension(ctx, RequestExtensionInput{
		RequestID:    requestID,
		UserID:       "student",
		ModuleID:     "m1",
		RequestedDue: day0().AddDate(0, 0, 9),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ModuleStatusReopened, state.Status)
	assert.Equal(t, []models.NotificationAudience{models.AudienceApprovers, models.AudienceRequester}, audiences(f.dispatcher.last(t).payloads))

	state, err = f.svc.ApplyAction(ctx, requestID, "m1", "t2", ActionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, models.ModuleStatusApproved, state.Status)

	var path []models.ModuleStatus
	for _, ev := range f.store.historyOf(requestID) {
		if ev.Kind == models.HistoryKindState {
			path = append(path, *ev.ToStatus)
		}
	}
	assert.Equal(t, []models.ModuleStatus{
		models.ModuleStatusNew, models.ModuleStatusDenied, models.ModuleStatusReopened, models.ModuleStatusApproved,
	}, path)
}

func TestRequestExtensionAddsModuleToOpenRequest(t *testing.T) {
	f := newExtensionFixture(t, teacherApproves())
	ctx := context.Background()
	requestID := f.open(t)

	state, err := f.svc.RequestExtension(ctx, RequestExtensionInput{
		RequestID:    requestID,
		UserID:       "student",
		ModuleID:     "m2",
		RequestedDue: day0().AddDate(0, 0, 16),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ModuleStatusNew, state.Status)
	assert.Equal(t, 2, state.RequestedDeltaDays)
	assert.Equal(t, "Lab", f.dispatcher.last(t).payloads[0].Data["ModuleName"])

	_, err = f.svc.RequestExtension(ctx, RequestExtensionInput{
		RequestID: requestID, UserID: "student", ModuleID: "m2", RequestedDue: day0().AddDate(0, 0, 20),
	})
	assert.ErrorIs(t, err, appErrors.ErrConflict)

	_, err = f.svc.RequestExtension(ctx, RequestExtensionInput{
		RequestID: requestID, UserID: "t1", ModuleID: "m2", RequestedDue: day0().AddDate(0, 0, 20),
	})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestRequestExtensionValidation(t *testing.T) {
	f := newExtensionFixture(t, teacherApproves())
	ctx := context.Background()

	_, err := f.svc.RequestExtension(ctx, RequestExtensionInput{UserID: "student", ModuleID: "m1"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.svc.RequestExtension(ctx, RequestExtensionInput{
		UserID: "student", ModuleID: "m1", RequestedDue: day0().AddDate(0, 0, 7).Add(12 * time.Hour),
	})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.svc.RequestExtension(ctx, RequestExtensionInput{
		UserID: "student", ModuleID: "missing", RequestedDue: day0().AddDate(0, 0, 10),
	})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.Zero(t, f.store.txCount)
}

func TestApplyActionPermissions(t *testing.T) {
	f := newExtensionFixture(t, teacherApproves())
	ctx := context.Background()
	requestID := f.open(t)

	_, err := f.svc.ApplyAction(ctx, requestID, "m1", "t1", ActionCancel, "")
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = f.svc.ApplyAction(ctx, requestID, "m1", "stranger", ActionDeny, "")
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = f.svc.ApplyAction(ctx, requestID, "m1", "student", ActionApprove, "")
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	_, err = f.svc.ApplyAction(ctx, requestID, "m1", "t1", ActionForceApprove, "")
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = f.svc.ApplyAction(ctx, requestID, "m1", "student", "escalate", "")
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.svc.ApplyAction(ctx, requestID, "m9", "student", ActionCancel, "")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	state, err := f.svc.ApplyAction(ctx, requestID, "m1", "boss", ActionForceApprove, "override")
	require.NoError(t, err)
	assert.Equal(t, models.ModuleStatusApproved, state.Status)

	_, err = f.svc.ApplyAction(ctx, requestID, "m1", "student", ActionCancel, "")
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)
}

func TestSubscribeRequiresVisibility(t *testing.T) {
	f := newExtensionFixture(t, teacherApproves())
	ctx := context.Background()
	requestID := f.open(t)
	calls := len(f.dispatcher.calls)

	_, err := f.svc.ApplyAction(ctx, requestID, "m1", "stranger", ActionSubscribe, "")
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
	_, err = f.svc.Status(ctx, requestID, "stranger")
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
	assert.Len(t, f.dispatcher.calls, calls)

	_, err = f.svc.ApplyAction(ctx, requestID, "m1", "t1", ActionSubscribe, "")
	require.NoError(t, err)
	mat, err := f.svc.Status(ctx, requestID, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, mat.Subscribers)
	history := f.store.historyOf(requestID)
	assert.Equal(t, models.HistoryKindSubscribe, history[len(history)-1].Kind)
}

func TestRequesterCancels(t *testing.T) {
	f := newExtensionFixture(t, teacherApproves())
	requestID := f.open(t)

	state, err := f.svc.ApplyAction(context.Background(), requestID, "m1", "student", ActionCancel, "")
	require.NoError(t, err)
	assert.Equal(t, models.ModuleStatusCancelled, state.Status)
	assert.True(t, state.Status.Terminal())
}

func TestAddComment(t *testing.T) {
	f := newExtensionFixture(t, teacherApproves())
	ctx := context.Background()
	requestID := f.open(t)

	_, err := f.svc.AddComment(ctx, requestID, "t1", "   ")
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = f.svc.AddComment(ctx, requestID, "stranger", "hello")
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	event, err := f.svc.AddComment(ctx, requestID, "t1", " please attach a note ")
	require.NoError(t, err)
	assert.Equal(t, models.HistoryKindComment, event.Kind)
	assert.Equal(t, "please attach a note", event.Payload["text"])

	call := f.dispatcher.last(t)
	require.Len(t, call.payloads, 1)
	assert.Equal(t, models.AudienceAll, call.payloads[0].Audience)
	assert.Equal(t, "t1", call.actorID)

	history, err := f.svc.History(ctx, requestID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryKindComment, history[len(history)-1].Kind)
	assert.Equal(t, "t1", f.store.request(requestID).LastModBy)
}

func TestStatusVisibility(t *testing.T) {
	f := newExtensionFixture(t, teacherApproves())
	ctx := context.Background()
	requestID := f.open(t)

	access, err := f.svc.AccessFor(ctx, requestID, "student")
	require.NoError(t, err)
	assert.True(t, access.Requester)
	assert.True(t, access.CanView())
	assert.False(t, access.CanDecide())

	access, err = f.svc.AccessFor(ctx, requestID, "t1")
	require.NoError(t, err)
	assert.True(t, access.Subscribed)
	assert.True(t, access.CanDecide())

	_, err = f.svc.Status(ctx, requestID, "stranger")
	assert.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = f.svc.Status(ctx, "req-404", "student")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestBusyRequestIsRejected(t *testing.T) {
	f := newExtensionFixture(t, teacherApproves())
	requestID := f.open(t)

	release, err := f.locker.TryAcquire(context.Background(), cache.LockKey("request:"+requestID), time.Minute)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.svc.ApplyAction(ctx, requestID, "m1", "student", ActionCancel, "")
	assert.ErrorIs(t, err, appErrors.ErrLockNotAcquired)
	assert.Equal(t, models.ModuleStatusNew, f.store.module(requestID, "m1").Status)
}

func TestEvaluateWithoutRulesIsNoop(t *testing.T) {
	f := newExtensionFixture(t)
	requestID := f.open(t)

	state, err := f.svc.EvaluateAndApply(context.Background(), requestID, "m1", "t1")
	require.NoError(t, err)
	assert.Equal(t, models.ModuleStatusNew, state.Status)
}
