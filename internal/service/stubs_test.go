package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	"github.com/noah-isme/sma-adp-extension/internal/repository"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
)

var errStubWrite = errors.New("write failed")

type requestData struct {
	requests    map[string]models.Request
	modules     map[string]map[string]models.ModuleState
	history     map[string][]models.HistoryEvent
	subscribers map[string]map[string]bool
	access      map[string]map[string]models.RuleAction
}

func (d *requestData) clone() *requestData {
	out := &requestData{
		requests:    make(map[string]models.Request, len(d.requests)),
		modules:     make(map[string]map[string]models.ModuleState, len(d.modules)),
		history:     make(map[string][]models.HistoryEvent, len(d.history)),
		subscribers: make(map[string]map[string]bool, len(d.subscribers)),
		access:      make(map[string]map[string]models.RuleAction, len(d.access)),
	}
	for k, v := range d.requests {
		out.requests[k] = v
	}
	for k, v := range d.modules {
		m := make(map[string]models.ModuleState, len(v))
		for mk, mv := range v {
			m[mk] = mv
		}
		out.modules[k] = m
	}
	for k, v := range d.history {
		out.history[k] = append([]models.HistoryEvent(nil), v...)
	}
	for k, v := range d.subscribers {
		m := make(map[string]bool, len(v))
		for mk, mv := range v {
			m[mk] = mv
		}
		out.subscribers[k] = m
	}
	for k, v := range d.access {
		m := make(map[string]models.RuleAction, len(v))
		for mk, mv := range v {
			m[mk] = mv
		}
		out.access[k] = m
	}
	return out
}

// requestStoreStub keeps requests in memory. InTx works on a copy that is
// only kept when fn succeeds.
type requestStoreStub struct {
	mu      sync.Mutex
	data    *requestData
	seq     int
	txCount int
	// failOn makes the named writer method fail.
	failOn string
}

func newRequestStoreStub() *requestStoreStub {
	return &requestStoreStub{data: (&requestData{}).clone()}
}

func (s *requestStoreStub) seedRequest(req models.Request, modules ...models.ModuleState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.requests[req.ID] = req
	if s.data.modules[req.ID] == nil {
		s.data.modules[req.ID] = map[string]models.ModuleState{}
	}
	for _, m := range modules {
		m.RequestID = req.ID
		s.data.modules[req.ID][m.ModuleID] = m
		status := m.Status
		moduleID := m.ModuleID
		s.seq++
		s.data.history[req.ID] = append(s.data.history[req.ID], models.HistoryEvent{
			ID:        "seed-" + strconv.Itoa(s.seq),
			RequestID: req.ID,
			ModuleID:  &moduleID,
			ActorID:   req.UserID,
			Timestamp: req.CreatedAt,
			Kind:      models.HistoryKindState,
			ToStatus:  &status,
		})
	}
}

func (s *requestStoreStub) module(requestID, moduleID string) models.ModuleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.modules[requestID][moduleID]
}

func (s *requestStoreStub) historyOf(requestID string) []models.HistoryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.HistoryEvent(nil), s.data.history[requestID]...)
}

func (s *requestStoreStub) request(requestID string) models.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.requests[requestID]
}

func (s *requestStoreStub) InTx(ctx context.Context, fn func(repository.RequestWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++
	work := s.data.clone()
	if err := fn(&requestTxStub{store: s, data: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *requestStoreStub) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.data.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &req, nil
}

func (s *requestStoreStub) ListModules(ctx context.Context, requestID string) ([]models.ModuleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ModuleState
	for _, m := range s.data.modules[requestID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleID < out[j].ModuleID })
	return out, nil
}

func (s *requestStoreStub) ListHistory(ctx context.Context, requestID string) ([]models.HistoryEvent, error) {
	return s.historyOf(requestID), nil
}

func (s *requestStoreStub) ListSubscribers(ctx context.Context, requestID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.data.subscribers[requestID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *requestStoreStub) ListAccess(ctx context.Context, requestID string) (map[string]models.RuleAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]models.RuleAction{}
	for k, v := range s.data.access[requestID] {
		out[k] = v
	}
	return out, nil
}

type requestTxStub struct {
	store *requestStoreStub
	data  *requestData
}

func (w *requestTxStub) fail(method string) error {
	if w.store.failOn == method {
		return errStubWrite
	}
	return nil
}

func (w *requestTxStub) CreateRequest(ctx context.Context, req *models.Request) error {
	if err := w.fail("CreateRequest"); err != nil {
		return err
	}
	if req.ID == "" {
		w.store.seq++
		req.ID = "req-" + strconv.Itoa(w.store.seq)
	}
	w.data.requests[req.ID] = *req
	w.data.modules[req.ID] = map[string]models.ModuleState{}
	return nil
}

func (w *requestTxStub) LockRequest(ctx context.Context, requestID string) (*models.Request, error) {
	req, ok := w.data.requests[requestID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &req, nil
}

func (w *requestTxStub) GetModule(ctx context.Context, requestID, moduleID string) (*models.ModuleState, error) {
	m, ok := w.data.modules[requestID][moduleID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &m, nil
}

func (w *requestTxStub) UpsertModule(ctx context.Context, state *models.ModuleState) error {
	if err := w.fail("UpsertModule"); err != nil {
		return err
	}
	if w.data.modules[state.RequestID] == nil {
		w.data.modules[state.RequestID] = map[string]models.ModuleState{}
	}
	w.data.modules[state.RequestID][state.ModuleID] = *state
	return nil
}

func (w *requestTxStub) TransitionModule(ctx context.Context, p repository.TransitionParams) error {
	if err := w.fail("TransitionModule"); err != nil {
		return err
	}
	m, ok := w.data.modules[p.RequestID][p.ModuleID]
	if !ok || m.Status != p.From {
		return sql.ErrNoRows
	}
	m.Status = p.To
	if p.GrantedDelta != nil {
		m.GrantedDeltaDays = *p.GrantedDelta
	}
	if p.Action != nil {
		action := *p.Action
		m.LastAction = &action
	}
	m.UpdatedAt = p.At
	w.data.modules[p.RequestID][p.ModuleID] = m
	return nil
}

func (w *requestTxStub) AppendHistory(ctx context.Context, event *models.HistoryEvent) error {
	if err := w.fail("AppendHistory"); err != nil {
		return err
	}
	if event.ID == "" {
		w.store.seq++
		event.ID = "ev-" + strconv.Itoa(w.store.seq)
	}
	w.data.history[event.RequestID] = append(w.data.history[event.RequestID], *event)
	return nil
}

func (w *requestTxStub) AddSubscribers(ctx context.Context, requestID string, userIDs []string, at time.Time) error {
	if err := w.fail("AddSubscribers"); err != nil {
		return err
	}
	if w.data.subscribers[requestID] == nil {
		w.data.subscribers[requestID] = map[string]bool{}
	}
	for _, id := range userIDs {
		w.data.subscribers[requestID][id] = true
	}
	return nil
}

func (w *requestTxStub) ReplaceAccess(ctx context.Context, requestID string, access map[string]models.RuleAction) error {
	if err := w.fail("ReplaceAccess"); err != nil {
		return err
	}
	m := make(map[string]models.RuleAction, len(access))
	for k, v := range access {
		m[k] = v
	}
	w.data.access[requestID] = m
	return nil
}

func (w *requestTxStub) Touch(ctx context.Context, requestID, actorID string, at time.Time) error {
	if err := w.fail("Touch"); err != nil {
		return err
	}
	req, ok := w.data.requests[requestID]
	if !ok {
		return sql.ErrNoRows
	}
	req.LastMod = at
	req.LastModBy = actorID
	w.data.requests[requestID] = req
	return nil
}

// rolesStub maps "role/course" to principals.
type rolesStub map[string][]string

func (r rolesStub) ResolvePrincipals(ctx context.Context, role, courseID string) ([]string, error) {
	return r[role+"/"+courseID], nil
}

type capabilityStub map[string]bool

func (c capabilityStub) HasCapability(ctx context.Context, userID, capability, courseID string) (bool, error) {
	return c[userID+"/"+capability], nil
}

type usersStub map[string]models.Recipient

func (u usersStub) User(ctx context.Context, id string) (models.Recipient, error) {
	user, ok := u[id]
	if !ok {
		return models.Recipient{}, appErrors.Clone(appErrors.ErrNotFound, "user not found")
	}
	return user, nil
}

type modulesStub map[string]ModuleSnapshot

func (m modulesStub) ModuleSnapshot(ctx context.Context, moduleID string) (ModuleSnapshot, error) {
	snap, ok := m[moduleID]
	if !ok {
		return ModuleSnapshot{}, appErrors.Clone(appErrors.ErrNotFound, "course module not found")
	}
	return snap, nil
}

type invalidationRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *invalidationRecorder) Invalidate(ctx context.Context, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, requestID)
}

type historySinkStub struct {
	mu     sync.Mutex
	events []models.HistoryEvent
}

func (h *historySinkStub) Publish(ctx context.Context, events []models.HistoryEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, events...)
}

func day0() time.Time {
	return time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T {
	return &v
}
