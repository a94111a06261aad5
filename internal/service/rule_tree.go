package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-extension/internal/models"
	appErrors "github.com/noah-isme/sma-adp-extension/pkg/errors"
)

// Diagnostic reasons for rules that are skipped.
const (
	DiagnosticInvalidRecord     = "invalid_record"
	DiagnosticNegativeThreshold = "negative_threshold"
	DiagnosticUnknownComparator = "unknown_comparator"
	DiagnosticUnknownAction     = "unknown_action"
	DiagnosticPriorityRange     = "priority_out_of_range"
	DiagnosticDuplicateID       = "duplicate_id"
	DiagnosticMissingParent     = "missing_parent"
	DiagnosticUnresolvedRole    = "unresolved_role"
)

// RuleDiagnostic records why a rule was not evaluated.
type RuleDiagnostic struct {
	RuleID string `json:"ruleId"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// RuleTree is an arena of rules for one data type. Children are index lists
// sorted by ascending priority, ties broken by id.
type RuleTree struct {
	DataType string

	rules       []models.Rule
	index       map[string]int
	children    [][]int
	roots       []int
	malformed   map[int]RuleDiagnostic
	diagnostics []RuleDiagnostic
}

// Len returns the number of rules in the arena.
func (t *RuleTree) Len() int { return len(t.rules) }

// Rule returns a rule by id.
func (t *RuleTree) Rule(id string) (models.Rule, bool) {
	i, ok := t.index[id]
	if !ok {
		return models.Rule{}, false
	}
	return t.rules[i], true
}

// Roots returns the root rules in evaluation order.
func (t *RuleTree) Roots() []models.Rule {
	return t.collect(t.roots)
}

// Children returns the direct children of a rule in evaluation order.
func (t *RuleTree) Children(id string) []models.Rule {
	i, ok := t.index[id]
	if !ok {
		return nil
	}
	return t.collect(t.children[i])
}

// Diagnostics lists records rejected while building the tree.
func (t *RuleTree) Diagnostics() []RuleDiagnostic {
	return append([]RuleDiagnostic(nil), t.diagnostics...)
}

func (t *RuleTree) collect(idx []int) []models.Rule {
	out := make([]models.Rule, len(idx))
	for i, ix := range idx {
		out[i] = t.rules[ix]
	}
	return out
}

// ruleValidator checks the shape of a rule record.
func newRuleValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("rule_comparator", func(fl validator.FieldLevel) bool {
		switch models.RuleComparator(fl.Field().String()) {
		case models.ComparatorLessThan, models.ComparatorGreaterOrEqual, models.ComparatorAny:
			return true
		default:
			return false
		}
	})
	_ = validate.RegisterValidation("rule_action", func(fl validator.FieldLevel) bool {
		switch models.RuleAction(fl.Field().String()) {
		case models.RuleActionApprove, models.RuleActionSubscribe, models.RuleActionForceApprove:
			return true
		default:
			return false
		}
	})
	return validate
}

func validateRule(validate *validator.Validate, rule models.Rule) *RuleDiagnostic {
	err := validate.Struct(rule)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &RuleDiagnostic{RuleID: rule.ID, Reason: DiagnosticInvalidRecord, Detail: err.Error()}
	}
	fe := fieldErrs[0]
	reason := DiagnosticInvalidRecord
	switch fe.Tag() {
	case "gte":
		reason = DiagnosticNegativeThreshold
	case "rule_comparator":
		reason = DiagnosticUnknownComparator
	case "rule_action":
		reason = DiagnosticUnknownAction
	case "min", "max":
		if fe.Field() == "Priority" {
			reason = DiagnosticPriorityRange
		}
	}
	return &RuleDiagnostic{RuleID: rule.ID, Reason: reason, Detail: fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())}
}

// BuildRuleTree links flat records into a forest. A parent chain that revisits
// itself fails the whole tree with ErrCycleDetected. A rule whose parent is
// absent is quarantined together with its descendants and reported.
func BuildRuleTree(dataType string, records []models.Rule) (*RuleTree, error) {
	return buildRuleTree(newRuleValidator(), dataType, records)
}

func buildRuleTree(validate *validator.Validate, dataType string, records []models.Rule) (*RuleTree, error) {
	if len(records) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("no rules for data type %s", dataType))
	}

	tree := &RuleTree{
		DataType:  dataType,
		index:     make(map[string]int, len(records)),
		malformed: make(map[int]RuleDiagnostic),
	}
	for _, rule := range records {
		if _, dup := tree.index[rule.ID]; dup {
			tree.diagnostics = append(tree.diagnostics, RuleDiagnostic{RuleID: rule.ID, Reason: DiagnosticDuplicateID})
			continue
		}
		tree.index[rule.ID] = len(tree.rules)
		tree.rules = append(tree.rules, rule)
	}
	tree.children = make([][]int, len(tree.rules))

	if err := tree.checkCycles(); err != nil {
		return nil, err
	}

	for i, rule := range tree.rules {
		if diag := validateRule(validate, rule); diag != nil {
			tree.malformed[i] = *diag
		}
		if rule.IsRoot() {
			tree.roots = append(tree.roots, i)
			continue
		}
		parent, ok := tree.index[rule.Parent()]
		if !ok {
			tree.diagnostics = append(tree.diagnostics, RuleDiagnostic{
				RuleID: rule.ID,
				Reason: DiagnosticMissingParent,
				Detail: "parent " + rule.Parent() + " does not exist",
			})
			continue
		}
		tree.children[parent] = append(tree.children[parent], i)
	}

	tree.sortGroup(tree.roots)
	for i := range tree.children {
		tree.sortGroup(tree.children[i])
	}
	return tree, nil
}

func (t *RuleTree) sortGroup(group []int) {
	sort.SliceStable(group, func(a, b int) bool {
		ra, rb := t.rules[group[a]], t.rules[group[b]]
		if ra.Priority != rb.Priority {
			return ra.Priority < rb.Priority
		}
		return ra.ID < rb.ID
	})
}

// checkCycles walks every parent chain once, memoising finished nodes.
func (t *RuleTree) checkCycles() error {
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make([]int, len(t.rules))
	for start := range t.rules {
		if state[start] == done {
			continue
		}
		var path []int
		cur := start
		for {
			if state[cur] == done {
				break
			}
			if state[cur] == inProgress {
				return t.cycleError(path, cur)
			}
			state[cur] = inProgress
			path = append(path, cur)
			rule := t.rules[cur]
			if rule.IsRoot() {
				break
			}
			next, ok := t.index[rule.Parent()]
			if !ok {
				break
			}
			cur = next
		}
		for _, ix := range path {
			state[ix] = done
		}
	}
	return nil
}

func (t *RuleTree) cycleError(path []int, repeat int) error {
	ids := make([]string, 0, len(path)+1)
	inCycle := false
	for _, ix := range path {
		if ix == repeat {
			inCycle = true
		}
		if inCycle {
			ids = append(ids, t.rules[ix].ID)
		}
	}
	ids = append(ids, t.rules[repeat].ID)
	return appErrors.Clone(appErrors.ErrCycleDetected,
		fmt.Sprintf("rule hierarchy for %s contains a cycle: %s", t.DataType, strings.Join(ids, " -> ")))
}

type ruleSource interface {
	ListByDataType(ctx context.Context, dataType string) ([]models.Rule, error)
	GetByID(ctx context.Context, id string) (*models.Rule, error)
}

// RuleStore loads rule trees from persistence. It holds no cache.
type RuleStore struct {
	repo     ruleSource
	validate *validator.Validate
	logger   *zap.Logger
	metrics  *MetricsService
}

// NewRuleStore constructs the store.
func NewRuleStore(repo ruleSource, logger *zap.Logger, metrics *MetricsService) *RuleStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleStore{repo: repo, validate: newRuleValidator(), logger: logger, metrics: metrics}
}

// Load builds the rule tree of a data type.
func (s *RuleStore) Load(ctx context.Context, dataType string) (*RuleTree, error) {
	records, err := s.repo.ListByDataType(ctx, dataType)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rules")
	}
	tree, err := buildRuleTree(s.validate, dataType, records)
	if err != nil {
		if errors.Is(err, appErrors.ErrCycleDetected) {
			s.logger.Error("rule tree rejected", zap.String("datatype", dataType), zap.Error(err))
		}
		return nil, err
	}
	for _, diag := range tree.diagnostics {
		s.logger.Warn("rule quarantined",
			zap.String("datatype", dataType),
			zap.String("rule_id", diag.RuleID),
			zap.String("reason", diag.Reason),
			zap.String("detail", diag.Detail))
		s.metrics.RecordDiagnostic(diag.Reason)
	}
	return tree, nil
}

// LoadRule fetches one rule, requiring it to belong to dataType.
func (s *RuleStore) LoadRule(ctx context.Context, dataType, ruleID string) (*models.Rule, error) {
	rule, err := s.repo.GetByID(ctx, ruleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "rule not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rule")
	}
	if rule.DataType != dataType {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "rule not found")
	}
	return rule, nil
}
