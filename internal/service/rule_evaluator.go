package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-extension/internal/models"
)

const day = 24 * time.Hour

// WholeDays truncates a duration to complete days. A duration short of a full
// day never counts as one.
func WholeDays(d time.Duration) int {
	return int(d / day)
}

// RequestSnapshot is the read-only view of a request the evaluator compares
// against rule thresholds.
type RequestSnapshot struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	// RequestedDue is the due date asked for on the module under evaluation.
	RequestedDue time.Time
	// RequestedDays is the length recorded when the extension was asked for.
	// It wins over RequestedDue so a later due date move does not shrink it.
	RequestedDays int
	// At is the evaluation instant.
	At time.Time
}

// ElapsedDays is the number of whole days since the request was created.
func (r RequestSnapshot) ElapsedDays() int {
	return WholeDays(r.At.Sub(r.CreatedAt))
}

// LengthDays is the number of whole days asked for beyond the module due date.
func (r RequestSnapshot) LengthDays(module ModuleSnapshot) int {
	if r.RequestedDays > 0 {
		return r.RequestedDays
	}
	return WholeDays(r.RequestedDue.Sub(module.DueDate))
}

// RuleMatch is the action a role receives and the rule that granted it.
type RuleMatch struct {
	Action models.RuleAction `json:"action"`
	Rule   models.Rule       `json:"rule"`
}

// EvaluationResult is the outcome of one pass over a rule tree.
type EvaluationResult struct {
	// Actions maps role to the last matching rule for that role.
	Actions map[string]RuleMatch
	// Activated holds the input set plus every rule matched in this pass.
	Activated map[string]struct{}
	// Matched lists matched rule ids in visit order.
	Matched     []string
	Diagnostics []RuleDiagnostic
}

// Compare applies a comparator to an actual day count.
func Compare(cmp models.RuleComparator, actual, threshold int) bool {
	switch cmp {
	case models.ComparatorAny:
		return true
	case models.ComparatorLessThan:
		return actual < threshold
	case models.ComparatorGreaterOrEqual:
		return actual >= threshold
	default:
		return false
	}
}

// RuleEvaluator walks rule trees depth first in priority order.
type RuleEvaluator struct {
	resolver PrincipalResolver
	logger   *zap.Logger
	metrics  *MetricsService
}

// EvaluatorOption customises the evaluator.
type EvaluatorOption func(*RuleEvaluator)

// WithPrincipalCheck skips rules whose role resolves to nobody in the course.
func WithPrincipalCheck(resolver PrincipalResolver) EvaluatorOption {
	return func(e *RuleEvaluator) { e.resolver = resolver }
}

// WithEvaluatorMetrics records evaluation counters.
func WithEvaluatorMetrics(metrics *MetricsService) EvaluatorOption {
	return func(e *RuleEvaluator) { e.metrics = metrics }
}

// NewRuleEvaluator constructs an evaluator.
func NewRuleEvaluator(logger *zap.Logger, opts ...EvaluatorOption) *RuleEvaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &RuleEvaluator{logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type evaluationPass struct {
	ctx       context.Context
	tree      *RuleTree
	courseID  string
	length    int
	elapsed   int
	result    *EvaluationResult
	principal map[string]bool
}

// Evaluate returns the role to action mapping for one request module. The
// activated set passed in is copied, never modified, so repeated calls with
// the same inputs give the same result.
func (e *RuleEvaluator) Evaluate(ctx context.Context, tree *RuleTree, request RequestSnapshot, module ModuleSnapshot, activated map[string]struct{}) EvaluationResult {
	result := EvaluationResult{
		Actions:   make(map[string]RuleMatch),
		Activated: make(map[string]struct{}, len(activated)),
	}
	for id := range activated {
		result.Activated[id] = struct{}{}
	}
	if tree == nil {
		return result
	}

	pass := &evaluationPass{
		ctx:       ctx,
		tree:      tree,
		courseID:  module.CourseID,
		length:    request.LengthDays(module),
		elapsed:   request.ElapsedDays(),
		result:    &result,
		principal: make(map[string]bool),
	}
	e.walk(pass, tree.roots)

	for _, diag := range result.Diagnostics {
		e.logger.Warn("rule skipped",
			zap.String("datatype", tree.DataType),
			zap.String("rule_id", diag.RuleID),
			zap.String("reason", diag.Reason),
			zap.String("detail", diag.Detail))
		e.metrics.RecordDiagnostic(diag.Reason)
	}
	e.metrics.RecordEvaluation(tree.DataType, len(result.Matched) > 0)
	return result
}

func (e *RuleEvaluator) walk(pass *evaluationPass, group []int) {
	for _, ix := range group {
		rule := pass.tree.rules[ix]
		if !rule.IsRoot() {
			if _, ok := pass.result.Activated[rule.Parent()]; !ok {
				continue
			}
		}
		if diag, bad := pass.tree.malformed[ix]; bad {
			pass.result.Diagnostics = append(pass.result.Diagnostics, diag)
			continue
		}
		if !Compare(rule.LengthComparator, pass.length, rule.LengthThresholdDays) ||
			!Compare(rule.ElapsedComparator, pass.elapsed, rule.ElapsedThresholdDays) {
			continue
		}
		if !e.roleResolvable(pass, rule) {
			continue
		}

		pass.result.Actions[rule.Role] = RuleMatch{Action: rule.Action, Rule: rule}
		pass.result.Activated[rule.ID] = struct{}{}
		pass.result.Matched = append(pass.result.Matched, rule.ID)
		e.walk(pass, pass.tree.children[ix])
	}
}

func (e *RuleEvaluator) roleResolvable(pass *evaluationPass, rule models.Rule) bool {
	if e.resolver == nil {
		return true
	}
	ok, cached := pass.principal[rule.Role]
	if !cached {
		principals, err := e.resolver.ResolvePrincipals(pass.ctx, rule.Role, pass.courseID)
		ok = err == nil && len(principals) > 0
		pass.principal[rule.Role] = ok
		if err != nil {
			e.logger.Warn("resolve principals failed", zap.String("role", rule.Role), zap.String("course_id", pass.courseID), zap.Error(err))
		}
	}
	if !ok {
		pass.result.Diagnostics = append(pass.result.Diagnostics, RuleDiagnostic{
			RuleID: rule.ID,
			Reason: DiagnosticUnresolvedRole,
			Detail: "no principal holds role " + rule.Role,
		})
	}
	return ok
}
