package models

import "time"

// RuleComparator selects how a measured day count is compared with a rule threshold.
type RuleComparator string

const (
	ComparatorLessThan       RuleComparator = "lt"
	ComparatorGreaterOrEqual RuleComparator = "ge"
	ComparatorAny            RuleComparator = "any"
)

// RuleAction is what a matching rule grants to its role.
type RuleAction string

const (
	RuleActionApprove      RuleAction = "approve"
	RuleActionSubscribe    RuleAction = "subscribe"
	RuleActionForceApprove RuleAction = "force-approve"
)

// Rule is one node of a trigger rule hierarchy for a course-module data type.
type Rule struct {
	ID                   string         `db:"id" json:"id" toml:"id" validate:"required"`
	DataType             string         `db:"datatype" json:"datatype" toml:"datatype" validate:"required"`
	Name                 string         `db:"name" json:"name" toml:"name"`
	Priority             int            `db:"priority" json:"priority" toml:"priority" validate:"min=1,max=10"`
	ParentID             *string        `db:"parent_id" json:"parentId,omitempty" toml:"parent"`
	LengthComparator     RuleComparator `db:"length_comparator" json:"lengthComparator" toml:"length_comparator" validate:"rule_comparator"`
	LengthThresholdDays  int            `db:"length_threshold_days" json:"lengthThresholdDays" toml:"length_days" validate:"gte=0"`
	ElapsedComparator    RuleComparator `db:"elapsed_comparator" json:"elapsedComparator" toml:"elapsed_comparator" validate:"rule_comparator"`
	ElapsedThresholdDays int            `db:"elapsed_threshold_days" json:"elapsedThresholdDays" toml:"elapsed_days" validate:"gte=0"`
	Role                 string         `db:"role" json:"role" toml:"role" validate:"required"`
	Action               RuleAction     `db:"action" json:"action" toml:"action" validate:"rule_action"`
	NotifySubject        string         `db:"notify_subject" json:"notifySubject" toml:"notify_subject"`
	NotifyBody           string         `db:"notify_body" json:"notifyBody" toml:"notify_body"`
	RequesterSubject     string         `db:"requester_subject" json:"requesterSubject" toml:"requester_subject"`
	RequesterBody        string         `db:"requester_body" json:"requesterBody" toml:"requester_body"`
	CreatedAt            time.Time      `db:"created_at" json:"createdAt" toml:"-"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updatedAt" toml:"-"`
}

// IsRoot reports whether the rule has no parent and is therefore always eligible.
func (r Rule) IsRoot() bool {
	return r.ParentID == nil || *r.ParentID == ""
}

// Parent returns the parent rule id or an empty string for roots.
func (r Rule) Parent() string {
	if r.ParentID == nil {
		return ""
	}
	return *r.ParentID
}
