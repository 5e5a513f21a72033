package rules

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joshsymonds/mailtriage/internal/mail"
)

// Verdict is the outcome of one condition.
type Verdict int

const (
	NoMatch Verdict = iota
	Match
	// Invalid marks a condition that could not be evaluated (unknown field or predicate,
	// malformed date). It never matches.
	Invalid
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case NoMatch:
		return "no-match"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// ConditionResult records how a condition evaluated and, for Invalid, why.
type ConditionResult struct {
	Condition Condition
	Verdict   Verdict
	Reason    string
}

// RuleResult is the trace of one rule against one message.
type RuleResult struct {
	Rule       string
	Matched    bool
	Conditions []ConditionResult
	Actions    []Action
}

// Evaluator matches messages against a loaded rule set. It holds no mutable state and
// may be shared between goroutines.
type Evaluator struct {
	rules  RuleSet
	Logger *slog.Logger
	Clock  func() time.Time
}

// NewEvaluator constructs an Evaluator over rules.
func NewEvaluator(rules RuleSet, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Evaluator{rules: rules, Logger: logger, Clock: time.Now}
}

// Evaluate returns the actions of every matching rule, in rule order. Actions are not
// deduplicated across rules.
func (e *Evaluator) Evaluate(msg mail.Message) []Action {
	var actions []Action
	for _, res := range e.Explain(msg) {
		if res.Matched {
			actions = append(actions, res.Actions...)
		}
	}
	return actions
}

// Explain evaluates every rule and returns the full trace.
func (e *Evaluator) Explain(msg mail.Message) []RuleResult {
	now := e.Clock()
	results := make([]RuleResult, 0, len(e.rules))
	for _, rule := range e.rules {
		res := RuleResult{
			Rule:       rule.Name,
			Conditions: make([]ConditionResult, 0, len(rule.Conditions)),
		}
		for _, cond := range rule.Conditions {
			cr := e.evaluateCondition(msg, cond, now)
			if cr.Verdict == Invalid {
				e.Logger.Warn("condition not evaluable",
					slog.String("rule", rule.Name),
					slog.String("message_id", msg.ID),
					slog.String("field", cond.Field),
					slog.String("predicate", cond.Predicate),
					slog.String("reason", cr.Reason),
				)
			}
			res.Conditions = append(res.Conditions, cr)
		}
		res.Matched = combine(rule.Mode, res.Conditions)
		if res.Matched {
			res.Actions = append([]Action(nil), rule.Actions...)
			e.Logger.Info("rule matched", slog.String("rule", rule.Name), slog.String("message_id", msg.ID))
		}
		results = append(results, res)
	}
	return results
}

// EvaluateCondition evaluates a single condition at the current instant.
func (e *Evaluator) EvaluateCondition(msg mail.Message, cond Condition) ConditionResult {
	return e.evaluateCondition(msg, cond, e.Clock())
}

func combine(mode Mode, results []ConditionResult) bool {
	m, ok := parseMode(string(mode))
	if !ok {
		return false
	}
	if m == ModeAny {
		for _, r := range results {
			if r.Verdict == Match {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if r.Verdict != Match {
			return false
		}
	}
	return true
}

func (e *Evaluator) evaluateCondition(msg mail.Message, cond Condition, now time.Time) (res ConditionResult) {
	res = ConditionResult{Condition: cond}
	defer func() {
		if r := recover(); r != nil {
			res.Verdict = Invalid
			res.Reason = fmt.Sprintf("panic: %v", r)
		}
	}()

	value, ok := resolveField(msg, cond.Field)
	if !ok {
		return invalid(res, fmt.Sprintf("unknown field %q", cond.Field))
	}

	predicate := strings.ToLower(strings.TrimSpace(cond.Predicate))
	target := strings.ToLower(cond.Value)
	switch predicate {
	case "contains":
		return verdict(res, strings.Contains(strings.ToLower(value.text), target))
	case "not_contains":
		return verdict(res, !strings.Contains(strings.ToLower(value.text), target))
	case "equals":
		return verdict(res, strings.ToLower(value.text) == target)
	case "not_equals":
		return verdict(res, strings.ToLower(value.text) != target)
	case "greater_than", "less_than":
		if !value.isTime {
			return invalid(res, fmt.Sprintf("field %q is not a date", cond.Field))
		}
		at, err := ParseRelative(cond.Value, now)
		if err != nil {
			return invalid(res, err.Error())
		}
		if predicate == "greater_than" {
			return verdict(res, value.time.After(at))
		}
		return verdict(res, value.time.Before(at))
	default:
		return invalid(res, fmt.Sprintf("unknown predicate %q", cond.Predicate))
	}
}

type fieldValue struct {
	text   string
	time   time.Time
	isTime bool
}

const receivedTextLayout = "2006-01-02 15:04:05"

func resolveField(msg mail.Message, field string) (fieldValue, bool) {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "from", "sender":
		return fieldValue{text: msg.Sender}, true
	case "to", "recipient":
		return fieldValue{text: msg.Recipient}, true
	case "subject":
		return fieldValue{text: msg.Subject}, true
	case "message", "body":
		return fieldValue{text: msg.Body}, true
	case "received_date", "received_at", "date":
		if msg.ReceivedAt.IsZero() {
			return fieldValue{}, false
		}
		return fieldValue{
			text:   msg.ReceivedAt.UTC().Format(receivedTextLayout),
			time:   msg.ReceivedAt,
			isTime: true,
		}, true
	default:
		return fieldValue{}, false
	}
}

func verdict(res ConditionResult, matched bool) ConditionResult {
	if matched {
		res.Verdict = Match
	} else {
		res.Verdict = NoMatch
	}
	return res
}

func invalid(res ConditionResult, reason string) ConditionResult {
	res.Verdict = Invalid
	res.Reason = reason
	return res
}
