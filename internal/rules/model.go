// Package rules loads declarative triage rules and evaluates messages against them.
package rules

import "strings"

// Mode combines a rule's condition results.
type Mode string

const (
	ModeAll Mode = "all" // conjunction; zero conditions match
	ModeAny Mode = "any" // disjunction; zero conditions never match
)

// ActionType tags an Action. The set is open: unknown types load fine and are rejected
// by the executor.
type ActionType string

const (
	ActionMarkRead    ActionType = "mark_read"
	ActionMarkUnread  ActionType = "mark_unread"
	ActionMoveMessage ActionType = "move_message"
)

// Condition compares one message field with Value using Predicate.
type Condition struct {
	Field     string `json:"field"`
	Predicate string `json:"predicate"`
	Value     string `json:"value"`
}

// Action is a side effect to apply to a matching message.
type Action struct {
	Type        ActionType `json:"type"`
	Destination string     `json:"destination,omitempty"`
}

// Normalized returns the action with its type lowercased and trimmed.
func (a Action) Normalized() Action {
	a.Type = ActionType(strings.ToLower(strings.TrimSpace(string(a.Type))))
	return a
}

func (a Action) String() string {
	if a.Destination == "" {
		return string(a.Type)
	}
	return string(a.Type) + " -> " + a.Destination
}

// Rule is one named set of conditions and the actions to run when they hold.
type Rule struct {
	Name       string      `json:"name"`
	Conditions []Condition `json:"conditions"`
	Mode       Mode        `json:"logic"`
	Actions    []Action    `json:"actions"`
}

// RuleSet is the ordered, read-only list of rules for one run.
type RuleSet []Rule

func parseMode(raw string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeAll:
		return ModeAll, true
	case ModeAny:
		return ModeAny, true
	default:
		return "", false
	}
}
