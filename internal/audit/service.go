// Package audit replays rules over stored mail and reports rules that need attention.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joshsymonds/mailtriage/internal/gmail"
	"github.com/joshsymonds/mailtriage/internal/mail"
	"github.com/joshsymonds/mailtriage/internal/rules"
)

const defaultTopN = 10

// Store supplies the messages to replay.
type Store interface {
	All(ctx context.Context) ([]mail.Message, error)
}

// Labels resolves move destinations. A nil Labels skips the missing-label check.
type Labels interface {
	ResolveLabelID(ctx context.Context, name string) (gmail.LabelID, bool)
}

// Service runs lint analyses against the local store.
type Service struct {
	Store  Store
	Labels Labels
	Logger *slog.Logger
	Clock  func() time.Time
	TopN   int
}

// NewService constructs a Service with sane defaults.
func NewService(st Store, labels Labels, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Service{
		Store:  st,
		Labels: labels,
		Logger: logger,
		Clock:  time.Now,
		TopN:   defaultTopN,
	}
}

// RunLint evaluates rs against every stored message without executing anything.
func (s *Service) RunLint(ctx context.Context, rs rules.RuleSet) (LintReport, error) {
	msgs, err := s.Store.All(ctx)
	if err != nil {
		return LintReport{}, fmt.Errorf("load messages: %w", err)
	}
	s.Logger.InfoContext(ctx, "running lint", slog.Int("rules", len(rs)), slog.Int("messages", len(msgs)))

	// the evaluator logs every match and invalid condition; lint reports them instead
	eval := rules.NewEvaluator(rs, slog.New(slog.DiscardHandler))
	eval.Clock = s.Clock

	rep := LintReport{GeneratedAt: s.Clock(), Total: len(msgs), Rules: len(rs)}
	matches := make(map[string]int, len(rs))
	invalid := map[InvalidCondition]int{}
	conflicts := map[string]*Conflict{}
	var unmatched []mail.Message

	for _, msg := range msgs {
		results := eval.Explain(msg)
		matched := false
		for _, res := range results {
			for _, cr := range res.Conditions {
				if cr.Verdict == rules.Invalid {
					invalid[InvalidCondition{Rule: res.Rule, Condition: cr.Condition, Reason: cr.Reason}]++
				}
			}
			if res.Matched {
				matches[res.Rule]++
				matched = true
			}
		}
		if !matched {
			unmatched = append(unmatched, msg)
		}
		for _, c := range messageConflicts(results) {
			key := strings.Join(c.Rules, "\x00") + "\x00" + c.Description
			if prev, ok := conflicts[key]; ok {
				prev.Messages++
				continue
			}
			c.Messages = 1
			conflicts[key] = &c
		}
	}

	if len(msgs) > 0 {
		for _, rule := range rs {
			if matches[rule.Name] > 0 {
				continue
			}
			reason := "no stored message matched"
			if allInvalid(rule, invalid) {
				reason = "conditions cannot be evaluated"
			}
			rep.Findings.DeadRules = append(rep.Findings.DeadRules, RuleFinding{Name: rule.Name, Reason: reason})
		}
	}
	rep.Findings.MissingLabels = s.missingLabels(ctx, rs)
	rep.Findings.InvalidConditions = sortedInvalid(invalid)
	rep.Findings.Conflicts = sortedConflicts(conflicts)
	rep.Unmatched = rankSenders(unmatched, s.topN())
	rep.Suggestions = suggestRules(rep.Unmatched)
	return rep, nil
}

func (s *Service) missingLabels(ctx context.Context, rs rules.RuleSet) []string {
	if s.Labels == nil {
		return nil
	}
	var missing []string
	for _, rule := range rs {
		for _, a := range rule.Actions {
			a = a.Normalized()
			if a.Type != rules.ActionMoveMessage || a.Destination == "" {
				continue
			}
			if _, ok := s.Labels.ResolveLabelID(ctx, a.Destination); !ok {
				missing = appendIfMissing(missing, a.Destination)
			}
		}
	}
	sort.Strings(missing)
	return missing
}

func (s *Service) topN() int {
	if s.TopN <= 0 {
		return defaultTopN
	}
	return s.TopN
}

// messageConflicts finds contradictory actions that several matching rules would
// apply to one message.
func messageConflicts(results []rules.RuleResult) []Conflict {
	var (
		readRules, unreadRules []string
		moves                  = map[string][]string{}
	)
	for _, res := range results {
		if !res.Matched {
			continue
		}
		for _, a := range res.Actions {
			a = a.Normalized()
			switch a.Type {
			case rules.ActionMarkRead:
				readRules = appendIfMissing(readRules, res.Rule)
			case rules.ActionMarkUnread:
				unreadRules = appendIfMissing(unreadRules, res.Rule)
			case rules.ActionMoveMessage:
				moves[a.Destination] = appendIfMissing(moves[a.Destination], res.Rule)
			}
		}
	}

	var out []Conflict
	if len(readRules) > 0 && len(unreadRules) > 0 {
		out = append(out, Conflict{
			Rules:       union(readRules, unreadRules),
			Description: "marks the same message read and unread",
		})
	}
	if len(moves) > 1 {
		dests := make([]string, 0, len(moves))
		var names []string
		for dest, rs := range moves {
			dests = append(dests, dest)
			names = union(names, rs)
		}
		sort.Strings(dests)
		out = append(out, Conflict{
			Rules:       names,
			Description: "moves the same message to " + strings.Join(dests, " and "),
		})
	}
	return out
}

func allInvalid(rule rules.Rule, invalid map[InvalidCondition]int) bool {
	if len(rule.Conditions) == 0 {
		return false
	}
	bad := map[rules.Condition]bool{}
	for ic := range invalid {
		if ic.Rule == rule.Name {
			bad[ic.Condition] = true
		}
	}
	for _, c := range rule.Conditions {
		if !bad[c] {
			return false
		}
	}
	return true
}

func sortedInvalid(m map[InvalidCondition]int) []InvalidFinding {
	out := make([]InvalidFinding, 0, len(m))
	for ic, n := range m {
		out = append(out, InvalidFinding{InvalidCondition: ic, Messages: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].Condition.Field+out[i].Condition.Predicate < out[j].Condition.Field+out[j].Condition.Predicate
	})
	return out
}

func sortedConflicts(m map[string]*Conflict) []Conflict {
	out := make([]Conflict, 0, len(m))
	for _, c := range m {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.Join(out[i].Rules, ","), strings.Join(out[j].Rules, ",")
		if a != b {
			return a < b
		}
		return out[i].Description < out[j].Description
	})
	return out
}

func union(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, v := range b {
		out = appendIfMissing(out, v)
	}
	sort.Strings(out)
	return out
}

func appendIfMissing(slice []string, val string) []string {
	for _, existing := range slice {
		if existing == val {
			return slice
		}
	}
	return append(slice, val)
}
