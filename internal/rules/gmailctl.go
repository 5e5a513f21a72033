package rules

import (
	"context"
	"log/slog"
	"strings"

	"github.com/joshsymonds/mailtriage/internal/gmailctl"
	"github.com/joshsymonds/mailtriage/internal/mail"
)

// GmailctlSource provides a compiled gmailctl export.
type GmailctlSource interface {
	ExportFilters(ctx context.Context) (gmailctl.Export, error)
}

// LoadGmailctl builds a rule set from gmailctl's compiled filters. A failing export is
// reported as a *LoadError.
func LoadGmailctl(ctx context.Context, src GmailctlSource, logger *slog.Logger) (RuleSet, error) {
	export, err := src.ExportFilters(ctx)
	if err != nil {
		return nil, &LoadError{Path: "gmailctl", Err: err}
	}
	return FromGmailctl(export, logger), nil
}

// FromGmailctl converts filters whose criteria map onto conditions. A field listing
// several candidates ("a OR b") becomes an `any` rule; criteria that mix such a field with
// other fields, negations, or List-Id matching cannot be expressed and are skipped.
func FromGmailctl(export gmailctl.Export, logger *slog.Logger) RuleSet {
	labelNames := export.LabelNames()
	rules := make(RuleSet, 0, len(export.Filters))
	for _, filt := range export.Filters {
		name := filterName(filt)
		conds, mode, ok := criteriaConditions(filt.Criteria)
		if !ok {
			logger.Warn("skipping gmailctl filter with unsupported criteria", slog.String("rule", name))
			continue
		}
		actions := filterActions(filt.Action, labelNames)
		if len(actions) == 0 {
			logger.Debug("skipping gmailctl filter without replayable actions", slog.String("rule", name))
			continue
		}
		rules = append(rules, Rule{Name: name, Conditions: conds, Mode: mode, Actions: actions})
	}
	return rules
}

// conditionGroup holds alternatives for one criterion; groups are AND-ed together.
type conditionGroup []Condition

func criteriaConditions(c gmailctl.FilterCriteria) ([]Condition, Mode, bool) {
	if strings.TrimSpace(c.List) != "" {
		return nil, "", false
	}
	var groups []conditionGroup
	for _, f := range []struct{ field, raw string }{
		{"from", c.From},
		{"to", c.To},
		{"subject", c.Subject},
	} {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		groups = append(groups, candidatesGroup(f.field, splitCandidates(f.raw)))
	}
	if strings.TrimSpace(c.Query) != "" {
		qg, ok := queryGroups(c.Query)
		if !ok {
			return nil, "", false
		}
		groups = append(groups, qg...)
	}
	return flatten(groups)
}

func flatten(groups []conditionGroup) ([]Condition, Mode, bool) {
	if len(groups) == 0 {
		return nil, "", false
	}
	if len(groups) == 1 {
		g := groups[0]
		if len(g) == 1 {
			return g, ModeAll, true
		}
		return g, ModeAny, true
	}
	conds := make([]Condition, 0, len(groups))
	for _, g := range groups {
		if len(g) != 1 {
			return nil, "", false
		}
		conds = append(conds, g[0])
	}
	return conds, ModeAll, true
}

func candidatesGroup(field string, values []string) conditionGroup {
	g := make(conditionGroup, 0, len(values))
	for _, v := range values {
		g = append(g, Condition{Field: field, Predicate: "contains", Value: v})
	}
	return g
}

// queryGroups understands queries built from from:/to:/subject: tokens. A query joined
// with OR yields one group of alternatives; otherwise each token is its own group.
func queryGroups(query string) ([]conditionGroup, bool) {
	var (
		conds  []Condition
		sawOr  bool
		tokens = strings.Fields(query)
	)
	for _, raw := range tokens {
		tok := strings.Trim(raw, "()\"'{}")
		if tok == "" {
			continue
		}
		if strings.EqualFold(tok, "OR") {
			sawOr = true
			continue
		}
		if strings.HasPrefix(tok, "-") {
			return nil, false
		}
		cond, ok := conditionFromToken(tok)
		if !ok {
			return nil, false
		}
		conds = append(conds, cond)
	}
	if len(conds) == 0 {
		return nil, false
	}
	if sawOr {
		return []conditionGroup{conds}, true
	}
	groups := make([]conditionGroup, 0, len(conds))
	for _, c := range conds {
		groups = append(groups, conditionGroup{c})
	}
	return groups, true
}

func conditionFromToken(token string) (Condition, bool) {
	lower := strings.ToLower(token)
	for _, prefix := range []string{"from:", "to:", "subject:"} {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		vals := splitCandidates(token[len(prefix):])
		if len(vals) != 1 {
			return Condition{}, false
		}
		return Condition{Field: strings.TrimSuffix(prefix, ":"), Predicate: "contains", Value: vals[0]}, true
	}
	return Condition{}, false
}

func splitCandidates(raw string) []string {
	replacer := strings.NewReplacer(",", " ", ";", " ", "|", " ", "{", " ", "}", " ")
	parts := strings.Fields(replacer.Replace(raw))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.ToLower(strings.Trim(part, "\"'()"))
		if part == "" || strings.EqualFold(part, "OR") {
			continue
		}
		out = append(out, part)
	}
	return out
}

func filterActions(action gmailctl.FilterAction, labelNames map[string]string) []Action {
	var (
		actions  []Action
		archived bool
	)
	for _, id := range action.RemoveLabelIDs {
		switch id {
		case mail.LabelUnread:
			actions = append(actions, Action{Type: ActionMarkRead})
		case mail.LabelInbox:
			archived = true
		}
	}
	for _, id := range action.AddLabelIDs {
		if id == mail.LabelUnread {
			actions = append(actions, Action{Type: ActionMarkUnread})
			continue
		}
		name, ok := labelNames[id]
		if !ok || name == "" || !archived {
			continue
		}
		actions = append(actions, Action{Type: ActionMoveMessage, Destination: name})
	}
	return actions
}

func filterName(f gmailctl.Filter) string {
	if name := strings.TrimSpace(f.Name); name != "" {
		return name
	}
	if id := strings.TrimSpace(f.ID); id != "" {
		return id
	}
	c := f.Criteria
	switch {
	case c.From != "":
		return "from:" + strings.TrimSpace(c.From)
	case c.To != "":
		return "to:" + strings.TrimSpace(c.To)
	case c.Subject != "":
		return "subject:" + strings.TrimSpace(c.Subject)
	case c.Query != "":
		return strings.TrimSpace(c.Query)
	default:
		return "gmailctl-rule"
	}
}
