package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joshsymonds/mailtriage/internal/rules"
)

// LintReport is the result of replaying a rule set over the store.
type LintReport struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Total       int          `json:"total"`
	Rules       int          `json:"rules"`
	Findings    Findings     `json:"findings"`
	Unmatched   []SenderStat `json:"unmatched_senders"`
	Suggestions []string     `json:"suggestions"`
}

// Findings are the problems ShouldFail can gate on.
type Findings struct {
	DeadRules         []RuleFinding    `json:"dead_rules"`
	MissingLabels     []string         `json:"missing_labels"`
	InvalidConditions []InvalidFinding `json:"invalid_conditions"`
	Conflicts         []Conflict       `json:"conflicts"`
}

// RuleFinding identifies a problematic rule.
type RuleFinding struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// InvalidCondition is a condition that could not be evaluated, with the evaluator's reason.
type InvalidCondition struct {
	Rule      string          `json:"rule"`
	Condition rules.Condition `json:"condition"`
	Reason    string          `json:"reason"`
}

type InvalidFinding struct {
	InvalidCondition
	Messages int `json:"messages"`
}

// Conflict represents contradictory actions from several rules on the same messages.
type Conflict struct {
	Rules       []string `json:"rules"`
	Description string   `json:"description"`
	Messages    int      `json:"messages"`
}

// Empty reports whether there is nothing to fix.
func (f Findings) Empty() bool {
	return len(f.DeadRules) == 0 && len(f.MissingLabels) == 0 &&
		len(f.InvalidConditions) == 0 && len(f.Conflicts) == 0
}

// ShouldFail reports whether any of the requested conditions are present.
func (lr LintReport) ShouldFail(failOn []string) bool {
	flags := map[string]bool{
		"dead":          len(lr.Findings.DeadRules) > 0,
		"missing-label": len(lr.Findings.MissingLabels) > 0,
		"invalid":       len(lr.Findings.InvalidConditions) > 0,
		"conflict":      len(lr.Findings.Conflicts) > 0,
	}
	for _, cond := range failOn {
		if flags[strings.TrimSpace(strings.ToLower(cond))] {
			return true
		}
	}
	return false
}

// HumanSummary renders a concise CLI summary.
func (lr LintReport) HumanSummary() string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "mailtriage lint: %d rules over %d messages\n", lr.Rules, lr.Total)
	if lr.Findings.Empty() {
		b.WriteString("no findings\n")
	}
	if len(lr.Findings.DeadRules) > 0 {
		b.WriteString("dead rules:\n")
		for _, fr := range lr.Findings.DeadRules {
			fmt.Fprintf(b, "  %s: %s\n", fr.Name, fr.Reason)
		}
	}
	if len(lr.Findings.MissingLabels) > 0 {
		b.WriteString("missing labels:\n")
		for _, lbl := range lr.Findings.MissingLabels {
			fmt.Fprintf(b, "  %s\n", lbl)
		}
	}
	if len(lr.Findings.InvalidConditions) > 0 {
		b.WriteString("invalid conditions:\n")
		for _, ic := range lr.Findings.InvalidConditions {
			fmt.Fprintf(b, "  %s: %s %s %q (%s, %d messages)\n",
				ic.Rule, ic.Condition.Field, ic.Condition.Predicate, ic.Condition.Value, ic.Reason, ic.Messages)
		}
	}
	if len(lr.Findings.Conflicts) > 0 {
		b.WriteString("conflicts:\n")
		for _, cf := range lr.Findings.Conflicts {
			fmt.Fprintf(b, "  %s: %s (%d messages)\n", strings.Join(cf.Rules, ", "), cf.Description, cf.Messages)
		}
	}
	if len(lr.Unmatched) > 0 {
		b.WriteString("top unmatched senders:\n")
		for _, st := range lr.Unmatched {
			fmt.Fprintf(b, "  %-30s %4d %s\n", st.Domain, st.Count, truncate(st.PreviewSubject, previewSubjectDisplayLimit))
		}
	}
	return b.String()
}

// ParseFailOn splits a comma separated list into canonical tokens.
func ParseFailOn(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// WriteJSON serializes the report to path.
func WriteJSON(rep LintReport, path string) error {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return fmt.Errorf("path must not be empty")
	}
	clean = filepath.Clean(clean)
	f, err := os.OpenFile(clean, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("create %s: %w", clean, err)
	}
	defer func() { _ = f.Close() }()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
