package rules

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/mailtriage/internal/mail"
)

var fixedNow = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

func newTestEvaluator(rules RuleSet) *Evaluator {
	e := NewEvaluator(rules, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.Clock = func() time.Time { return fixedNow }
	return e
}

func testMessage() mail.Message {
	return mail.Message{
		ID:         "m1",
		ThreadID:   "t1",
		Sender:     "Newsletter <noreply@example.com>",
		Recipient:  "me@example.org",
		Subject:    "Weekly Digest",
		Body:       "Hello there, here is your digest.",
		ReceivedAt: fixedNow.Add(-10 * 24 * time.Hour),
		Labels:     []string{"INBOX", "UNREAD"},
	}
}

func TestEvaluateEmptyRuleSet(t *testing.T) {
	e := newTestEvaluator(nil)
	assert.Empty(t, e.Evaluate(testMessage()))
}

func TestZeroConditionRules(t *testing.T) {
	catchAll := Rule{Name: "all", Mode: ModeAll, Actions: []Action{{Type: ActionMarkRead}}}
	never := Rule{Name: "any", Mode: ModeAny, Actions: []Action{{Type: ActionMarkUnread}}}

	got := newTestEvaluator(RuleSet{catchAll, never}).Evaluate(testMessage())
	assert.Equal(t, []Action{{Type: ActionMarkRead}}, got)
}

func TestStringPredicates(t *testing.T) {
	msg := testMessage()
	msg.Sender = "Test@Example.com"
	tests := []struct {
		name string
		cond Condition
		want Verdict
	}{
		{"equals case-insensitive", Condition{"from", "equals", "test@example.com"}, Match},
		{"equals mismatch", Condition{"from", "equals", "other@example.com"}, NoMatch},
		{"not_equals", Condition{"from", "not_equals", "other@example.com"}, Match},
		{"contains", Condition{"subject", "contains", "DIGEST"}, Match},
		{"not_contains", Condition{"subject", "not_contains", "digest"}, NoMatch},
		{"body alias", Condition{"message", "contains", "here is"}, Match},
		{"recipient alias", Condition{"recipient", "equals", "ME@example.org"}, Match},
		{"predicate case", Condition{"Subject", "CONTAINS", "weekly"}, Match},
	}
	e := newTestEvaluator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.EvaluateCondition(msg, tt.cond).Verdict)
		})
	}
}

func TestDatePredicates(t *testing.T) {
	msg := testMessage() // received 10 days before fixedNow
	e := newTestEvaluator(nil)

	assert.Equal(t, Match, e.EvaluateCondition(msg, Condition{"received_date", "less_than", "7 days ago"}).Verdict)
	assert.Equal(t, NoMatch, e.EvaluateCondition(msg, Condition{"received_date", "greater_than", "7 days ago"}).Verdict)
	assert.Equal(t, Match, e.EvaluateCondition(msg, Condition{"received_date", "greater_than", "2 weeks ago"}).Verdict)
	assert.Equal(t, Match, e.EvaluateCondition(msg, Condition{"date", "greater_than", "1 month ago"}).Verdict)
	assert.Equal(t, Match, e.EvaluateCondition(msg, Condition{"received_at", "less_than", "200 hours ago"}).Verdict)
}

func TestInvalidConditions(t *testing.T) {
	msg := testMessage()
	e := newTestEvaluator(nil)
	tests := []struct {
		name string
		cond Condition
	}{
		{"malformed date", Condition{"received_date", "less_than", "soon"}},
		{"non-integer amount", Condition{"received_date", "less_than", "seven days ago"}},
		{"unknown unit", Condition{"received_date", "less_than", "3 fortnights ago"}},
		{"date predicate on text", Condition{"subject", "less_than", "3 days ago"}},
		{"unknown predicate", Condition{"subject", "matches", "x"}},
		{"unknown field", Condition{"cc", "contains", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.EvaluateCondition(msg, tt.cond)
			assert.Equal(t, Invalid, res.Verdict)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestInvalidConditionDoesNotAbortSiblings(t *testing.T) {
	rules := RuleSet{
		{
			Name: "mixed",
			Mode: ModeAny,
			Conditions: []Condition{
				{"subject", "bogus", "x"},
				{"from", "contains", "noreply"},
			},
			Actions: []Action{{Type: ActionMarkRead}},
		},
		{
			Name:       "later",
			Mode:       ModeAll,
			Conditions: []Condition{{"subject", "contains", "weekly"}},
			Actions:    []Action{{Type: ActionMoveMessage, Destination: "Digests"}},
		},
	}
	var buf bytes.Buffer
	e := NewEvaluator(rules, slog.New(slog.NewTextHandler(&buf, nil)))
	e.Clock = func() time.Time { return fixedNow }

	got := e.Evaluate(testMessage())
	assert.Equal(t, []Action{{Type: ActionMarkRead}, {Type: ActionMoveMessage, Destination: "Digests"}}, got)
	assert.Equal(t, 1, strings.Count(buf.String(), "level=WARN"))
}

func TestLogicModes(t *testing.T) {
	conds := []Condition{
		{"from", "contains", "noreply"},
		{"subject", "contains", "invoice"},
	}
	all := Rule{Name: "and", Mode: ModeAll, Conditions: conds, Actions: []Action{{Type: ActionMarkRead}}}
	anyRule := Rule{Name: "or", Mode: ModeAny, Conditions: conds, Actions: []Action{{Type: ActionMarkUnread}}}

	results := newTestEvaluator(RuleSet{all, anyRule}).Explain(testMessage())
	require.Len(t, results, 2)
	assert.False(t, results[0].Matched)
	assert.True(t, results[1].Matched)
	assert.Equal(t, Match, results[1].Conditions[0].Verdict)
	assert.Equal(t, NoMatch, results[1].Conditions[1].Verdict)
}

func TestDuplicateActionsAccumulate(t *testing.T) {
	r := Rule{
		Name:       "read",
		Conditions: []Condition{{"from", "contains", "noreply"}},
		Actions:    []Action{{Type: ActionMarkRead}},
	}
	r2 := r
	r2.Name = "read again"
	got := newTestEvaluator(RuleSet{r, r2}).Evaluate(testMessage())
	assert.Len(t, got, 2)
}

func TestScenarioFromDocument(t *testing.T) {
	doc := `{"rules":[{"name":"R1","conditions":[{"field":"from","predicate":"contains","value":"noreply"}],"logic":"all","actions":[{"type":"mark_read"}]}]}`
	rs, err := Parse([]byte(doc))
	require.NoError(t, err)

	msg := testMessage()
	msg.Sender = "noreply@example.com"
	assert.Equal(t, []Action{{Type: ActionMarkRead}}, newTestEvaluator(rs).Evaluate(msg))
}

func TestParseRelative(t *testing.T) {
	tests := []struct {
		expr string
		want time.Duration
	}{
		{"7 days ago", 7 * 24 * time.Hour},
		{"1 day ago", 24 * time.Hour},
		{"3 Hours ago", 3 * time.Hour},
		{"2 weeks ago", 14 * 24 * time.Hour},
		{"1 month ago", 30 * 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseRelative(tt.expr, fixedNow)
			require.NoError(t, err)
			assert.Equal(t, fixedNow.Add(-tt.want), got)
		})
	}
	for _, bad := range []string{"soon", "7 days", "x days ago", "7 days hence", ""} {
		_, err := ParseRelative(bad, fixedNow)
		assert.ErrorIs(t, err, ErrBadDateExpression, bad)
	}
}
