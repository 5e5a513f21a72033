package triage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/joshsymonds/mailtriage/internal/gmail"
	"github.com/joshsymonds/mailtriage/internal/mail"
	"github.com/joshsymonds/mailtriage/internal/metrics"
	"github.com/joshsymonds/mailtriage/internal/rules"
	"github.com/joshsymonds/mailtriage/internal/store"
)

var testNow = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu       sync.Mutex
	ids      []gmail.MessageID
	messages map[gmail.MessageID]mail.Message
	labels   map[string]gmail.LabelID
	read     map[gmail.MessageID]bool
	moved    map[gmail.MessageID]string
	queries  []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		messages: map[gmail.MessageID]mail.Message{},
		labels:   map[string]gmail.LabelID{"Newsletters": "Label_1"},
		read:     map[gmail.MessageID]bool{},
		moved:    map[gmail.MessageID]string{},
	}
}

func (f *fakeGateway) ListMessages(_ context.Context, query string, maxResults int) []gmail.MessageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if len(f.ids) > maxResults {
		return append([]gmail.MessageID(nil), f.ids[:maxResults]...)
	}
	return append([]gmail.MessageID(nil), f.ids...)
}

func (f *fakeGateway) GetMessageDetails(_ context.Context, id gmail.MessageID) (mail.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[id]
	return msg, ok
}

func (f *fakeGateway) MarkAsRead(_ context.Context, id gmail.MessageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read[id] = true
	return nil
}

func (f *fakeGateway) MarkAsUnread(_ context.Context, id gmail.MessageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read[id] = false
	return nil
}

func (f *fakeGateway) MoveToLabel(_ context.Context, id gmail.MessageID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.labels[name]; !ok {
		return fmt.Errorf("%w: %q", gmail.ErrUnknownLabel, name)
	}
	f.moved[id] = name
	return nil
}

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "mail.db"), slogDiscard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestService(t *testing.T, gw *fakeGateway) (*Service, *store.Store) {
	t.Helper()
	st := openStore(t)
	svc := NewService(gw, st, slogDiscard())
	svc.Clock = func() time.Time { return testNow }
	return svc, st
}

func message(id, subject string) mail.Message {
	return mail.Message{
		ID:         id,
		ThreadID:   "t-" + id,
		Sender:     "noreply@example.com",
		Recipient:  "me@example.org",
		Subject:    subject,
		Body:       "body of " + id,
		ReceivedAt: testNow.Add(-48 * time.Hour),
		Labels:     []string{mail.LabelInbox, mail.LabelUnread},
	}
}

func digestRules() rules.RuleSet {
	return rules.RuleSet{{
		Name:       "digests",
		Mode:       rules.ModeAll,
		Conditions: []rules.Condition{{Field: "subject", Predicate: "contains", Value: "digest"}},
		Actions: []rules.Action{
			{Type: rules.ActionMarkRead},
			{Type: rules.ActionMoveMessage, Destination: "Newsletters"},
		},
	}}
}

func TestFetchStoresNewMessages(t *testing.T) {
	gw := newFakeGateway()
	gw.ids = []gmail.MessageID{"a", "b", "c"}
	gw.messages["a"] = message("a", "old")
	gw.messages["b"] = message("b", "new")
	svc, st := newTestService(t, gw)
	ctx := context.Background()

	if err := st.Upsert(ctx, message("a", "stored earlier")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sum, err := svc.Fetch(ctx, FetchSpec{Query: "is:unread", MaxResults: 10})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	want := FetchSummary{Listed: 3, Skipped: 1, Stored: 1, Failed: 1}
	if sum != want {
		t.Fatalf("summary = %+v, want %+v", sum, want)
	}
	if len(gw.queries) != 1 || gw.queries[0] != "is:unread" {
		t.Fatalf("unexpected queries %v", gw.queries)
	}
	got, ok, err := st.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get a: ok=%v err=%v", ok, err)
	}
	if got.Subject != "stored earlier" {
		t.Fatalf("existing message overwritten: %q", got.Subject)
	}
	if ok, _ := st.Has(ctx, "b"); !ok {
		t.Fatalf("expected b to be stored")
	}
}

func TestFetchDefaultsMaxResults(t *testing.T) {
	gw := newFakeGateway()
	for i := range 150 {
		id := gmail.MessageID(fmt.Sprintf("m%03d", i))
		gw.ids = append(gw.ids, id)
		gw.messages[id] = message(string(id), "bulk")
	}
	svc, _ := newTestService(t, gw)

	sum, err := svc.Fetch(context.Background(), FetchSpec{})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if sum.Listed != DefaultMaxResults || sum.Stored != DefaultMaxResults {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestProcessDryRunSkipsMutations(t *testing.T) {
	gw := newFakeGateway()
	svc, st := newTestService(t, gw)
	ctx := context.Background()
	if err := st.Upsert(ctx, message("a", "Weekly Digest")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sum, err := svc.Process(ctx, ProcessSpec{Rules: digestRules(), DryRun: true})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if sum.Matched != 1 || sum.Actions != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(gw.read) != 0 || len(gw.moved) != 0 {
		t.Fatalf("dry-run touched gmail: read=%v moved=%v", gw.read, gw.moved)
	}
	got, _, _ := st.Get(ctx, "a")
	if got.IsRead {
		t.Fatalf("dry-run changed local read state")
	}
	execs, err := st.Executions(ctx, "a")
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if len(execs) != 0 {
		t.Fatalf("dry-run recorded %d executions", len(execs))
	}
}

func TestProcessExecutesAndMirrors(t *testing.T) {
	gw := newFakeGateway()
	svc, st := newTestService(t, gw)
	ctx := context.Background()
	for _, m := range []mail.Message{message("a", "Weekly Digest"), message("b", "Invoice")} {
		if err := st.Upsert(ctx, m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	sum, err := svc.Process(ctx, ProcessSpec{Rules: digestRules()})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if sum.Messages != 2 || sum.Matched != 1 || sum.Actions != 2 || sum.Failed != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.RunID == "" {
		t.Fatalf("expected a run id")
	}
	if !gw.read["a"] || gw.moved["a"] != "Newsletters" {
		t.Fatalf("gmail not updated: read=%v moved=%v", gw.read, gw.moved)
	}
	if _, ok := gw.read["b"]; ok {
		t.Fatalf("non-matching message was modified")
	}

	got, _, _ := st.Get(ctx, "a")
	if !got.IsRead {
		t.Fatalf("expected local read flag to be mirrored")
	}
	execs, err := st.Executions(ctx, "a")
	if err != nil {
		t.Fatalf("executions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	for _, e := range execs {
		if e.Rule != "digests" || e.RunID != sum.RunID || !e.Succeeded {
			t.Fatalf("unexpected execution %+v", e)
		}
	}
}

func TestProcessRecordsFailedActions(t *testing.T) {
	gw := newFakeGateway()
	gw.labels = map[string]gmail.LabelID{}
	svc, st := newTestService(t, gw)
	ctx := context.Background()
	if err := st.Upsert(ctx, message("a", "Weekly Digest")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	sum, err := svc.Process(ctx, ProcessSpec{Rules: digestRules()})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("expected one failed message, got %+v", sum)
	}
	if !gw.read["a"] {
		t.Fatalf("mark_read should still run when the move fails")
	}
	if len(gw.moved) != 0 {
		t.Fatalf("unexpected move %v", gw.moved)
	}
	execs, _ := st.Executions(ctx, "a")
	if len(execs) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(execs))
	}
	var failed int
	for _, e := range execs {
		if !e.Succeeded {
			failed++
			if e.Action != string(rules.ActionMoveMessage) || e.Error == "" {
				t.Fatalf("unexpected failed execution %+v", e)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("expected one failed execution, got %d", failed)
	}
}

func TestProcessWithWorkers(t *testing.T) {
	gw := newFakeGateway()
	svc, st := newTestService(t, gw)
	ctx := context.Background()
	for i := range 20 {
		if err := st.Upsert(ctx, message(fmt.Sprintf("m%02d", i), "daily digest")); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	sum, err := svc.Process(ctx, ProcessSpec{Rules: digestRules(), Workers: 4})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if sum.Matched != 20 || sum.Actions != 40 || sum.Failed != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	msgs, err := st.All(ctx)
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	for _, m := range msgs {
		if !m.IsRead {
			t.Fatalf("message %s not marked read", m.ID)
		}
	}
	if len(gw.moved) != 20 {
		t.Fatalf("expected 20 moves, got %d", len(gw.moved))
	}
}

func TestProcessWithoutRules(t *testing.T) {
	gw := newFakeGateway()
	svc, st := newTestService(t, gw)
	ctx := context.Background()
	if err := st.Upsert(ctx, message("a", "Weekly Digest")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	sum, err := svc.Process(ctx, ProcessSpec{})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if sum.Messages != 1 || sum.Matched != 0 || sum.Actions != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestProcessCanceledContext(t *testing.T) {
	gw := newFakeGateway()
	svc, st := newTestService(t, gw)
	if err := st.Upsert(context.Background(), message("a", "Weekly Digest")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Process(ctx, ProcessSpec{Rules: digestRules()}); err == nil {
		t.Fatalf("expected an error for a canceled context")
	}
	if len(gw.read) != 0 {
		t.Fatalf("canceled run touched gmail")
	}
}

var errCommitRefused = errors.New("commit refused")

// failingTxStore rolls back the transaction that records history for one message.
type failingTxStore struct {
	*store.Store
	failFor string
}

func (s *failingTxStore) InTx(ctx context.Context, fn func(tx *store.Tx) error) error {
	return s.Store.InTx(ctx, func(tx *store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		execs, err := tx.Executions(ctx, s.failFor)
		if err != nil {
			return err
		}
		if len(execs) > 0 {
			return errCommitRefused
		}
		return nil
	})
}

func TestProcessRollsBackOnlyFailingMessage(t *testing.T) {
	gw := newFakeGateway()
	st := openStore(t)
	ctx := context.Background()
	for _, m := range []mail.Message{message("m1", "daily digest"), message("m2", "weekly digest")} {
		if err := st.Upsert(ctx, m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	svc := NewService(gw, &failingTxStore{Store: st, failFor: "m1"}, slogDiscard())
	svc.Clock = func() time.Time { return testNow }
	rs := rules.RuleSet{{
		Name:       "digests",
		Mode:       rules.ModeAll,
		Conditions: []rules.Condition{{Field: "subject", Predicate: "contains", Value: "digest"}},
		Actions:    []rules.Action{{Type: rules.ActionMarkRead}},
	}}

	sum, err := svc.Process(ctx, ProcessSpec{Rules: rs})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if sum.Messages != 2 || sum.Matched != 2 || sum.Actions != 2 || sum.Failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	m1, _, _ := st.Get(ctx, "m1")
	if m1.IsRead {
		t.Fatalf("rolled back message kept its local read flag")
	}
	if execs, _ := st.Executions(ctx, "m1"); len(execs) != 0 {
		t.Fatalf("rolled back message has %d executions", len(execs))
	}
	m2, _, _ := st.Get(ctx, "m2")
	if !m2.IsRead {
		t.Fatalf("sibling message was not mirrored")
	}
	if execs, _ := st.Executions(ctx, "m2"); len(execs) != 1 {
		t.Fatalf("expected 1 execution for sibling, got %d", len(execs))
	}
	if !gw.read["m1"] || !gw.read["m2"] {
		t.Fatalf("gmail should be updated for both messages: %v", gw.read)
	}
}

func runCount(t *testing.T, m *metrics.Metrics, command string) uint64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var n uint64
	for _, fam := range families {
		if fam.GetName() != "mailtriage_run_duration_seconds" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "command" && lp.GetValue() == command {
					n += metric.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return n
}

func TestRunsAreObservedOnce(t *testing.T) {
	gw := newFakeGateway()
	gw.ids = []gmail.MessageID{"a"}
	gw.messages["a"] = message("a", "Weekly Digest")
	svc, _ := newTestService(t, gw)
	svc.Metrics = metrics.New()
	ctx := context.Background()

	if _, err := svc.Fetch(ctx, FetchSpec{}); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if _, err := svc.Process(ctx, ProcessSpec{Rules: digestRules()}); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if got := runCount(t, svc.Metrics, "fetch"); got != 1 {
		t.Fatalf("fetch observed %d times", got)
	}
	if got := runCount(t, svc.Metrics, "process"); got != 1 {
		t.Fatalf("process observed %d times", got)
	}
}
