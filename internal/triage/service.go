// Package triage runs the fetch and process pipelines over the store and Gmail.
package triage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joshsymonds/mailtriage/internal/actions"
	"github.com/joshsymonds/mailtriage/internal/gmail"
	"github.com/joshsymonds/mailtriage/internal/mail"
	"github.com/joshsymonds/mailtriage/internal/metrics"
	"github.com/joshsymonds/mailtriage/internal/rules"
	"github.com/joshsymonds/mailtriage/internal/store"
)

const DefaultMaxResults = 100

// Gateway is the Gmail surface used by the pipelines.
type Gateway interface {
	actions.Gateway
	ListMessages(ctx context.Context, query string, maxResults int) []gmail.MessageID
	GetMessageDetails(ctx context.Context, id gmail.MessageID) (mail.Message, bool)
}

// Store is the subset of *store.Store the pipelines need.
type Store interface {
	Has(ctx context.Context, id string) (bool, error)
	Upsert(ctx context.Context, msg mail.Message) error
	All(ctx context.Context) ([]mail.Message, error)
	InTx(ctx context.Context, fn func(tx *store.Tx) error) error
}

// Clock returns the current time.
type Clock func() time.Time

type FetchSpec struct {
	Query      string
	MaxResults int
}

type FetchSummary struct {
	Listed  int
	Skipped int
	Stored  int
	Failed  int
}

type ProcessSpec struct {
	Rules   rules.RuleSet
	DryRun  bool
	Workers int
}

// Summary counts what a process run did. Actions counts attempted (or, in dry-run,
// intended) actions; Failed counts messages with at least one failed action.
type Summary struct {
	RunID    string
	Messages int
	Matched  int
	Actions  int
	Failed   int
}

type Service struct {
	Gateway  Gateway
	Store    Store
	Executor *actions.Executor
	Log      *slog.Logger
	Metrics  *metrics.Metrics
	Clock    Clock
}

func NewService(gw Gateway, st Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Service{
		Gateway:  gw,
		Store:    st,
		Executor: actions.NewExecutor(gw, logger),
		Log:      logger,
		Clock:    time.Now,
	}
}

// Fetch lists messages matching the query and stores any not already present.
// Gateway failures skip the affected message; store failures abort the run.
func (s *Service) Fetch(ctx context.Context, spec FetchSpec) (FetchSummary, error) {
	start := s.now()
	defer func() { s.Metrics.ObserveRun("fetch", s.now().Sub(start)) }()

	if spec.MaxResults <= 0 {
		spec.MaxResults = DefaultMaxResults
	}
	ids := s.Gateway.ListMessages(ctx, spec.Query, spec.MaxResults)
	sum := FetchSummary{Listed: len(ids)}
	if len(ids) == 0 {
		s.Log.Info("no messages to fetch", "query", spec.Query)
		return sum, nil
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		known, err := s.Store.Has(ctx, string(id))
		if err != nil {
			return sum, fmt.Errorf("check message %s: %w", id, err)
		}
		if known {
			sum.Skipped++
			continue
		}
		msg, ok := s.Gateway.GetMessageDetails(ctx, id)
		if !ok {
			sum.Failed++
			continue
		}
		if err := s.Store.Upsert(ctx, msg); err != nil {
			return sum, fmt.Errorf("store message %s: %w", id, err)
		}
		s.Metrics.MessageIngested()
		sum.Stored++
	}
	s.Log.Info("fetched", "query", spec.Query, "listed", sum.Listed, "stored", sum.Stored, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}

// Process evaluates every stored message against spec.Rules and executes the
// resulting actions. Each message's local writes and execution history commit
// together. Messages may run concurrently; one message's actions never do.
func (s *Service) Process(ctx context.Context, spec ProcessSpec) (Summary, error) {
	start := s.now()
	defer func() { s.Metrics.ObserveRun("process", s.now().Sub(start)) }()

	msgs, err := s.Store.All(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("load messages: %w", err)
	}
	sum := Summary{RunID: uuid.NewString(), Messages: len(msgs)}
	if len(msgs) == 0 || len(spec.Rules) == 0 {
		s.Log.Info("nothing to process", "messages", len(msgs), "rules", len(spec.Rules))
		return sum, nil
	}

	eval := rules.NewEvaluator(spec.Rules, s.Log)
	eval.Clock = s.now

	workers := spec.Workers
	if workers <= 0 {
		workers = 1
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, msg := range msgs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out := s.processMessage(gctx, eval, sum.RunID, msg, spec.DryRun)
			mu.Lock()
			sum.Actions += out.actions
			if out.matched {
				sum.Matched++
			}
			if out.failed {
				sum.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}
	s.Log.Info("processed",
		"run_id", sum.RunID,
		"dry_run", spec.DryRun,
		"messages", sum.Messages,
		"matched", sum.Matched,
		"actions", sum.Actions,
		"failed", sum.Failed,
	)
	return sum, nil
}

type messageOutcome struct {
	matched bool
	actions int
	failed  bool
}

func (s *Service) processMessage(ctx context.Context, eval *rules.Evaluator, runID string, msg mail.Message, dryRun bool) messageOutcome {
	var (
		planned []rules.Action
		origin  []string
	)
	for _, res := range eval.Explain(msg) {
		if !res.Matched {
			continue
		}
		s.Metrics.RuleMatched(res.Rule)
		for _, a := range res.Actions {
			planned = append(planned, a)
			origin = append(origin, res.Rule)
		}
	}
	out := messageOutcome{matched: len(planned) > 0, actions: len(planned)}
	if len(planned) == 0 {
		return out
	}

	if dryRun {
		for i, a := range planned {
			s.Log.Info("dry-run", "message_id", msg.ID, "rule", origin[i], "action", a.String())
		}
		return out
	}

	mirror := &readMirror{}
	res := s.Executor.Execute(ctx, mirror, &msg, planned)
	out.failed = !res.Succeeded()

	executedAt := s.now()
	err := s.Store.InTx(ctx, func(tx *store.Tx) error {
		for _, w := range mirror.writes {
			if err := tx.SetRead(ctx, w.id, w.read); err != nil {
				return err
			}
		}
		for i, step := range res.Steps {
			rec := store.Execution{
				RunID:       runID,
				Rule:        origin[i],
				MessageID:   msg.ID,
				Action:      string(step.Action.Type),
				Destination: step.Action.Destination,
				Succeeded:   step.Err == nil,
				ExecutedAt:  executedAt,
			}
			if step.Err != nil {
				rec.Error = step.Err.Error()
			}
			if err := tx.RecordExecution(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Gmail has already changed; the local copy catches up on the next fetch.
		s.Log.Error("local update rolled back", "message_id", msg.ID, "error", err)
		out.failed = true
	}
	if res.Err != nil {
		s.Log.Warn("some actions failed", "message_id", msg.ID, "error", res.Err)
	}
	return out
}

// readMirror collects read-state writes so they can be applied inside the
// message's transaction after the remote calls finish.
type readMirror struct {
	writes []readWrite
}

type readWrite struct {
	id   string
	read bool
}

func (m *readMirror) SetRead(_ context.Context, id string, read bool) error {
	m.writes = append(m.writes, readWrite{id: id, read: read})
	return nil
}

func (s *Service) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}
