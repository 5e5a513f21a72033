// Package actions applies rule actions to a message, first in Gmail and then in the local store.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/joshsymonds/mailtriage/internal/gmail"
	"github.com/joshsymonds/mailtriage/internal/mail"
	"github.com/joshsymonds/mailtriage/internal/metrics"
	"github.com/joshsymonds/mailtriage/internal/rules"
)

var (
	ErrUnknownAction      = errors.New("unknown action type")
	ErrMissingDestination = errors.New("move_message needs a destination")
)

// Gateway is the remote mail surface used by the executor. MoveToLabel resolves the
// destination itself and returns gmail.ErrUnknownLabel, before any remote change,
// when the name is not a label of the account.
type Gateway interface {
	MarkAsRead(ctx context.Context, id gmail.MessageID) error
	MarkAsUnread(ctx context.Context, id gmail.MessageID) error
	MoveToLabel(ctx context.Context, id gmail.MessageID, labelName string) error
}

// Store receives the local mirror of read-state changes.
type Store interface {
	SetRead(ctx context.Context, id string, read bool) error
}

// Step is the outcome of one action.
type Step struct {
	Action rules.Action
	Err    error
}

// Result summarizes Execute. Err aggregates every failed step; StoreErr is set when a
// local mirror write failed and the caller's transaction should roll back.
type Result struct {
	Steps    []Step
	Err      error
	StoreErr error
}

// Succeeded reports whether every action was applied.
func (r Result) Succeeded() bool { return r.Err == nil }

// Executor applies actions. It keeps no per-message state.
type Executor struct {
	Gateway Gateway
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// NewExecutor constructs an Executor.
func NewExecutor(gw Gateway, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Executor{Gateway: gw, Logger: logger}
}

// Execute applies actions to msg in order. Every action is attempted even after a
// failure. msg.IsRead follows successful read-state changes.
func (e *Executor) Execute(ctx context.Context, store Store, msg *mail.Message, actions []rules.Action) Result {
	var (
		res    = Result{Steps: make([]Step, 0, len(actions))}
		failed *multierror.Error
	)
	for _, action := range actions {
		err := e.apply(ctx, store, msg, action.Normalized(), &res)
		res.Steps = append(res.Steps, Step{Action: action, Err: err})
		e.Metrics.ActionApplied(string(action.Normalized().Type), err)
		if err != nil {
			failed = multierror.Append(failed, fmt.Errorf("%s: %w", action, err))
		}
	}
	res.Err = failed.ErrorOrNil()
	return res
}

func (e *Executor) apply(ctx context.Context, store Store, msg *mail.Message, action rules.Action, res *Result) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("action panicked: %v", p)
			e.Logger.ErrorContext(ctx, "action panicked", slog.String("message_id", msg.ID), slog.String("action", string(action.Type)), slog.Any("panic", p))
		}
	}()

	switch action.Type {
	case rules.ActionMarkRead:
		return e.setRead(ctx, store, msg, true, res)
	case rules.ActionMarkUnread:
		return e.setRead(ctx, store, msg, false, res)
	case rules.ActionMoveMessage:
		return e.move(ctx, msg, action.Destination)
	default:
		e.Logger.WarnContext(ctx, "unknown action type", slog.String("message_id", msg.ID), slog.String("action", string(action.Type)))
		return fmt.Errorf("%w: %q", ErrUnknownAction, action.Type)
	}
}

// setRead changes read state remotely and mirrors it locally only when Gmail accepted it.
func (e *Executor) setRead(ctx context.Context, store Store, msg *mail.Message, read bool, res *Result) error {
	op, remote := "mark_unread", e.Gateway.MarkAsUnread
	if read {
		op, remote = "mark_read", e.Gateway.MarkAsRead
	}
	if err := remote(ctx, gmail.MessageID(msg.ID)); err != nil {
		e.Logger.ErrorContext(ctx, "remote update failed", slog.String("message_id", msg.ID), slog.String("action", op), slog.Any("error", err))
		return err
	}
	msg.IsRead = read
	if store == nil {
		return nil
	}
	if err := store.SetRead(ctx, msg.ID, read); err != nil {
		// Gmail already changed; local state diverges until the next fetch.
		e.Logger.ErrorContext(ctx, "local mirror failed after remote update", slog.String("message_id", msg.ID), slog.String("action", op), slog.Any("error", err))
		res.StoreErr = multierror.Append(res.StoreErr, err).ErrorOrNil()
		return err
	}
	e.Logger.InfoContext(ctx, "updated read state", slog.String("message_id", msg.ID), slog.Bool("read", read))
	return nil
}

func (e *Executor) move(ctx context.Context, msg *mail.Message, destination string) error {
	if destination == "" {
		e.Logger.ErrorContext(ctx, "move without destination", slog.String("message_id", msg.ID))
		return ErrMissingDestination
	}
	if err := e.Gateway.MoveToLabel(ctx, gmail.MessageID(msg.ID), destination); err != nil {
		if errors.Is(err, gmail.ErrUnknownLabel) {
			e.Logger.ErrorContext(ctx, "destination label not found", slog.String("message_id", msg.ID), slog.String("destination", destination))
			return err
		}
		e.Logger.ErrorContext(ctx, "move failed", slog.String("message_id", msg.ID), slog.String("destination", destination), slog.Any("error", err))
		return err
	}
	e.Logger.InfoContext(ctx, "moved message", slog.String("message_id", msg.ID), slog.String("destination", destination))
	return nil
}
