package gmail

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joshsymonds/mailtriage/internal/mail"
	"github.com/joshsymonds/mailtriage/internal/metrics"
	"github.com/joshsymonds/mailtriage/internal/rate"
)

const maxPageSize = 500

// Gateway is the mail service as seen by the triage core. Read operations degrade to
// empty results on failure; mutations report a *GatewayError.
type Gateway struct {
	Client  Client
	Labels  *LabelCache
	Limiter rate.Limiter
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// NewGateway wraps client with an empty label cache.
func NewGateway(client Client, limiter rate.Limiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Gateway{
		Client:  client,
		Labels:  NewLabelCache(),
		Limiter: limiter,
		Logger:  logger,
	}
}

// Init loads the label cache. A failure here means Gmail is unreachable and the run
// should not start.
func (g *Gateway) Init(ctx context.Context) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	err := g.Labels.Refresh(ctx, g.Client)
	g.Metrics.GatewayCall("list_labels", err)
	if err != nil {
		return &GatewayError{Op: "list_labels", Err: err}
	}
	return nil
}

// ListMessages returns up to maxResults message ids matching query. Errors are logged
// and whatever was collected so far is returned.
func (g *Gateway) ListMessages(ctx context.Context, query string, maxResults int) []MessageID {
	if maxResults <= 0 {
		return nil
	}
	q := Query{Raw: query}
	g.Logger.InfoContext(ctx, "listing messages", slog.String("query", query), slog.Int("max_results", maxResults))

	var (
		ids   []MessageID
		token string
	)
	for len(ids) < maxResults {
		pageSize := maxResults - len(ids)
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}
		if err := g.wait(ctx); err != nil {
			g.Logger.ErrorContext(ctx, "list messages interrupted", slog.Any("error", err))
			return ids
		}
		page, err := g.Client.List(ctx, q, token, pageSize)
		g.Metrics.GatewayCall("list", err)
		if err != nil {
			g.Logger.ErrorContext(ctx, "list messages failed", slog.String("query", query), slog.Any("error", err))
			return ids
		}
		ids = append(ids, page.IDs...)
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}
	if len(ids) > maxResults {
		ids = ids[:maxResults]
	}
	if len(ids) == 0 {
		g.Logger.InfoContext(ctx, "no messages matched query", slog.String("query", query))
	}
	return ids
}

// GetMessageDetails fetches and decodes one message. The bool is false when the message
// could not be fetched or parsed.
func (g *Gateway) GetMessageDetails(ctx context.Context, id MessageID) (mail.Message, bool) {
	if err := g.wait(ctx); err != nil {
		g.Logger.ErrorContext(ctx, "get message interrupted", slog.String("message_id", string(id)), slog.Any("error", err))
		return mail.Message{}, false
	}
	raw, err := g.Client.GetRaw(ctx, id)
	g.Metrics.GatewayCall("get", err)
	if err != nil {
		g.Logger.ErrorContext(ctx, "get message failed", slog.String("message_id", string(id)), slog.Any("error", err))
		return mail.Message{}, false
	}
	msg, err := ParseRaw(raw)
	if err != nil {
		g.Logger.ErrorContext(ctx, "parse message failed", slog.String("message_id", string(id)), slog.Any("error", err))
		return mail.Message{}, false
	}
	return msg, true
}

// MarkAsRead removes the UNREAD label.
func (g *Gateway) MarkAsRead(ctx context.Context, id MessageID) error {
	unread := g.systemLabel(ctx, mail.LabelUnread)
	return g.modify(ctx, "mark_read", id, ModifyOps{RemoveLabels: []LabelID{unread}})
}

// MarkAsUnread adds the UNREAD label.
func (g *Gateway) MarkAsUnread(ctx context.Context, id MessageID) error {
	unread := g.systemLabel(ctx, mail.LabelUnread)
	return g.modify(ctx, "mark_unread", id, ModifyOps{AddLabels: []LabelID{unread}})
}

// ResolveLabelID maps a label name to its id, loading the cache on first use.
func (g *Gateway) ResolveLabelID(ctx context.Context, name string) (LabelID, bool) {
	if !g.Labels.Loaded() {
		if err := g.Init(ctx); err != nil {
			g.Logger.ErrorContext(ctx, "load labels failed", slog.Any("error", err))
			return "", false
		}
	}
	return g.Labels.ID(name)
}

// MoveToLabel adds the named label and removes INBOX when the account has one.
func (g *Gateway) MoveToLabel(ctx context.Context, id MessageID, labelName string) error {
	dest, ok := g.ResolveLabelID(ctx, labelName)
	if !ok {
		return &GatewayError{Op: "move", MessageID: id, Err: fmt.Errorf("%w: %q", ErrUnknownLabel, labelName)}
	}
	ops := ModifyOps{AddLabels: []LabelID{dest}}
	if inbox, found := g.Labels.ID(mail.LabelInbox); found && inbox != dest {
		ops.RemoveLabels = []LabelID{inbox}
	}
	return g.modify(ctx, "move", id, ops)
}

func (g *Gateway) modify(ctx context.Context, op string, id MessageID, ops ModifyOps) error {
	if err := g.wait(ctx); err != nil {
		return &GatewayError{Op: op, MessageID: id, Err: err}
	}
	err := g.Client.Modify(ctx, id, ops)
	g.Metrics.GatewayCall(op, err)
	if err != nil {
		return &GatewayError{Op: op, MessageID: id, Err: err}
	}
	g.Logger.DebugContext(ctx, "modified labels", slog.String("message_id", string(id)), slog.String("op", op))
	return nil
}

// systemLabel resolves a system label through the cache; system label ids equal their names.
func (g *Gateway) systemLabel(ctx context.Context, name string) LabelID {
	if id, ok := g.ResolveLabelID(ctx, name); ok {
		return id
	}
	return LabelID(name)
}

func (g *Gateway) wait(ctx context.Context) error {
	if g.Limiter == nil {
		return nil
	}
	if err := g.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit gmail: %w", err)
	}
	return nil
}
