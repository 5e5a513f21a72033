package runtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	gc "github.com/joshsymonds/mailtriage/internal/gmail"
)

const userID = "me"

// googleClient adapts *gmail.Service to gc.Client.
type googleClient struct{ svc *gmail.Service }

func NewGoogleAPIClient(svc *gmail.Service) gc.Client { return &googleClient{svc: svc} }

func (g *googleClient) List(ctx context.Context, q gc.Query, pageToken string, pageSize int) (gc.ListPage, error) {
	call := g.svc.Users.Messages.List(userID).MaxResults(int64(pageSize))
	if q.Raw != "" {
		call = call.Q(q.Raw)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Context(ctx).Do()
	if err != nil {
		return gc.ListPage{}, err
	}
	page := gc.ListPage{IDs: make([]gc.MessageID, 0, len(res.Messages)), NextPageToken: res.NextPageToken}
	for _, m := range res.Messages {
		page.IDs = append(page.IDs, gc.MessageID(m.Id))
	}
	return page, nil
}

func (g *googleClient) GetRaw(ctx context.Context, id gc.MessageID) (gc.RawMessage, error) {
	msg, err := g.svc.Users.Messages.Get(userID, string(id)).Format("raw").Context(ctx).Do()
	if err != nil {
		return gc.RawMessage{}, err
	}
	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return gc.RawMessage{}, fmt.Errorf("decode raw message %s: %w", id, err)
	}
	out := gc.RawMessage{
		ID:       gc.MessageID(msg.Id),
		ThreadID: msg.ThreadId,
		LabelIDs: toLabelIDs(msg.LabelIds),
		Raw:      raw,
	}
	if msg.InternalDate > 0 {
		out.InternalDate = time.UnixMilli(msg.InternalDate).UTC()
	}
	return out, nil
}

func (g *googleClient) Modify(ctx context.Context, id gc.MessageID, ops gc.ModifyOps) error {
	req := &gmail.ModifyMessageRequest{
		AddLabelIds:    toStrings(ops.AddLabels),
		RemoveLabelIds: toStrings(ops.RemoveLabels),
	}
	_, err := g.svc.Users.Messages.Modify(userID, string(id), req).Context(ctx).Do()
	return err
}

func (g *googleClient) ListLabels(ctx context.Context) (map[string]gc.LabelID, map[gc.LabelID]string, error) {
	lr, err := g.svc.Users.Labels.List(userID).Context(ctx).Do()
	if err != nil {
		return nil, nil, err
	}
	byName := make(map[string]gc.LabelID, len(lr.Labels))
	byID := make(map[gc.LabelID]string, len(lr.Labels))
	for _, l := range lr.Labels {
		byName[l.Name] = gc.LabelID(l.Id)
		byID[gc.LabelID(l.Id)] = l.Name
	}
	return byName, byID, nil
}

// decodeRaw accepts Gmail's base64url payload with or without padding.
func decodeRaw(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}

func toLabelIDs(ids []string) []gc.LabelID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]gc.LabelID, len(ids))
	for i, id := range ids {
		out[i] = gc.LabelID(id)
	}
	return out
}

func toStrings(ids []gc.LabelID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
