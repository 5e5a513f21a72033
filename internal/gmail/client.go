package gmail

import "context"

// Client is the narrow Gmail surface required by mailtriage.
type Client interface {
	List(ctx context.Context, q Query, pageToken string, pageSize int) (ListPage, error)
	GetRaw(ctx context.Context, id MessageID) (RawMessage, error)
	Modify(ctx context.Context, id MessageID, ops ModifyOps) error
	ListLabels(ctx context.Context) (map[string]LabelID, map[LabelID]string, error)
}
