package gmail

import "time"

type MessageID string
type LabelID string

// ListPage is one page of a message listing.
type ListPage struct {
	IDs           []MessageID
	NextPageToken string
}

// RawMessage is a message in Gmail's "raw" format: Gmail metadata plus the RFC 5322 bytes.
type RawMessage struct {
	ID           MessageID
	ThreadID     string
	LabelIDs     []LabelID
	InternalDate time.Time
	Raw          []byte
}

// ModifyOps describes a label mutation on a single message.
type ModifyOps struct {
	AddLabels    []LabelID
	RemoveLabels []LabelID
}

type Query struct {
	Raw string // Gmail search query, already formed (e.g. `is:unread newer_than:7d`)
}
