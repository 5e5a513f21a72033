// Package mail holds the message record shared by the store, the gateway and the rule engine.
package mail

import (
	"sort"
	"time"
)

// Well-known Gmail system labels.
const (
	LabelInbox  = "INBOX"
	LabelUnread = "UNREAD"
)

// Message is a fetched mail message. ID never changes once the record exists.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Sender     string    `json:"sender"`
	Recipient  string    `json:"recipient"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
	IsRead     bool      `json:"is_read"`
	Labels     []string  `json:"labels"`
}

// HasLabel reports whether the message carries the label id.
func (m Message) HasLabel(id string) bool {
	for _, l := range m.Labels {
		if l == id {
			return true
		}
	}
	return false
}

// NormalizeLabels returns the label ids sorted with duplicates and blanks removed.
func NormalizeLabels(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}
