package audit

import (
	"encoding/json"
	"net/mail"
	"sort"
	"strings"

	mmail "github.com/joshsymonds/mailtriage/internal/mail"
	"github.com/joshsymonds/mailtriage/internal/rules"
)

const previewSubjectDisplayLimit = 60

// SenderStat ranks sender domains that no rule handles.
type SenderStat struct {
	Domain         string `json:"domain"`
	Count          int    `json:"count"`
	Unread         int    `json:"unread"`
	PreviewSubject string `json:"preview_subject"`
}

func rankSenders(msgs []mmail.Message, topN int) []SenderStat {
	senders := map[string]*SenderStat{}
	for _, msg := range msgs {
		domain := domainOf(msg.Sender)
		if domain == "" {
			continue
		}
		st := senders[domain]
		if st == nil {
			st = &SenderStat{Domain: domain}
			senders[domain] = st
		}
		st.Count++
		if !msg.IsRead {
			st.Unread++
		}
		if st.PreviewSubject == "" {
			st.PreviewSubject = msg.Subject
		}
	}

	slice := make([]SenderStat, 0, len(senders))
	for _, st := range senders {
		slice = append(slice, *st)
	}
	sort.Slice(slice, func(i, j int) bool {
		if slice[i].Count == slice[j].Count {
			return slice[i].Domain < slice[j].Domain
		}
		return slice[i].Count > slice[j].Count
	})
	if topN < len(slice) {
		slice = slice[:topN]
	}
	return slice
}

// suggestRules drafts a mark_read rule for each noisy sender, in the rules document format.
func suggestRules(senders []SenderStat) []string {
	out := make([]string, 0, len(senders))
	for _, st := range senders {
		if st.Count < 2 {
			continue
		}
		rule := rules.Rule{
			Name:       "quiet " + st.Domain,
			Conditions: []rules.Condition{{Field: "from", Predicate: "contains", Value: "@" + st.Domain}},
			Mode:       rules.ModeAll,
			Actions:    []rules.Action{{Type: rules.ActionMarkRead}},
		}
		raw, err := json.MarshalIndent(rule, "", "  ")
		if err != nil {
			continue
		}
		out = append(out, string(raw))
	}
	return out
}

func domainOf(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	addrs, err := mail.ParseAddressList(from)
	if err != nil {
		return extractDomain(from)
	}
	for _, addr := range addrs {
		if dom := extractDomain(addr.Address); dom != "" {
			return dom
		}
	}
	return ""
}

func extractDomain(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	at := strings.LastIndex(address, "@")
	if at == -1 {
		return ""
	}
	return strings.Trim(address[at+1:], ".> ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
