package gmail

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // register non-UTF-8 decoders
	gomail "github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"

	"github.com/joshsymonds/mailtriage/internal/mail"
)

// ParseRaw converts a raw Gmail message into a mail.Message. The text/plain part is
// preferred for the body; HTML-only messages are flattened to text.
func ParseRaw(raw RawMessage) (mail.Message, error) {
	mr, err := gomail.CreateReader(bytes.NewReader(raw.Raw))
	if mr == nil {
		return mail.Message{}, fmt.Errorf("read message %s: %w", raw.ID, err)
	}
	defer func() { _ = mr.Close() }()

	msg := mail.Message{
		ID:         string(raw.ID),
		ThreadID:   raw.ThreadID,
		Sender:     headerText(mr.Header, "From"),
		Recipient:  headerText(mr.Header, "To"),
		Subject:    headerText(mr.Header, "Subject"),
		ReceivedAt: raw.InternalDate,
	}
	if msg.ReceivedAt.IsZero() {
		if date, dateErr := mr.Header.Date(); dateErr == nil {
			msg.ReceivedAt = date
		}
	}
	if msg.ReceivedAt.IsZero() {
		return mail.Message{}, fmt.Errorf("message %s has no received date", raw.ID)
	}

	body, err := extractBody(mr)
	if err != nil {
		return mail.Message{}, fmt.Errorf("extract body %s: %w", raw.ID, err)
	}
	msg.Body = body

	labels := make([]string, 0, len(raw.LabelIDs))
	for _, l := range raw.LabelIDs {
		labels = append(labels, string(l))
	}
	msg.Labels = mail.NormalizeLabels(labels)
	msg.IsRead = !msg.HasLabel(mail.LabelUnread)
	return msg, nil
}

func headerText(h gomail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		return strings.TrimSpace(h.Get(key))
	}
	return strings.TrimSpace(v)
}

func extractBody(mr *gomail.Reader) (string, error) {
	var plain, html string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return "", err
		}
		inline, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			return "", fmt.Errorf("read part: %w", err)
		}
		switch contentType {
		case "text/plain", "":
			if plain == "" {
				plain = string(data)
			}
		case "text/html":
			if html == "" {
				html = string(data)
			}
		}
	}
	if plain != "" {
		return plain, nil
	}
	if html != "" {
		return html2text.HTML2Text(html), nil
	}
	return "", nil
}
