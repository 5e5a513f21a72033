package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeLabels(t *testing.T) {
	got := NormalizeLabels([]string{"UNREAD", "", "INBOX", "Label_3", "INBOX"})
	assert.Equal(t, []string{"INBOX", "Label_3", "UNREAD"}, got)
	assert.Empty(t, NormalizeLabels(nil))
}

func TestHasLabel(t *testing.T) {
	m := Message{Labels: []string{LabelInbox}}
	assert.True(t, m.HasLabel(LabelInbox))
	assert.False(t, m.HasLabel(LabelUnread))
}
