package gmail

import (
	"errors"
	"fmt"
)

// ErrUnknownLabel is returned when a label name is not present in the label cache.
var ErrUnknownLabel = errors.New("unknown label")

// GatewayError reports a failed remote operation for one message.
type GatewayError struct {
	Op        string
	MessageID MessageID
	Err       error
}

func (e *GatewayError) Error() string {
	if e.MessageID == "" {
		return fmt.Sprintf("gmail %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("gmail %s %s: %v", e.Op, e.MessageID, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }
