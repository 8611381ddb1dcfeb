// internal/types/ids.go
package types

import (
	"fmt"

	"github.com/google/uuid"
)

type SandboxID string
type MessageID string
type ToolCallID string
type RequestID string

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

// SynthMessageID derives a stable message identity for providers that do not
// supply one, from the cursor of the message's first event and its role.
func SynthMessageID(cursor int64, role Role) MessageID {
	return MessageID(fmt.Sprintf("msg-%d-%s", cursor, role))
}
