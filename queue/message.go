package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is the body of a job message.
type Message struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func encodeMessage(jobID string, now time.Time) ([]byte, error) {
	return json.Marshal(Message{JobID: jobID, EnqueuedAt: now})
}

func decodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if strings.TrimSpace(msg.JobID) == "" {
		return Message{}, fmt.Errorf("%w: missing job_id", ErrInvalidMessage)
	}
	return msg, nil
}
