package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageVersion is the current payload version.
const MessageVersion = 1

// Message asks a worker to run one step over a project's documents.
type Message struct {
	ProjectID     string `json:"projectId"`
	StepID        string `json:"stepId"`
	ReprocessType string `json:"reprocessType"`
	RequestID     string `json:"requestId"`
	EnqueuedAt    string `json:"enqueuedAt"`
	Version       int    `json:"version"`
}

// NewMessage stamps a reprocess request with a request id and enqueue time.
// A blank requestID gets a fresh uuid.
func NewMessage(projectID, stepID, reprocessType, requestID string, now time.Time) Message {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return Message{
		ProjectID:     projectID,
		StepID:        stepID,
		ReprocessType: reprocessType,
		RequestID:     requestID,
		EnqueuedAt:    now.UTC().Format(time.RFC3339),
		Version:       MessageVersion,
	}
}

// EncodeMessage returns the JSON representation of a message.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage parses a JSON payload into a Message.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
