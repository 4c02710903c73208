// Package workerproc turns queued reprocess requests into headless runs.
package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"docsteps-backend/internal/documents"
	"docsteps-backend/internal/queue"
	"docsteps-backend/internal/reprocess"
	"docsteps-backend/internal/steps"
)

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

// ErrMissingTarget indicates a message without a project or step id.
type ErrMissingTarget struct {
	Meta      MessageMeta
	RequestID string
	Field     string
}

func (e ErrMissingTarget) Error() string { return "missing " + e.Field }

// ErrProcess indicates the run could not be started after successful parsing.
// Retryable failures keep the message on the queue.
type ErrProcess struct {
	ProjectID string
	StepID    string
	RequestID string
	Retryable bool
	Err       error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "process reprocess request"
	}
	return "process reprocess request: " + e.Err.Error()
}

func (e ErrProcess) Unwrap() error { return e.Err }

// ParseMessage validates and decodes the queue payload. A blank reprocess
// type means all.
func ParseMessage(body string) (queue.Message, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, meta, ErrEmptyBody{Meta: meta}
	}

	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if strings.TrimSpace(msg.ProjectID) == "" {
		return msg, meta, ErrMissingTarget{Meta: meta, RequestID: msg.RequestID, Field: "projectId"}
	}
	if strings.TrimSpace(msg.StepID) == "" {
		return msg, meta, ErrMissingTarget{Meta: meta, RequestID: msg.RequestID, Field: "stepId"}
	}
	if strings.TrimSpace(msg.ReprocessType) == "" {
		msg.ReprocessType = string(documents.ModeAll)
	}
	return msg, meta, nil
}

// Processor executes one decoded request.
type Processor interface {
	Process(ctx context.Context, msg queue.Message) error
}

type parsedMessageKey struct{}

// WithParsedMessage stores a decoded message in the context for reuse.
func WithParsedMessage(ctx context.Context, msg queue.Message) context.Context {
	return context.WithValue(ctx, parsedMessageKey{}, msg)
}

func parsedMessageFromContext(ctx context.Context) (queue.Message, bool) {
	if ctx == nil {
		return queue.Message{}, false
	}
	msg, ok := ctx.Value(parsedMessageKey{}).(queue.Message)
	return msg, ok
}

// HandleMessage parses, validates, and processes a message payload.
func HandleMessage(ctx context.Context, proc Processor, body string) error {
	if proc == nil {
		return errors.New("reprocess service not configured")
	}

	msg, ok := parsedMessageFromContext(ctx)
	if !ok {
		var err error
		msg, _, err = ParseMessage(body)
		if err != nil {
			return err
		}
	}

	if err := proc.Process(ctx, msg); err != nil {
		var procErr ErrProcess
		if errors.As(err, &procErr) {
			return procErr
		}
		return ErrProcess{ProjectID: msg.ProjectID, StepID: msg.StepID, RequestID: msg.RequestID, Retryable: true, Err: err}
	}
	return nil
}

// IsUnrecoverable reports whether redelivering the message cannot succeed.
func IsUnrecoverable(err error) bool {
	switch e := err.(type) {
	case ErrEmptyBody, ErrDecode, ErrMissingTarget:
		return true
	case ErrProcess:
		return !e.Retryable
	}
	return false
}

// RunProcessor runs queued requests through a reprocess.Service.
type RunProcessor struct {
	Svc *reprocess.Service
}

// Process starts and runs the step. A run that reached a terminal state is a
// success for the queue even when documents failed; the outcome lives on the step.
func (p RunProcessor) Process(ctx context.Context, msg queue.Message) error {
	if p.Svc == nil {
		return errors.New("reprocess service not configured")
	}
	_, err := p.Svc.RunHeadless(ctx, msg.ProjectID, msg.StepID, documents.Mode(msg.ReprocessType), msg.RequestID)
	if err == nil {
		return nil
	}
	procErr := ErrProcess{ProjectID: msg.ProjectID, StepID: msg.StepID, RequestID: msg.RequestID, Err: err}
	switch {
	case errors.Is(err, reprocess.ErrRunInProgress):
		procErr.Retryable = true
	case errors.Is(err, reprocess.ErrRunPaused),
		errors.Is(err, reprocess.ErrInvalidMode),
		errors.Is(err, steps.ErrNotFound):
		procErr.Retryable = false
	default:
		procErr.Retryable = true
	}
	return procErr
}
