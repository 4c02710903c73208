package reprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"docsteps-backend/internal/documents"
	"docsteps-backend/internal/extract"
	"docsteps-backend/internal/shared/storage/object"
	"docsteps-backend/internal/steps"
)

const (
	testProject = "8d7f2c1e-0b7a-4f3e-9a51-6a0f3c2b1d10"
	testStep    = "3b9e5a44-2d1c-4c8e-8f7a-1e2d3c4b5a60"
	twoPrompts  = `[{"type":"standard_prompt","prompt":{"text":"prompt one"}},{"type":"standard_prompt","prompt":{"text":"prompt two"}}]`
)

type execCall struct {
	Prompt       string
	DocumentText string
	Prior        map[string]any
}

// scriptedExecutor answers each call with fn.
type scriptedExecutor struct {
	mu    sync.Mutex
	calls []execCall
	fn    func(call execCall) (string, any, error)
}

func (s *scriptedExecutor) Execute(ctx context.Context, prompt steps.PromptConfig, documentText string, prior map[string]any, otherSteps map[string]json.RawMessage, stepID string) (string, any, error) {
	priorCopy := make(map[string]any, len(prior))
	for k, v := range prior {
		priorCopy[k] = v
	}
	call := execCall{Prompt: prompt.Text, DocumentText: documentText, Prior: priorCopy}
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
	return s.fn(call)
}

func (s *scriptedExecutor) callsFor(text string) []execCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []execCall
	for _, c := range s.calls {
		if c.DocumentText == text {
			out = append(out, c)
		}
	}
	return out
}

// answerByPrompt returns {"a":1} for prompt one and {"b":2} for prompt two.
func answerByPrompt(call execCall) (string, any, error) {
	if call.Prompt == "prompt one" {
		return `{"a":1}`, map[string]any{"a": float64(1)}, nil
	}
	return `{"b":2}`, map[string]any{"b": float64(2)}, nil
}

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	openErr error
}

func (m *memObjects) Open(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}
	data, ok := m.objects[storageKey]
	if !ok {
		return nil, object.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type sentEvent struct {
	Name    string
	Payload any
}

type recordingSink struct {
	events []sentEvent
}

func (s *recordingSink) Send(event string, payload any) error {
	s.events = append(s.events, sentEvent{Name: event, Payload: payload})
	return nil
}

func (s *recordingSink) count(name string) int {
	n := 0
	for _, e := range s.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

func (s *recordingSink) final(t *testing.T) FinalStatus {
	t.Helper()
	if len(s.events) == 0 {
		t.Fatalf("no events sent")
	}
	last := s.events[len(s.events)-1]
	if last.Name != EventFinalStatus {
		t.Fatalf("last event must be final_status, got %s", last.Name)
	}
	if n := s.count(EventFinalStatus); n != 1 {
		t.Fatalf("expected exactly one final_status, got %d", n)
	}
	return last.Payload.(FinalStatus)
}

type fixture struct {
	steps   *steps.MemoryRepo
	docs    *documents.MemoryRepo
	objects *memObjects
	exec    *scriptedExecutor
	engine  *Engine
	svc     *Service
}

func newFixture(t *testing.T, prompts string) *fixture {
	t.Helper()
	f := &fixture{
		steps:   steps.NewMemoryRepo(),
		docs:    documents.NewMemoryRepo(),
		objects: &memObjects{objects: map[string][]byte{}},
		exec:    &scriptedExecutor{fn: answerByPrompt},
	}
	f.steps.Put(steps.Step{
		ID:                  testStep,
		ProjectID:           testProject,
		Name:                "Invoice fields",
		RawPrompts:          json.RawMessage(prompts),
		RunStatus:           steps.StatusIdle,
		LastProcessedOffset: steps.NoOffset,
	})
	f.engine = &Engine{
		Steps:         f.steps,
		Documents:     f.docs,
		Objects:       f.objects,
		Executor:      f.exec,
		BatchSize:     2,
		Extract:       trimExtract,
		finalAttempts: 3,
		finalBackoff:  time.Millisecond,
		now:           func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	f.svc = NewService(f.engine, f.steps, f.docs)
	return f
}

// trimExtract treats the object bytes as the document text.
func trimExtract(data []byte, fileName string) (string, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", &extract.Error{Kind: extract.KindEmptyContent, FileName: fileName}
	}
	return text, nil
}

func (f *fixture) addDoc(name, content string) documents.Document {
	key := "docs/" + name
	f.objects.objects[key] = []byte(content)
	return f.docs.Add(documents.Document{ProjectID: testProject, FileName: name, StoragePath: key})
}

func (f *fixture) run(t *testing.T, mode documents.Mode) (Outcome, *recordingSink) {
	t.Helper()
	if err := f.svc.Start(context.Background(), testProject, testStep, mode); err != nil {
		t.Fatalf("Start(%s): %v", mode, err)
	}
	sink := &recordingSink{}
	return f.svc.Run(context.Background(), testProject, testStep, mode, sink), sink
}

func (f *fixture) step(t *testing.T) steps.Step {
	t.Helper()
	step, err := f.steps.Get(context.Background(), testStep, testProject)
	if err != nil {
		t.Fatalf("get step: %v", err)
	}
	return step
}

func (f *fixture) blob(t *testing.T, docID int64) map[string]any {
	t.Helper()
	doc, err := f.docs.Get(testProject, docID)
	if err != nil {
		t.Fatalf("get document %d: %v", docID, err)
	}
	raw, ok := doc.Results[testStep]
	if !ok {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	return out
}
