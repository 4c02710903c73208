package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"docsteps-backend/internal/queue"
	"docsteps-backend/internal/workerproc"
)

type fakeSQS struct {
	mu          sync.Mutex
	deleted     []string
	extended    []string
	receiveErrs int
	receives    int
	batch       []sqstypes.Message
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives++
	if f.receives <= f.receiveErrs {
		return nil, errors.New("throttled")
	}
	return &sqs.ReceiveMessageOutput{Messages: f.batch}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extended = append(f.extended, aws.ToString(params.ReceiptHandle))
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) extendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.extended)
}

type fakeProcessor struct {
	err  error
	seen []queue.Message
}

func (f *fakeProcessor) Process(ctx context.Context, msg queue.Message) error {
	f.seen = append(f.seen, msg)
	return f.err
}

func sqsMessage(t *testing.T, id string, body string) sqstypes.Message {
	t.Helper()
	return sqstypes.Message{
		MessageId:     aws.String("m-" + id),
		ReceiptHandle: aws.String("r-" + id),
		Body:          aws.String(body),
		Attributes:    map[string]string{"ApproximateReceiveCount": "1"},
	}
}

func encoded(t *testing.T, msg queue.Message) string {
	t.Helper()
	body, err := queue.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return string(body)
}

func TestWorkerDeletesMessageOnSuccess(t *testing.T) {
	client := &fakeSQS{}
	proc := &fakeProcessor{}
	body := encoded(t, queue.Message{ProjectID: "p1", StepID: "s1", ReprocessType: "failed", RequestID: "req-1"})

	handleMessage(context.Background(), client, "queue", proc, sqsMessage(t, "1", body))

	if len(client.deleted) != 1 || client.deleted[0] != "r-1" {
		t.Fatalf("expected delete of r-1, got %v", client.deleted)
	}
	if len(proc.seen) != 1 || proc.seen[0].ReprocessType != "failed" {
		t.Fatalf("unexpected processed messages %+v", proc.seen)
	}
}

func TestWorkerKeepsMessageOnRetryableFailure(t *testing.T) {
	client := &fakeSQS{}
	proc := &fakeProcessor{err: errors.New("database unavailable")}
	body := encoded(t, queue.Message{ProjectID: "p1", StepID: "s1", RequestID: "req-2"})

	handleMessage(context.Background(), client, "queue", proc, sqsMessage(t, "2", body))

	if len(client.deleted) != 0 {
		t.Fatalf("expected no delete, got %d", len(client.deleted))
	}
}

func TestWorkerDeletesOnUnrecoverableFailure(t *testing.T) {
	client := &fakeSQS{}
	proc := &fakeProcessor{err: workerproc.ErrProcess{ProjectID: "p1", StepID: "s1", Err: errors.New("step paused")}}
	body := encoded(t, queue.Message{ProjectID: "p1", StepID: "s1"})

	handleMessage(context.Background(), client, "queue", proc, sqsMessage(t, "3", body))

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
}

func TestWorkerDeletesOnInvalidJSON(t *testing.T) {
	client := &fakeSQS{}
	proc := &fakeProcessor{}

	handleMessage(context.Background(), client, "queue", proc, sqsMessage(t, "4", "{bad-json"))

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
	if len(proc.seen) != 0 {
		t.Fatalf("processor must not run for invalid payloads")
	}
}

func TestWorkerDeletesOnMissingStep(t *testing.T) {
	client := &fakeSQS{}
	proc := &fakeProcessor{}
	body := encoded(t, queue.Message{ProjectID: "p1", RequestID: "req-5"})

	handleMessage(context.Background(), client, "queue", proc, sqsMessage(t, "5", body))

	if len(client.deleted) != 1 {
		t.Fatalf("expected delete, got %d", len(client.deleted))
	}
}

func TestReceiveCount(t *testing.T) {
	if got := receiveCount(sqstypes.Message{}); got != 0 {
		t.Fatalf("expected 0 without attributes, got %d", got)
	}
	msg := sqstypes.Message{Attributes: map[string]string{"ApproximateReceiveCount": "3"}}
	if got := receiveCount(msg); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestPollerReceiveRetriesTransientErrors(t *testing.T) {
	msg := sqstypes.Message{MessageId: aws.String("m-1")}
	client := &fakeSQS{receiveErrs: 2, batch: []sqstypes.Message{msg}}
	p := &poller{client: client, queueURL: "queue", visibility: time.Minute}

	msgs, err := p.receive(context.Background())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 1 || client.receives != 3 {
		t.Fatalf("expected 1 message after 3 receives, got %d after %d", len(msgs), client.receives)
	}
}

func TestPollerReceiveStopsOnCancel(t *testing.T) {
	client := &fakeSQS{receiveErrs: 1000}
	p := &poller{client: client, queueURL: "queue"}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := p.receive(ctx); err == nil {
		t.Fatalf("expected an error once the context ends")
	}
}

func TestPollerHeartbeatExtendsVisibility(t *testing.T) {
	client := &fakeSQS{}
	p := &poller{client: client, queueURL: "queue", visibility: 20 * time.Millisecond}

	stop := p.heartbeat(context.Background(), sqstypes.Message{ReceiptHandle: aws.String("r-1")})
	deadline := time.Now().Add(2 * time.Second)
	for client.extendCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	if n := client.extendCount(); n < 2 {
		t.Fatalf("expected repeated visibility extensions, got %d", n)
	}
	after := client.extendCount()
	time.Sleep(30 * time.Millisecond)
	if client.extendCount() != after {
		t.Fatalf("heartbeat kept running after stop")
	}
}

func TestPollerHeartbeatWithoutReceiptIsNoop(t *testing.T) {
	client := &fakeSQS{}
	p := &poller{client: client, queueURL: "queue", visibility: 10 * time.Millisecond}

	stop := p.heartbeat(context.Background(), sqstypes.Message{})
	time.Sleep(25 * time.Millisecond)
	stop()
	if client.extendCount() != 0 {
		t.Fatalf("expected no extensions without a receipt handle")
	}
}

func TestPollerDrain(t *testing.T) {
	p := &poller{}
	p.wg.Add(1)
	if p.drain(10 * time.Millisecond) {
		t.Fatalf("drain must time out with a run in flight")
	}
	p.wg.Done()
	if !p.drain(time.Second) {
		t.Fatalf("drain must succeed once runs finish")
	}
}
