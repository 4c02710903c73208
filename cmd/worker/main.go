package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/sethvargo/go-retry"

	"docsteps-backend/internal/bootstrap"
	"docsteps-backend/internal/shared/config"
	"docsteps-backend/internal/shared/metrics"
	"docsteps-backend/internal/shared/telemetry"
	"docsteps-backend/internal/workerproc"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	receiveWaitSeconds     = 20
	receiveBatch           = 10
)

func main() {
	cfg := config.Load()
	telemetry.SetLevel(cfg.LogLevel)
	if cfg.SQSQueueURL == "" {
		log.Fatal("SQS_QUEUE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	app, err := bootstrap.Build(cfg)
	if err != nil {
		log.Fatalf("bootstrap build: %v", err)
	}

	p := &poller{
		client:      sqs.NewFromConfig(awsCfg),
		queueURL:    cfg.SQSQueueURL,
		proc:        workerproc.RunProcessor{Svc: app.Reprocess},
		concurrency: max(1, cfg.WorkerConcurrency),
		visibility:  time.Duration(cfg.SQSVisibilitySecond) * time.Second,
	}
	telemetry.Info("worker.started", map[string]any{
		"queue_url":   p.queueURL,
		"concurrency": p.concurrency,
		"visibility":  p.visibility.String(),
	})
	p.run(ctx)

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	if !p.drain(timeout) {
		telemetry.Warn("worker.shutdown_timeout", map[string]any{"timeout": timeout.String()})
	}
	if app.Shutdown != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(flushCtx)
	}
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// poller long-polls the queue and runs up to concurrency messages at a time.
// While a run is in flight its message visibility is extended so a long run is
// not redelivered to another worker.
type poller struct {
	client      sqsAPI
	queueURL    string
	proc        workerproc.Processor
	concurrency int
	visibility  time.Duration

	wg sync.WaitGroup
}

func (p *poller) run(ctx context.Context) {
	sem := make(chan struct{}, p.concurrency)
	for ctx.Err() == nil {
		msgs, err := p.receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				telemetry.Error("worker.receive_failed", map[string]any{"error": err.Error()})
			}
			return
		}
		for _, msg := range msgs {
			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			metrics.IncWorkerReceived()
			p.wg.Add(1)
			go func(m sqstypes.Message) {
				defer p.wg.Done()
				defer func() { <-sem }()
				// runs outlive the poll loop so a shutdown still writes their terminal state
				runCtx := context.WithoutCancel(ctx)
				stopHeartbeat := p.heartbeat(runCtx, m)
				defer stopHeartbeat()
				handleMessage(runCtx, p.client, p.queueURL, p.proc, m)
			}(msg)
		}
	}
}

// receive retries transient SQS failures with capped exponential backoff and
// gives up only when ctx ends.
func (p *poller) receive(ctx context.Context) ([]sqstypes.Message, error) {
	backoff := retry.WithCappedDuration(30*time.Second, retry.NewExponential(500*time.Millisecond))
	var msgs []sqstypes.Message
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		resp, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(p.queueURL),
			MaxNumberOfMessages: receiveBatch,
			WaitTimeSeconds:     receiveWaitSeconds,
			VisibilityTimeout:   int32(p.visibility / time.Second),
			AttributeNames:      []sqstypes.QueueAttributeName{sqstypes.QueueAttributeName("ApproximateReceiveCount")},
		})
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return err
			}
			telemetry.Warn("worker.receive_retry", map[string]any{"error": err.Error()})
			return retry.RetryableError(err)
		}
		msgs = resp.Messages
		return nil
	})
	return msgs, err
}

// heartbeat pushes the message visibility out every half period until the
// returned stop func is called.
func (p *poller) heartbeat(ctx context.Context, msg sqstypes.Message) func() {
	if p.visibility <= 0 || aws.ToString(msg.ReceiptHandle) == "" {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				_, err := p.client.ChangeMessageVisibility(hbCtx, &sqs.ChangeMessageVisibilityInput{
					QueueUrl:          aws.String(p.queueURL),
					ReceiptHandle:     msg.ReceiptHandle,
					VisibilityTimeout: int32(p.visibility / time.Second),
				})
				if err != nil && hbCtx.Err() == nil {
					telemetry.Warn("worker.visibility_extend_failed", map[string]any{
						"sqs_message_id": aws.ToString(msg.MessageId),
						"error":          err.Error(),
					})
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// drain waits for in-flight runs and reports whether they all finished in time.
func (p *poller) drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func handleMessage(ctx context.Context, client sqsAPI, queueURL string, proc workerproc.Processor, msg sqstypes.Message) {
	body := aws.ToString(msg.Body)
	decoded, meta, err := workerproc.ParseMessage(body)
	if err != nil {
		fields := messageFields(msg, "", "", "")
		fields["body_len"] = meta.BodyLen
		if meta.BodySHA != "" {
			fields["body_sha256"] = meta.BodySHA
		}
		var missing workerproc.ErrMissingTarget
		if errors.As(err, &missing) && missing.RequestID != "" {
			fields["request_id"] = missing.RequestID
		}
		fields["error"] = err.Error()
		telemetry.Error("worker.reprocess.invalid_message", fields)
		if deleteMessage(ctx, client, queueURL, msg, fields) {
			metrics.IncWorkerDeletedUnrecoverable()
		}
		return
	}

	fields := messageFields(msg, decoded.ProjectID, decoded.StepID, decoded.RequestID)
	fields["reprocess_type"] = decoded.ReprocessType
	telemetry.Info("worker.reprocess.received", fields)

	err = workerproc.HandleMessage(workerproc.WithParsedMessage(ctx, decoded), proc, body)
	switch {
	case err == nil:
		if deleteMessage(ctx, client, queueURL, msg, fields) {
			telemetry.Info("worker.reprocess.completed", fields)
			metrics.IncWorkerCompleted()
		}
	case workerproc.IsUnrecoverable(err):
		metrics.IncWorkerFailed()
		fields["error"] = err.Error()
		telemetry.Error("worker.reprocess.rejected", fields)
		if deleteMessage(ctx, client, queueURL, msg, fields) {
			metrics.IncWorkerDeletedUnrecoverable()
		}
	default:
		// left on the queue; it reappears after the visibility timeout
		metrics.IncWorkerFailed()
		fields["error"] = err.Error()
		telemetry.Error("worker.reprocess.failed", fields)
	}
}

func deleteMessage(ctx context.Context, client sqsAPI, queueURL string, msg sqstypes.Message, fields map[string]any) bool {
	fail := func(reason string) bool {
		out := make(map[string]any, len(fields)+1)
		for k, v := range fields {
			out[k] = v
		}
		out["error"] = reason
		telemetry.Error("worker.reprocess.delete_failed", out)
		return false
	}
	if aws.ToString(msg.ReceiptHandle) == "" {
		return fail("missing receipt handle")
	}
	if _, err := client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		return fail(err.Error())
	}
	return true
}

func messageFields(msg sqstypes.Message, projectID, stepID, requestID string) map[string]any {
	fields := map[string]any{
		"project_id":     projectID,
		"step_id":        stepID,
		"sqs_message_id": aws.ToString(msg.MessageId),
		"receive_count":  receiveCount(msg),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}

func receiveCount(msg sqstypes.Message) int {
	n, err := strconv.Atoi(msg.Attributes["ApproximateReceiveCount"])
	if err != nil {
		return 0
	}
	return n
}
