package main

// Build the Lambda handler binary:
//   GOOS=linux GOARCH=amd64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-worker

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"

	"docsteps-backend/internal/bootstrap"
	"docsteps-backend/internal/shared/config"
	"docsteps-backend/internal/shared/metrics"
	"docsteps-backend/internal/shared/telemetry"
	"docsteps-backend/internal/workerproc"
)

// minRunBudget is the invocation time a record needs before a run is started;
// records left over are handed back to the queue.
const minRunBudget = 90 * time.Second

var (
	initOnce sync.Once
	initErr  error
	proc     workerproc.Processor
)

func initApp() {
	cfg := config.Load()
	telemetry.SetLevel(cfg.LogLevel)
	built, err := bootstrap.Build(cfg)
	if err != nil {
		initErr = err
		return
	}
	proc = workerproc.RunProcessor{Svc: built.Reprocess}
}

func handler(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	initOnce.Do(initApp)
	if initErr != nil {
		telemetry.Error("lambda.bootstrap_failed", map[string]any{"error": initErr.Error()})
		return events.SQSEventResponse{BatchItemFailures: retryAll(event.Records)}, initErr
	}
	return processBatch(ctx, proc, event.Records), nil
}

func processBatch(ctx context.Context, p workerproc.Processor, records []events.SQSMessage) events.SQSEventResponse {
	var resp events.SQSEventResponse
	for i, record := range records {
		fields := map[string]any{"sqs_message_id": record.MessageId}
		if lc, ok := lambdacontext.FromContext(ctx); ok {
			fields["aws_request_id"] = lc.AwsRequestID
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < minRunBudget {
			fields["deferred"] = len(records) - i
			telemetry.Warn("lambda.reprocess.deferred", fields)
			resp.BatchItemFailures = append(resp.BatchItemFailures, retryAll(records[i:])...)
			break
		}

		metrics.IncWorkerReceived()
		// the run owns its step until the terminal write, even past the invocation deadline
		err := workerproc.HandleMessage(context.WithoutCancel(ctx), p, record.Body)
		switch {
		case err == nil:
			metrics.IncWorkerCompleted()
		case workerproc.IsUnrecoverable(err):
			// dropping the record is the only way to stop redelivery
			fields["error"] = err.Error()
			telemetry.Error("lambda.reprocess.rejected", fields)
			metrics.IncWorkerDeletedUnrecoverable()
		default:
			fields["error"] = err.Error()
			telemetry.Error("lambda.reprocess.failed", fields)
			metrics.IncWorkerFailed()
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp
}

func retryAll(records []events.SQSMessage) []events.SQSBatchItemFailure {
	out := make([]events.SQSBatchItemFailure, 0, len(records))
	for _, r := range records {
		out = append(out, events.SQSBatchItemFailure{ItemIdentifier: r.MessageId})
	}
	return out
}

func main() {
	lambda.Start(handler)
}
