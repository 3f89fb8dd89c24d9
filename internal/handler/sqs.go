package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/jsoncodec"
)

// SQSRecordFunc processes one queue message. Returning an error marks only
// that message as failed.
type SQSRecordFunc func(ctx context.Context, msg events.SQSMessage) error

// SQS adapts fn to a Func that decodes an SQS batch and reports partial
// batch failures, so only the failed messages are redelivered.
func SQS(fn SQSRecordFunc, logger *slog.Logger) Func {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, event json.RawMessage) (any, error) {
		var batch events.SQSEvent
		if err := jsoncodec.Unmarshal(event, &batch); err != nil {
			return nil, &InvalidEventError{Expected: "SQS", Reason: err.Error()}
		}
		if len(batch.Records) == 0 {
			return nil, &InvalidEventError{Expected: "SQS", Reason: "no records"}
		}

		response := events.SQSEventResponse{
			BatchItemFailures: []events.SQSBatchItemFailure{},
		}
		for _, record := range batch.Records {
			if err := ctx.Err(); err != nil {
				return nil, context.Cause(ctx)
			}
			if err := fn(ctx, record); err != nil {
				logger.Warn("sqs_message_failed",
					"message_id", record.MessageId,
					"error", err,
				)
				response.BatchItemFailures = append(response.BatchItemFailures,
					events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			}
		}
		return response, nil
	}
}
