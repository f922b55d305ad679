package main

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/nasa-cumulus/cnm-tasks/internal/fanout"
	"github.com/nasa-cumulus/cnm-tasks/internal/log"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
)

const (
	dlqErrorMessage               = "CNM message unable to trigger ingest"
	sqsFirstReceiveTimestampField = "ApproximateFirstReceiveTimestamp"
)

// handleSQSEvent answers every dead-lettered CNM in the batch with a FAILURE response.
// Records whose response could not be sent are reported back for redelivery.
func handleSQSEvent(ctx context.Context, r *responder, event events.SQSEvent) (events.SQSEventResponse, error) {
	sendMetric("invocation_batch_size", float64(len(event.Records)))

	results := fanout.RunBounded(ctx, r.respondToDeadLetter, event.Records, r.dlqConcurrency)
	failures := make([]events.SQSBatchItemFailure, 0)
	for i, res := range results {
		if res.Err == nil {
			continue
		}
		id := event.Records[i].MessageId
		log.Error(logger, "Failed to respond to dead-lettered CNM", res.Err, "sqs_message_id", id)
		sendMetric("record.failed", 1)
		failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: id})
	}
	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func (r *responder) respondToDeadLetter(ctx context.Context, rec events.SQSMessage) (struct{}, error) {
	logger := log.With(logger, "sqs_message_id", rec.MessageId)

	msg, err := cnm.Decode([]byte(rec.Body))
	if err != nil {
		// Nothing identifies the provider's message, so there is nobody to answer.
		log.Error(logger, "Dropping undecodable dead-lettered message", err)
		sendMetric("record.undecodable", 1)
		return struct{}{}, nil
	}
	logger = log.With(logger, "cnm_identifier", msg.Identifier, "collection", msg.Collection.ShortName())

	received := cnm.NewTimestamp(firstReceived(rec, r.now()), cnm.LayoutCNM)
	msg.ReceivedTime = &received

	destinations := r.destinations(msg, nil)
	if len(destinations) == 0 {
		log.Info(logger, "No destinations for this CNM; not responding", "trace", msg.Trace)
		sendMetric("response.skipped", 1, "reason:no_destinations")
		return struct{}{}, nil
	}
	resp := r.mapper.FailureResponse(msg, errors.New(dlqErrorMessage))
	return struct{}{}, r.send(ctx, logger, msg, resp, destinations)
}

// firstReceived returns when SQS first delivered rec, or fallback when that is unknown.
func firstReceived(rec events.SQSMessage, fallback time.Time) time.Time {
	ms, err := strconv.ParseInt(rec.Attributes[sqsFirstReceiveTimestampField], 10, 64)
	if err != nil {
		return fallback
	}
	return time.UnixMilli(ms).UTC()
}
