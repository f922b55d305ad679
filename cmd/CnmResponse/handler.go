package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/hashicorp/go-multierror"
	"github.com/nasa-cumulus/cnm-tasks/internal/dispatch"
	"github.com/nasa-cumulus/cnm-tasks/internal/log"
	"github.com/nasa-cumulus/cnm-tasks/internal/mapper"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cma"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
	"github.com/tidwall/gjson"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

var (
	ErrTooManyGranules = errors.New("a CNM response describes at most one granule")
	ErrMissingCNM      = errors.New("task event carries no CNM in config or payload")
)

type ResponseDispatcher interface {
	Dispatch(ctx context.Context, body any, attrs cnm.MessageAttributes, destinations []string) ([]dispatch.DispatchError, error)
}

type ResponseArchive interface {
	Put(ctx context.Context, resp *cnm.Response, attrs cnm.MessageAttributes, archivedAt time.Time) (string, error)
}

type ResponseLedger interface {
	Record(ctx context.Context, resp *cnm.Response) error
}

// TaskEvent is the workflow step input. Input is the workflow payload: normally the
// granules produced by ingest, but the inbound CNM itself when the workflow failed before
// the CNM was translated.
type TaskEvent struct {
	Input  json.RawMessage `json:"input"`
	Config TaskConfig      `json:"config"`
}

type TaskConfig struct {
	CNM                  json.RawMessage `json:"cnm,omitempty"`
	CNMS                 json.RawMessage `json:"cnm_s,omitempty"`
	Exception            json.RawMessage `json:"exception,omitempty"`
	ResponseArns         []string        `json:"responseArns,omitempty"`
	DistributionEndpoint string          `json:"distributionEndpoint,omitempty"`
	// ReceivedCount and SQSMaxRetries hold back FAILURE responses while the inbound CNM
	// will still be redelivered. Both must be set for the hold to apply.
	ReceivedCount *int `json:"received_count,omitempty"`
	SQSMaxRetries *int `json:"sqs_max_retries,omitempty"`
}

// retriesRemaining reports whether the inbound message will be delivered again.
func (c TaskConfig) retriesRemaining() bool {
	return c.ReceivedCount != nil && c.SQSMaxRetries != nil && *c.ReceivedCount <= *c.SQSMaxRetries
}

// TaskOutput passes the workflow payload through. CNM is the response that was sent,
// and is omitted when nothing was sent.
type TaskOutput struct {
	CNM   *cnm.Response   `json:"cnm,omitempty"`
	Input json.RawMessage `json:"input"`
}

// taskCNM returns the first CNM document found in config.cnm, config.cnm_s or the payload.
// Values that are not JSON objects, such as unresolved templates, are skipped.
func taskCNM(event TaskEvent) (json.RawMessage, error) {
	for _, raw := range []json.RawMessage{event.Config.CNM, event.Config.CNMS, event.Input} {
		doc := gjson.ParseBytes(raw)
		if doc.IsObject() && doc.Get("identifier").Exists() {
			return raw, nil
		}
	}
	return nil, ErrMissingCNM
}

// taskGranules returns the payload granules, or nil when the payload carries none.
func taskGranules(input json.RawMessage) ([]cma.Granule, error) {
	result := gjson.GetBytes(input, "granules")
	if !result.IsArray() {
		return nil, nil
	}
	var granules []cma.Granule
	if err := json.Unmarshal([]byte(result.Raw), &granules); err != nil {
		return nil, fmt.Errorf("error decoding payload granules: %w", err)
	}
	return granules, nil
}

// SendError reports a response that was generated but could not be delivered to every
// destination. Destinations that did not fail were still sent the response.
type SendError struct {
	Failures []dispatch.DispatchError
}

func (e *SendError) Error() string {
	var errs *multierror.Error
	for _, f := range e.Failures {
		errs = multierror.Append(errs, f)
	}
	return fmt.Sprintf("response could not be sent to %d destination(s): %s", len(e.Failures), errs)
}

func (e *SendError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

type responder struct {
	mapper               *mapper.Mapper
	dispatcher           ResponseDispatcher
	archive              ResponseArchive
	ledger               ResponseLedger
	responseArns         []string
	routes               map[string][]string
	distributionEndpoint string
	dlqConcurrency       int
	clock                func() time.Time
}

func (r *responder) now() time.Time {
	if r.clock == nil {
		return time.Now()
	}
	return r.clock()
}

// destinations picks where a response to msg goes. Explicit task configuration wins,
// then the route for the message trace, then the default response ARNs. A trace routed
// to an empty list is never answered.
func (r *responder) destinations(msg *cnm.NotificationMessage, configured []string) []string {
	if len(configured) > 0 {
		return configured
	}
	if arns, ok := r.routes[msg.Trace]; ok && msg.Trace != "" {
		return arns
	}
	return r.responseArns
}

// handleInvocation routes SQS dead-letter batches and workflow task events.
func handleInvocation(ctx context.Context, r *responder, raw json.RawMessage) (any, error) {
	if gjson.GetBytes(raw, "Records").IsArray() {
		var event events.SQSEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("error decoding SQS event: %w", err)
		}
		return handleSQSEvent(ctx, r, event)
	}

	var event TaskEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("error decoding task event: %w", err)
	}
	return handleTaskEvent(ctx, r, event)
}

func handleTaskEvent(ctx context.Context, r *responder, event TaskEvent) (TaskOutput, error) {
	granules, err := taskGranules(event.Input)
	if err != nil {
		return TaskOutput{}, log.Errorf(logger, "error reading task payload", err)
	}
	if n := len(granules); n > 1 {
		sendMetric("response.rejected", 1, "reason:too_many_granules")
		return TaskOutput{}, fmt.Errorf("%w: got %d granules", ErrTooManyGranules, n)
	}

	raw, err := taskCNM(event)
	if err != nil {
		sendMetric("response.rejected", 1, "reason:missing_cnm")
		return TaskOutput{}, err
	}
	msg, err := cnm.Decode(raw)
	if err != nil {
		return TaskOutput{}, log.Errorf(logger, "unusable CNM in task event", err)
	}
	logger := log.With(logger, "cnm_identifier", msg.Identifier, "collection", msg.Collection.ShortName())

	var granule *cma.Granule
	if len(granules) == 1 {
		granule = &granules[0]
		logger = log.With(logger, "granule_id", granule.GranuleID)
	}

	destinations := r.destinations(msg, event.Config.ResponseArns)
	if len(destinations) == 0 {
		log.Info(logger, "No destinations for this CNM; not responding", "trace", msg.Trace)
		sendMetric("response.skipped", 1, "reason:no_destinations")
		return TaskOutput{Input: event.Input}, nil
	}
	uris := mapper.S3URIs()
	if endpoint := event.Config.DistributionEndpoint; endpoint != "" {
		uris = mapper.HTTPURIs(endpoint)
	} else if r.distributionEndpoint != "" {
		uris = mapper.HTTPURIs(r.distributionEndpoint)
	}

	resp, err := r.mapper.ToResponse(msg, mapper.ParseException(event.Config.Exception), granule, uris)
	if err != nil {
		log.Error(logger, "Error generating response; sending failure response instead", err)
		sendMetric("response.generation_failed", 1)
		if sendErr := r.send(ctx, logger, msg, r.mapper.FailureResponse(msg, err), destinations); sendErr != nil {
			log.Error(logger, "Error sending failure response", sendErr)
		}
		return TaskOutput{}, fmt.Errorf("error generating response: %w", err)
	}

	if resp.Response.Status == cnm.StatusFailure && event.Config.retriesRemaining() {
		log.Info(logger, "Holding failure response until the CNM is no longer retried",
			"received_count", *event.Config.ReceivedCount, "sqs_max_retries", *event.Config.SQSMaxRetries)
		sendMetric("response.deferred", 1)
		return TaskOutput{Input: event.Input}, nil
	}

	if err := r.send(ctx, logger, msg, resp, destinations); err != nil {
		return TaskOutput{}, err
	}
	return TaskOutput{CNM: resp, Input: event.Input}, nil
}

// send dispatches resp and then records it in the archive and ledger, when configured.
// Recording happens even when some destinations failed so the response can be replayed.
func (r *responder) send(ctx context.Context, logger log.Logger, msg *cnm.NotificationMessage, resp *cnm.Response, destinations []string) error {
	span, ctx := tracer.StartSpanFromContext(ctx, "response.send")
	attrs := mapper.Attributes(msg, resp)
	logger = log.With(logger, "response_status", resp.Response.Status, "error_code", resp.Response.ErrorCode)

	failures, err := r.dispatcher.Dispatch(ctx, resp, attrs, destinations)
	if err != nil {
		span.Finish(tracer.WithError(err))
		return log.Errorf(logger, "error routing response", err)
	}
	r.record(ctx, logger, resp, attrs)

	status := fmt.Sprintf("status:%s", resp.Response.Status)
	if len(failures) > 0 {
		err := &SendError{Failures: failures}
		span.Finish(tracer.WithError(err))
		sendMetric("response.incomplete", 1, status)
		return err
	}
	span.Finish()
	sendMetric("response.dispatched", 1, status)
	log.Info(logger, "Sent response", "destinations_count", len(destinations))
	return nil
}

func (r *responder) record(ctx context.Context, logger log.Logger, resp *cnm.Response, attrs cnm.MessageAttributes) {
	if r.archive != nil {
		key, err := r.archive.Put(ctx, resp, attrs, r.now())
		if err != nil {
			log.Error(logger, "Error archiving response", err)
			sendMetric("response.archive_failed", 1)
		} else {
			log.Debug(logger, "Archived response", "archive_key", key)
		}
	}
	if r.ledger != nil {
		if err := r.ledger.Record(ctx, resp); err != nil {
			log.Error(logger, "Error recording response in ledger", err)
			sendMetric("response.ledger_failed", 1)
		}
	}
}
