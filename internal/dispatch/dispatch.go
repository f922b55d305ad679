// Package dispatch delivers CNM response documents to SNS topics, Kinesis streams,
// SQS queues and EventBridge buses identified by ARN.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/smithy-go"
	"github.com/nasa-cumulus/cnm-tasks/internal/ddHelpers"
	"github.com/nasa-cumulus/cnm-tasks/internal/log"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
	"github.com/tidwall/gjson"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

const (
	ServiceSNS         = "sns"
	ServiceKinesis     = "kinesis"
	ServiceSQS         = "sqs"
	ServiceEventBridge = "events"

	defaultPartitionKey = "cnm-response"
)

// UnsupportedDestinationError is a configuration error: the destination is not an ARN,
// or names a service that no transport (or no configured client) can deliver to.
type UnsupportedDestinationError struct {
	Destination string
	Reason      string
}

func (e *UnsupportedDestinationError) Error() string {
	return fmt.Sprintf("unsupported response destination %q: %s", e.Destination, e.Reason)
}

// DispatchError records a failed delivery to a single destination.
type DispatchError struct {
	Destination string
	Service     string
	Err         error
}

func (e DispatchError) Error() string {
	return fmt.Sprintf("error sending response to %s: %s", e.Destination, e.Err)
}

func (e DispatchError) Unwrap() error {
	return e.Err
}

// Clients holds the service APIs available to the dispatcher. A nil client disables
// delivery to that service.
type Clients struct {
	SNS         SNSPublishAPI
	Kinesis     KinesisPutRecordAPI
	SQS         SQSSendMessageAPI
	EventBridge EventBridgePutEventsAPI
}

type Dispatcher struct {
	transports map[string]transport
	logger     log.Logger
	sendMetric ddHelpers.MetricSender
}

func New(clients Clients, logger log.Logger, sendMetric ddHelpers.MetricSender) *Dispatcher {
	d := &Dispatcher{
		transports: make(map[string]transport),
		logger:     logger,
		sendMetric: sendMetric,
	}
	if sendMetric == nil {
		d.sendMetric = ddHelpers.NopMetricSender
	}
	if clients.SNS != nil {
		d.transports[ServiceSNS] = publishSNS(clients.SNS)
	}
	if clients.Kinesis != nil {
		d.transports[ServiceKinesis] = putKinesisRecord(clients.Kinesis)
	}
	if clients.SQS != nil {
		d.transports[ServiceSQS] = sendSQSMessage(clients.SQS)
	}
	if clients.EventBridge != nil {
		d.transports[ServiceEventBridge] = putEvent(clients.EventBridge)
	}
	return d
}

type route struct {
	destination string
	arn         arn.ARN
	send        transport
}

// Dispatch serializes body once and sends it with attrs to every destination, in order.
// Every destination is attempted exactly once regardless of earlier failures; failures are
// returned as DispatchErrors. The returned error is non-nil only when a destination could
// not be routed, in which case nothing is sent.
func (d *Dispatcher) Dispatch(ctx context.Context, body any, attrs cnm.MessageAttributes, destinations []string) ([]DispatchError, error) {
	routes, err := d.resolve(destinations)
	if err != nil {
		return nil, err
	}

	msg, err := newMessage(body, attrs)
	if err != nil {
		return nil, err
	}

	span, ctx := tracer.StartSpanFromContext(ctx, "dispatch.response")
	failures := make([]DispatchError, 0)
	for _, r := range routes {
		logger := log.With(d.logger, "destination", r.destination, "service", r.arn.Service)
		sendSpan, sendCtx := tracer.StartSpanFromContext(ctx, "dispatch.send",
			tracer.Tag("destination_service", r.arn.Service))
		err := r.send(sendCtx, r.arn, msg)
		sendSpan.Finish(tracer.WithError(err))

		if err != nil {
			log.Error(logger, "Error sending response", err, "api_error_code", apiErrorCode(err))
			d.sendMetric("response.send_failed", 1, fmt.Sprintf("service:%s", r.arn.Service))
			failures = append(failures, DispatchError{Destination: r.destination, Service: r.arn.Service, Err: err})
			continue
		}
		log.Debug(logger, "Sent response", "attributes", attrs.Strings())
		d.sendMetric("response.sent", 1, fmt.Sprintf("service:%s", r.arn.Service))
	}
	span.Finish()
	return failures, nil
}

func (d *Dispatcher) resolve(destinations []string) ([]route, error) {
	routes := make([]route, 0, len(destinations))
	for _, dest := range destinations {
		parsed, err := arn.Parse(dest)
		if err != nil {
			return nil, &UnsupportedDestinationError{Destination: dest, Reason: err.Error()}
		}
		send, ok := d.transports[parsed.Service]
		if !ok {
			return nil, &UnsupportedDestinationError{
				Destination: dest,
				Reason:      fmt.Sprintf("no transport for service %q", parsed.Service),
			}
		}
		routes = append(routes, route{destination: dest, arn: parsed, send: send})
	}
	return routes, nil
}

func newMessage(body any, attrs cnm.MessageAttributes) (message, error) {
	var b []byte
	switch v := body.(type) {
	case []byte:
		b = v
	case json.RawMessage:
		b = v
	default:
		var err error
		if b, err = json.Marshal(body); err != nil {
			return message{}, fmt.Errorf("error serializing response: %w", err)
		}
	}

	key := gjson.GetBytes(b, "identifier").String()
	if key == "" {
		key = attrs[cnm.AttributeCollection].Value
	}
	if key == "" {
		key = defaultPartitionKey
	}
	return message{body: b, attributes: attrs, partitionKey: key}, nil
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
