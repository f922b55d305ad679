package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
	"github.com/go-kit/log"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	topicARN  = "arn:aws:sns:us-west-2:123456789012:cnm-response"
	streamARN = "arn:aws:kinesis:us-west-2:123456789012:stream/cnm-response"
	queueARN  = "arn:aws:sqs:us-west-2:123456789012:cnm-response-queue"
	busARN    = "arn:aws:events:us-west-2:123456789012:event-bus/cnm-response"
)

// callLog records the order in which destinations were attempted across all mocks.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

type mockSNS struct {
	log    *callLog
	err    error
	inputs []*sns.PublishInput
}

func (m *mockSNS) Publish(ctx context.Context, p *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.log.add("sns:" + aws.ToString(p.TopicArn))
	m.inputs = append(m.inputs, p)
	return &sns.PublishOutput{}, m.err
}

type mockKinesis struct {
	log    *callLog
	err    error
	inputs []*kinesis.PutRecordInput
}

func (m *mockKinesis) PutRecord(ctx context.Context, p *kinesis.PutRecordInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error) {
	m.log.add("kinesis:" + aws.ToString(p.StreamARN))
	m.inputs = append(m.inputs, p)
	return &kinesis.PutRecordOutput{}, m.err
}

type mockSQS struct {
	log           *callLog
	getQueueErr   error
	sendErr       error
	queueRequests []*sqs.GetQueueUrlInput
	inputs        []*sqs.SendMessageInput
}

func (m *mockSQS) GetQueueUrl(ctx context.Context, p *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	m.queueRequests = append(m.queueRequests, p)
	if m.getQueueErr != nil {
		m.log.add("sqs:" + aws.ToString(p.QueueName))
		return nil, m.getQueueErr
	}
	return &sqs.GetQueueUrlOutput{
		QueueUrl: aws.String(fmt.Sprintf("https://sqs.us-west-2.amazonaws.com/%s/%s",
			aws.ToString(p.QueueOwnerAWSAccountId), aws.ToString(p.QueueName))),
	}, nil
}

func (m *mockSQS) SendMessage(ctx context.Context, p *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.log.add("sqs:" + aws.ToString(p.QueueUrl))
	m.inputs = append(m.inputs, p)
	return &sqs.SendMessageOutput{}, m.sendErr
}

type mockEventBridge struct {
	log    *callLog
	err    error
	output *eventbridge.PutEventsOutput
	inputs []*eventbridge.PutEventsInput
}

func (m *mockEventBridge) PutEvents(ctx context.Context, p *eventbridge.PutEventsInput, _ ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error) {
	m.log.add("events:" + aws.ToString(p.Entries[0].EventBusName))
	m.inputs = append(m.inputs, p)
	if m.output == nil {
		return &eventbridge.PutEventsOutput{}, m.err
	}
	return m.output, m.err
}

type mocks struct {
	log         *callLog
	sns         *mockSNS
	kinesis     *mockKinesis
	sqs         *mockSQS
	eventBridge *mockEventBridge
}

func newMocks() *mocks {
	l := &callLog{}
	return &mocks{
		log:         l,
		sns:         &mockSNS{log: l},
		kinesis:     &mockKinesis{log: l},
		sqs:         &mockSQS{log: l},
		eventBridge: &mockEventBridge{log: l},
	}
}

func (m *mocks) dispatcher() *Dispatcher {
	return New(Clients{SNS: m.sns, Kinesis: m.kinesis, SQS: m.sqs, EventBridge: m.eventBridge},
		log.NewNopLogger(), nil)
}

var testAttrs = cnm.MessageAttributes{
	cnm.AttributeCollection:     cnm.StringAttribute("ATL08"),
	cnm.AttributeResponseStatus: cnm.StringAttribute("SUCCESS"),
	cnm.AttributeDataVersion:    cnm.StringAttribute("006"),
}

var testBody = map[string]interface{}{
	"identifier": "c1f1be11-9cbd-4620-ad07-9a7f2afb8349",
	"response":   map[string]string{"status": "SUCCESS"},
}

func TestDispatch(t *testing.T) {
	t.Run("failure does not stop later destinations", func(t *testing.T) {
		m := newMocks()
		m.sns.err = errors.New("topic does not exist")

		failures, err := m.dispatcher().Dispatch(context.Background(), testBody, testAttrs,
			[]string{topicARN, streamARN})
		require.NoError(t, err)
		require.Len(t, failures, 1)
		assert.Equal(t, topicARN, failures[0].Destination)
		assert.Equal(t, ServiceSNS, failures[0].Service)
		assert.EqualError(t, failures[0].Err, "topic does not exist")
		assert.Equal(t, []string{"sns:" + topicARN, "kinesis:" + streamARN}, m.log.calls)
	})

	t.Run("every destination attempted once in order", func(t *testing.T) {
		m := newMocks()
		m.kinesis.err = errors.New("throttled")
		m.sqs.sendErr = errors.New("queue full")

		failures, err := m.dispatcher().Dispatch(context.Background(), testBody, testAttrs,
			[]string{busARN, streamARN, topicARN, queueARN})
		require.NoError(t, err)
		require.Len(t, failures, 2)
		assert.Equal(t, streamARN, failures[0].Destination)
		assert.Equal(t, queueARN, failures[1].Destination)
		assert.Equal(t, []string{
			"events:" + busARN,
			"kinesis:" + streamARN,
			"sns:" + topicARN,
			"sqs:https://sqs.us-west-2.amazonaws.com/123456789012/cnm-response-queue",
		}, m.log.calls)
	})

	t.Run("no destinations", func(t *testing.T) {
		failures, err := newMocks().dispatcher().Dispatch(context.Background(), testBody, testAttrs, nil)
		require.NoError(t, err)
		assert.Empty(t, failures)
	})

	for _, tt := range []struct {
		name        string
		destination string
	}{
		{"malformed arn", "not-an-arn"},
		{"unknown service", "arn:aws:lambda:us-west-2:123456789012:function:cnm"},
	} {
		t.Run(tt.name+" is fatal before any send", func(t *testing.T) {
			m := newMocks()
			failures, err := m.dispatcher().Dispatch(context.Background(), testBody, testAttrs,
				[]string{topicARN, tt.destination})
			var destErr *UnsupportedDestinationError
			require.ErrorAs(t, err, &destErr)
			assert.Equal(t, tt.destination, destErr.Destination)
			assert.Nil(t, failures)
			assert.Empty(t, m.log.calls)
		})
	}

	t.Run("service without a configured client", func(t *testing.T) {
		d := New(Clients{SNS: newMocks().sns}, log.NewNopLogger(), nil)
		_, err := d.Dispatch(context.Background(), testBody, testAttrs, []string{streamARN})
		var destErr *UnsupportedDestinationError
		assert.ErrorAs(t, err, &destErr)
	})

	t.Run("api error is preserved", func(t *testing.T) {
		m := newMocks()
		m.sns.err = &smithy.GenericAPIError{Code: "NotFound", Message: "Topic does not exist"}
		failures, err := m.dispatcher().Dispatch(context.Background(), testBody, testAttrs, []string{topicARN})
		require.NoError(t, err)
		require.Len(t, failures, 1)
		var apiErr smithy.APIError
		require.ErrorAs(t, failures[0], &apiErr)
		assert.Equal(t, "NotFound", apiErr.ErrorCode())
		assert.Equal(t, "NotFound", apiErrorCode(failures[0].Err))
	})
}

func TestTransports(t *testing.T) {
	t.Run("sns", func(t *testing.T) {
		m := newMocks()
		attrs := cnm.MessageAttributes{"COLLECTION": cnm.StringAttribute("ATL08"), "RETRY": cnm.NumberAttribute(2)}
		_, err := m.dispatcher().Dispatch(context.Background(), testBody, attrs, []string{topicARN})
		require.NoError(t, err)
		require.Len(t, m.sns.inputs, 1)
		in := m.sns.inputs[0]
		assert.Equal(t, topicARN, aws.ToString(in.TopicArn))
		expectedBody, _ := json.Marshal(testBody)
		assert.JSONEq(t, string(expectedBody), aws.ToString(in.Message))
		assert.Equal(t, "String", aws.ToString(in.MessageAttributes["COLLECTION"].DataType))
		assert.Equal(t, "ATL08", aws.ToString(in.MessageAttributes["COLLECTION"].StringValue))
		assert.Equal(t, "Number", aws.ToString(in.MessageAttributes["RETRY"].DataType))
		assert.Equal(t, "2", aws.ToString(in.MessageAttributes["RETRY"].StringValue))
	})

	t.Run("kinesis", func(t *testing.T) {
		m := newMocks()
		raw := json.RawMessage(`{"identifier":"abc","response":{"status":"FAILURE"}}`)
		_, err := m.dispatcher().Dispatch(context.Background(), raw, testAttrs, []string{streamARN})
		require.NoError(t, err)
		require.Len(t, m.kinesis.inputs, 1)
		in := m.kinesis.inputs[0]
		assert.Equal(t, streamARN, aws.ToString(in.StreamARN))
		assert.Equal(t, "abc", aws.ToString(in.PartitionKey))
		assert.Equal(t, []byte(raw), in.Data)
	})

	t.Run("kinesis partition key fallback", func(t *testing.T) {
		m := newMocks()
		_, err := m.dispatcher().Dispatch(context.Background(), []byte(`{}`), testAttrs, []string{streamARN})
		require.NoError(t, err)
		assert.Equal(t, "ATL08", aws.ToString(m.kinesis.inputs[0].PartitionKey))

		_, err = m.dispatcher().Dispatch(context.Background(), []byte(`{}`), cnm.MessageAttributes{}, []string{streamARN})
		require.NoError(t, err)
	})

	t.Run("sqs", func(t *testing.T) {
		m := newMocks()
		_, err := m.dispatcher().Dispatch(context.Background(), testBody, testAttrs, []string{queueARN})
		require.NoError(t, err)
		require.Len(t, m.sqs.queueRequests, 1)
		assert.Equal(t, "cnm-response-queue", aws.ToString(m.sqs.queueRequests[0].QueueName))
		assert.Equal(t, "123456789012", aws.ToString(m.sqs.queueRequests[0].QueueOwnerAWSAccountId))
		require.Len(t, m.sqs.inputs, 1)
		assert.Equal(t, "https://sqs.us-west-2.amazonaws.com/123456789012/cnm-response-queue",
			aws.ToString(m.sqs.inputs[0].QueueUrl))
		assert.Equal(t, "SUCCESS", aws.ToString(m.sqs.inputs[0].MessageAttributes["CNM_RESPONSE_STATUS"].StringValue))
	})

	t.Run("sqs queue lookup failure", func(t *testing.T) {
		m := newMocks()
		m.sqs.getQueueErr = errors.New("AWS.SimpleQueueService.NonExistentQueue")
		failures, err := m.dispatcher().Dispatch(context.Background(), testBody, testAttrs, []string{queueARN})
		require.NoError(t, err)
		require.Len(t, failures, 1)
		assert.ErrorContains(t, failures[0], "error resolving queue url")
		assert.Empty(t, m.sqs.inputs)
	})

	t.Run("eventbridge", func(t *testing.T) {
		m := newMocks()
		_, err := m.dispatcher().Dispatch(context.Background(), testBody, testAttrs, []string{busARN})
		require.NoError(t, err)
		require.Len(t, m.eventBridge.inputs, 1)
		entry := m.eventBridge.inputs[0].Entries[0]
		assert.Equal(t, busARN, aws.ToString(entry.EventBusName))
		assert.Equal(t, EventSource, aws.ToString(entry.Source))
		assert.Equal(t, EventDetailType, aws.ToString(entry.DetailType))
	})

	t.Run("eventbridge rejected entry", func(t *testing.T) {
		m := newMocks()
		m.eventBridge.output = &eventbridge.PutEventsOutput{
			FailedEntryCount: 1,
			Entries: []ebtypes.PutEventsResultEntry{{
				ErrorCode:    aws.String("InternalFailure"),
				ErrorMessage: aws.String("try again"),
			}},
		}
		failures, err := m.dispatcher().Dispatch(context.Background(), testBody, testAttrs, []string{busARN})
		require.NoError(t, err)
		require.Len(t, failures, 1)
		assert.ErrorContains(t, failures[0], "InternalFailure: try again")
	})

	t.Run("unserializable body", func(t *testing.T) {
		m := newMocks()
		_, err := m.dispatcher().Dispatch(context.Background(), make(chan int), testAttrs, []string{topicARN})
		assert.ErrorContains(t, err, "error serializing response")
		assert.Empty(t, m.log.calls)
	})
}
