package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
)

const (
	EventSource     = "gov.nasa.cumulus.cnm-response"
	EventDetailType = "CNMResponse"
)

type SNSPublishAPI interface {
	Publish(context.Context, *sns.PublishInput, ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type KinesisPutRecordAPI interface {
	PutRecord(context.Context, *kinesis.PutRecordInput, ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

type SQSSendMessageAPI interface {
	GetQueueUrl(context.Context, *sqs.GetQueueUrlInput, ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(context.Context, *sqs.SendMessageInput, ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type EventBridgePutEventsAPI interface {
	PutEvents(context.Context, *eventbridge.PutEventsInput, ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// message is a serialized response ready for any transport.
type message struct {
	body         []byte
	attributes   cnm.MessageAttributes
	partitionKey string
}

type transport func(ctx context.Context, destination arn.ARN, msg message) error

func publishSNS(api SNSPublishAPI) transport {
	return func(ctx context.Context, destination arn.ARN, msg message) error {
		attrs := make(map[string]snstypes.MessageAttributeValue, len(msg.attributes))
		for name, attr := range msg.attributes {
			attrs[name] = snstypes.MessageAttributeValue{
				DataType:    aws.String(string(attr.DataType)),
				StringValue: aws.String(attr.Value),
			}
		}
		_, err := api.Publish(ctx, &sns.PublishInput{
			TopicArn:          aws.String(destination.String()),
			Message:           aws.String(string(msg.body)),
			MessageAttributes: attrs,
		})
		return err
	}
}

func putKinesisRecord(api KinesisPutRecordAPI) transport {
	return func(ctx context.Context, destination arn.ARN, msg message) error {
		_, err := api.PutRecord(ctx, &kinesis.PutRecordInput{
			StreamARN:    aws.String(destination.String()),
			Data:         msg.body,
			PartitionKey: aws.String(msg.partitionKey),
		})
		return err
	}
}

func sendSQSMessage(api SQSSendMessageAPI) transport {
	return func(ctx context.Context, destination arn.ARN, msg message) error {
		queue, err := api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
			QueueName:              aws.String(destination.Resource),
			QueueOwnerAWSAccountId: aws.String(destination.AccountID),
		})
		if err != nil {
			return fmt.Errorf("error resolving queue url: %w", err)
		}

		attrs := make(map[string]sqstypes.MessageAttributeValue, len(msg.attributes))
		for name, attr := range msg.attributes {
			attrs[name] = sqstypes.MessageAttributeValue{
				DataType:    aws.String(string(attr.DataType)),
				StringValue: aws.String(attr.Value),
			}
		}
		_, err = api.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:          queue.QueueUrl,
			MessageBody:       aws.String(string(msg.body)),
			MessageAttributes: attrs,
		})
		return err
	}
}

func putEvent(api EventBridgePutEventsAPI) transport {
	return func(ctx context.Context, destination arn.ARN, msg message) error {
		out, err := api.PutEvents(ctx, &eventbridge.PutEventsInput{
			Entries: []ebtypes.PutEventsRequestEntry{{
				EventBusName: aws.String(destination.String()),
				Source:       aws.String(EventSource),
				DetailType:   aws.String(EventDetailType),
				Detail:       aws.String(string(msg.body)),
			}},
		})
		if err != nil {
			return err
		}
		if out != nil && out.FailedEntryCount > 0 {
			reasons := make([]string, 0, len(out.Entries))
			for _, e := range out.Entries {
				if e.ErrorCode != nil {
					reasons = append(reasons, fmt.Sprintf("%s: %s",
						aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage)))
				}
			}
			return fmt.Errorf("%d event(s) rejected by event bus: %s",
				out.FailedEntryCount, strings.Join(reasons, "; "))
		}
		return nil
	}
}
