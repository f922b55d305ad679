package awsHelpers

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// GetConfig returns an AWS SDK v2 Config with a custom resolver that resolves SDK requests
// to an endpoint at http://$LOCALSTACK_HOSTNAME:4566 when $LOCALSTACK_HOSTNAME is configured
// in the current environment.
// $EDGE_PORT will override port 4566 only when $LOCALSTACK_HOSTNAME is also set.
// If no $LOCALSTACK_HOSTNAME variable exists in the current environment, the resolver falls
// back to the SDK's default endpoint resolution behavior.
func GetConfig(ctx context.Context) (aws.Config, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(localstackEndpoint)
	return config.LoadDefaultConfig(ctx, config.WithEndpointResolverWithOptions(resolver))
}

func localstackEndpoint(service, region string, options ...interface{}) (aws.Endpoint, error) {
	if lsHostname, isSet := os.LookupEnv("LOCALSTACK_HOSTNAME"); isSet {
		lsPort := "4566"
		if edgePort, isSet := os.LookupEnv("EDGE_PORT"); isSet {
			lsPort = edgePort
		}
		return aws.Endpoint{URL: fmt.Sprintf("http://%s:%s", lsHostname, lsPort)}, nil
	}

	// Allow fallback to default resolution
	return aws.Endpoint{}, &aws.EndpointNotFoundError{}
}

// ResponseClients holds the service clients that CNM responses may be delivered through.
type ResponseClients struct {
	SNS         *sns.Client
	Kinesis     *kinesis.Client
	SQS         *sqs.Client
	EventBridge *eventbridge.Client
}

// NewResponseClients builds every client needed to deliver CNM responses from a single
// (possibly traced) SDK config.
func NewResponseClients(cfg aws.Config) ResponseClients {
	return ResponseClients{
		SNS:         sns.NewFromConfig(cfg),
		Kinesis:     kinesis.NewFromConfig(cfg),
		SQS:         NewSQSClient(cfg),
		EventBridge: eventbridge.NewFromConfig(cfg),
	}
}

// NewSQSClient returns an SQS client for cfg.
func NewSQSClient(cfg aws.Config) *sqs.Client {
	var sqsResolver sqs.EndpointResolverFunc = func(region string, options sqs.EndpointResolverOptions) (aws.Endpoint, error) {
		return cfg.EndpointResolverWithOptions.ResolveEndpoint("sqs", cfg.Region)
	}
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		// the logic for providing the config above doesn't affect the endpoint for SQS, and this is
		// needed so that localstack will work
		if _, isSet := os.LookupEnv("LOCALSTACK_HOSTNAME"); isSet {
			o.EndpointResolver = sqsResolver
		}
	})
}

// NewS3Client returns an S3 client for cfg, optionally using path-style bucket addressing.
func NewS3Client(cfg aws.Config, usePathStyle bool) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) { o.UsePathStyle = usePathStyle })
}
