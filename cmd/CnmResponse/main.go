// Package main compiles to an AWS Lambda handler binary that reports the outcome of a CNM
// ingest back to the provider. It is invoked either as the final step of an ingest workflow,
// with the inbound CNM, the ingested granule and any workflow exception, or by the SQS queue
// that collects CNMs which never managed to start a workflow. Either way, a CNM-R document is
// built and sent to every configured SNS topic, Kinesis stream, SQS queue or EventBridge bus.
// RESPONSE_SQS_MAP routes responses by the CNM trace, overriding RESPONSE_ARNS for providers
// that listen elsewhere. Responses can optionally be archived to S3 (RESPONSE_ARCHIVE_BUCKET) and tracked per
// identifier in DynamoDB (RESPONSE_TABLE_NAME).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	goLog "log"
	"strings"

	ddlambda "github.com/DataDog/datadog-lambda-go"
	goenv "github.com/Netflix/go-env"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/nasa-cumulus/cnm-tasks/internal/awsHelpers"
	"github.com/nasa-cumulus/cnm-tasks/internal/ddHelpers"
	"github.com/nasa-cumulus/cnm-tasks/internal/dispatch"
	"github.com/nasa-cumulus/cnm-tasks/internal/log"
	"github.com/nasa-cumulus/cnm-tasks/internal/mapper"
	"github.com/nasa-cumulus/cnm-tasks/internal/responseStore"
	"github.com/tidwall/gjson"
	awstrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/aws/aws-sdk-go-v2/aws"
)

type Environment struct {
	LogLevel             string `env:"LOG_LEVEL,default=INFO"`
	ResponseArns         string `env:"RESPONSE_ARNS"`
	ResponseRoutes       string `env:"RESPONSE_SQS_MAP"`
	DistributionEndpoint string `env:"DISTRIBUTION_ENDPOINT"`
	ArchiveBucket        string `env:"RESPONSE_ARCHIVE_BUCKET"`
	LedgerTable          string `env:"RESPONSE_TABLE_NAME"`
	DLQConcurrency       int    `env:"DLQ_CONCURRENCY,default=10"`
	UsePathStyleS3Opt    bool   `env:"S3_USE_PATH_STYLE,default=false"`
	Extras               goenv.EnvSet
}

// responseArns splits the comma-separated RESPONSE_ARNS value.
func (e Environment) responseArns() []string {
	arns := make([]string, 0)
	for _, s := range strings.Split(e.ResponseArns, ",") {
		if s = strings.TrimSpace(s); s != "" {
			arns = append(arns, s)
		}
	}
	return arns
}

// responseRoutes decodes RESPONSE_SQS_MAP, a JSON object from CNM trace to one ARN or a
// list of ARNs.
func (e Environment) responseRoutes() (map[string][]string, error) {
	routes := make(map[string][]string)
	if strings.TrimSpace(e.ResponseRoutes) == "" {
		return routes, nil
	}
	doc := gjson.Parse(e.ResponseRoutes)
	if !gjson.Valid(e.ResponseRoutes) || !doc.IsObject() {
		return nil, errors.New("RESPONSE_SQS_MAP is not a JSON object")
	}
	var err error
	doc.ForEach(func(trace, value gjson.Result) bool {
		arns := make([]string, 0)
		switch {
		case value.Type == gjson.String:
			arns = append(arns, value.String())
		case value.IsArray():
			for _, v := range value.Array() {
				if v.Type != gjson.String {
					err = fmt.Errorf("RESPONSE_SQS_MAP route %q contains a non-string ARN", trace.String())
					return false
				}
				arns = append(arns, v.String())
			}
		default:
			err = fmt.Errorf("RESPONSE_SQS_MAP route %q must be an ARN or a list of ARNs", trace.String())
			return false
		}
		routes[trace.String()] = arns
		return true
	})
	if err != nil {
		return nil, err
	}
	return routes, nil
}

var (
	env        Environment
	logger     log.Logger
	sendMetric = ddHelpers.NewMetricSender("CnmResponse")
)

func main() {
	es, err := goenv.UnmarshalFromEnviron(&env)
	if err != nil {
		goLog.Fatalf("error configuring environment variables: %v", err)
	}
	env.Extras = es
	log.ConfigureLogger(&logger, env.LogLevel)
	routes, err := env.responseRoutes()
	if err != nil {
		goLog.Fatalf("error configuring response routes: %v", err)
	}

	m := mapper.New(mapper.Config{Logger: logger})

	log.Debug(logger, "Starting Lambda")
	lambda.Start(ddlambda.WrapFunction(func(ctx context.Context, event json.RawMessage) (any, error) {
		cfg, err := awsHelpers.GetConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("could not create AWS SDK config: %w", err)
		}
		awstrace.AppendMiddleware(&cfg)

		// Configure service clients
		clients := awsHelpers.NewResponseClients(cfg)
		r := &responder{
			mapper: m,
			dispatcher: dispatch.New(dispatch.Clients{
				SNS:         clients.SNS,
				Kinesis:     clients.Kinesis,
				SQS:         clients.SQS,
				EventBridge: clients.EventBridge,
			}, logger, sendMetric),
			responseArns:         env.responseArns(),
			routes:               routes,
			distributionEndpoint: env.DistributionEndpoint,
			dlqConcurrency:       env.DLQConcurrency,
		}
		if env.ArchiveBucket != "" {
			r.archive = responseStore.New(awsHelpers.NewS3Client(cfg, env.UsePathStyleS3Opt), env.ArchiveBucket)
		}
		if env.LedgerTable != "" {
			r.ledger = newResponseLedger(dynamodb.NewFromConfig(cfg), env.LedgerTable)
		}

		return handleInvocation(ctx, r, event)
	}, nil))
}
