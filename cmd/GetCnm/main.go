// Package main compiles to an AWS Lambda handler binary that recovers the CNM which first
// started ingest of each granule in its input. Executions are found through the Cumulus
// private API; the oldest execution for a granule is taken to be the one a provider's CNM
// started, and when that execution was itself started by another workflow its parent is read
// instead. Used by workflows that reprocess granules and must still answer the provider.
package main

import (
	"context"
	"errors"
	"fmt"
	goLog "log"
	"time"

	ddlambda "github.com/DataDog/datadog-lambda-go"
	goenv "github.com/Netflix/go-env"
	"github.com/aws/aws-lambda-go/lambda"
	lambdasvc "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/nasa-cumulus/cnm-tasks/internal/awsHelpers"
	"github.com/nasa-cumulus/cnm-tasks/internal/cumulusApi"
	"github.com/nasa-cumulus/cnm-tasks/internal/ddHelpers"
	"github.com/nasa-cumulus/cnm-tasks/internal/log"
	awstrace "gopkg.in/DataDog/dd-trace-go.v1/contrib/aws/aws-sdk-go-v2/aws"
)

type Environment struct {
	LogLevel          string `env:"LOG_LEVEL,default=INFO"`
	StackPrefix       string `env:"STACKNAME"`
	PrivateAPILambda  string `env:"PRIVATE_API_LAMBDA_ARN"`
	PageSize          int    `env:"EXECUTION_PAGE_SIZE,default=100"`
	SearchConcurrency int    `env:"SEARCH_CONCURRENCY,default=5"`
	APIRetrySeconds   int    `env:"API_MAX_RETRY_SECONDS,default=30"`
	Extras            goenv.EnvSet
}

// privateAPIFunction names the Cumulus private API Lambda, defaulting to the function
// Cumulus deploys for the stack.
func (e Environment) privateAPIFunction() (string, error) {
	switch {
	case e.PrivateAPILambda != "":
		return e.PrivateAPILambda, nil
	case e.StackPrefix != "":
		return e.StackPrefix + "-PrivateApiLambda", nil
	}
	return "", errors.New("one of PRIVATE_API_LAMBDA_ARN or STACKNAME must be set")
}

var (
	env        Environment
	logger     log.Logger
	sendMetric = ddHelpers.NewMetricSender("GetCnm")
)

func main() {
	es, err := goenv.UnmarshalFromEnviron(&env)
	if err != nil {
		goLog.Fatalf("error configuring environment variables: %v", err)
	}
	env.Extras = es
	log.ConfigureLogger(&logger, env.LogLevel)

	function, err := env.privateAPIFunction()
	if err != nil {
		goLog.Fatalf("error configuring environment variables: %v", err)
	}

	log.Debug(logger, "Starting Lambda")
	lambda.Start(ddlambda.WrapFunction(func(ctx context.Context, event TaskEvent) (TaskOutput, error) {
		cfg, err := awsHelpers.GetConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("could not create AWS SDK config: %w", err)
		}
		awstrace.AppendMiddleware(&cfg)

		f := &finder{
			api: cumulusApi.New(lambdasvc.NewFromConfig(cfg), function,
				time.Duration(env.APIRetrySeconds)*time.Second),
			pageSize:    env.PageSize,
			concurrency: env.SearchConcurrency,
		}
		return handleEvent(ctx, f, event)
	}, nil))
}
