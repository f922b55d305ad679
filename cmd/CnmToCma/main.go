// Package main compiles to an AWS Lambda handler binary that validates an inbound Cloud
// Notification Message against the CNM schema matching its version and maps it to the
// Cumulus granule that the ingest workflow's next step will sync. The invocation event
// carries the CNM as "input" and the target collection as "config.collection".
package main

import (
	"context"
	goLog "log"

	ddlambda "github.com/DataDog/datadog-lambda-go"
	goenv "github.com/Netflix/go-env"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/nasa-cumulus/cnm-tasks/internal/ddHelpers"
	"github.com/nasa-cumulus/cnm-tasks/internal/log"
	"github.com/nasa-cumulus/cnm-tasks/internal/mapper"
)

type Environment struct {
	LogLevel                  string `env:"LOG_LEVEL,default=INFO"`
	StrictGranuleIDExtraction bool   `env:"GRANULE_ID_STRICT,default=false"`
	Extras                    goenv.EnvSet
}

var (
	env        Environment
	logger     log.Logger
	sendMetric = ddHelpers.NewMetricSender("CnmToCma")
)

func main() {
	es, err := goenv.UnmarshalFromEnviron(&env)
	if err != nil {
		goLog.Fatalf("error configuring environment variables: %v", err)
	}
	env.Extras = es
	log.ConfigureLogger(&logger, env.LogLevel)

	m := mapper.New(mapper.Config{
		StrictGranuleIDExtraction: env.StrictGranuleIDExtraction,
		Logger:                    logger,
	})

	log.Debug(logger, "Starting Lambda")
	lambda.Start(ddlambda.WrapFunction(func(ctx context.Context, event TaskEvent) (TaskOutput, error) {
		return handleEvent(ctx, m, event)
	}, nil))
}
