// Package main compiles to an AWS Lambda handler binary that announces Cumulus granules
// as 1.6.0 Cloud Notification Messages, for workflows that hand ingested granules on to
// another CNM-driven system.
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
	LogLevel string `env:"LOG_LEVEL,default=INFO"`
	Extras   goenv.EnvSet
}

var (
	env        Environment
	logger     log.Logger
	sendMetric = ddHelpers.NewMetricSender("CmaToCnm")
)

func main() {
	es, err := goenv.UnmarshalFromEnviron(&env)
	if err != nil {
		goLog.Fatalf("error configuring environment variables: %v", err)
	}
	env.Extras = es
	log.ConfigureLogger(&logger, env.LogLevel)

	m := mapper.New(mapper.Config{Logger: logger})

	log.Debug(logger, "Starting Lambda")
	lambda.Start(ddlambda.WrapFunction(func(ctx context.Context, event TaskEvent) (TaskOutput, error) {
		return handleEvent(ctx, m, event)
	}, nil))
}
