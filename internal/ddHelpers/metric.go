package ddHelpers

import (
	"fmt"

	ddlambda "github.com/DataDog/datadog-lambda-go"
)

const ServiceNamespace = "cnm_tasks"

var ddLambdaMetricSender = ddlambda.Metric

// MetricSender emits a single metric value with optional tags.
type MetricSender func(metric string, value float64, tags ...string)

// NewMetricSender creates a MetricSender that wraps calls to ddlambda.Metric in order to
// provide consistent namespacing and tagging of metrics emitted by a Lambda function.
//
// The following example usages are functionally equivalent:
//
//	NewMetricSender("CnmResponse", "collection:ATL08")("response.dispatched", 1, "status:SUCCESS")
//	ddlambda.Metric("cnm_tasks.CnmResponse.response.dispatched", 1, "collection:ATL08", "status:SUCCESS")
func NewMetricSender(namespace string, defaultTags ...string) MetricSender {
	return func(metric string, value float64, tags ...string) {
		allTags := make([]string, 0, len(defaultTags)+len(tags))
		allTags = append(allTags, defaultTags...)
		ddLambdaMetricSender(
			fmt.Sprintf("%s.%s.%s", ServiceNamespace, namespace, metric),
			value,
			append(allTags, tags...)...,
		)
	}
}

// NopMetricSender discards every metric; useful for library callers and tests.
func NopMetricSender(string, float64, ...string) {}
