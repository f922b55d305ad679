// Package cumulusApi reads execution records from the Cumulus private API. Requests are
// made by invoking the API's Lambda function directly with API Gateway proxy events, which
// is how the Cumulus API client reaches the private API from inside a deployment.
package cumulusApi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/cenkalti/backoff/v4"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

type LambdaInvokeAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// GranuleRef identifies a granule in an execution search.
type GranuleRef struct {
	GranuleID    string `json:"granuleId"`
	CollectionID string `json:"collectionId"`
}

// Execution is the subset of a Cumulus execution record needed to recover the message
// that started it. CreatedAt is in epoch milliseconds.
type Execution struct {
	Arn             string          `json:"arn,omitempty"`
	ParentArn       string          `json:"parentArn,omitempty"`
	CollectionID    string          `json:"collectionId,omitempty"`
	CreatedAt       int64           `json:"createdAt,omitempty"`
	OriginalPayload json.RawMessage `json:"originalPayload,omitempty"`
	FinalPayload    json.RawMessage `json:"finalPayload,omitempty"`
}

type PageMeta struct {
	Count int `json:"count"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

type ExecutionPage struct {
	Meta    PageMeta    `json:"meta"`
	Results []Execution `json:"results"`
}

// APIError is a response from the private API with an unexpected status code.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cumulus API %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Temporary reports whether repeating the request might succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

type Client struct {
	invoker      LambdaInvokeAPI
	functionName string
	newBackOff   func() backoff.BackOff
}

// New returns a Client that invokes functionName, usually "<prefix>-PrivateApiLambda".
// Failed invocations and temporary API errors are retried for up to maxRetryTime.
func New(invoker LambdaInvokeAPI, functionName string, maxRetryTime time.Duration) *Client {
	return &Client{
		invoker:      invoker,
		functionName: functionName,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = maxRetryTime
			return b
		},
	}
}

// SearchExecutionsByGranules returns one page of the executions that processed any of
// granules. Pages are numbered from 1.
func (c *Client) SearchExecutionsByGranules(ctx context.Context, granules []GranuleRef, page, limit int) (*ExecutionPage, error) {
	body, err := json.Marshal(struct {
		Granules []GranuleRef `json:"granules"`
	}{granules})
	if err != nil {
		return nil, fmt.Errorf("error serializing execution search: %w", err)
	}
	var out ExecutionPage
	if err := c.call(ctx, events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Resource:   "/{proxy+}",
		Path:       "/executions/search-by-granules",
		Headers:    map[string]string{"Content-Type": "application/json"},
		QueryStringParameters: map[string]string{
			"page":  strconv.Itoa(page),
			"limit": strconv.Itoa(limit),
		},
		Body: string(body),
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetExecution returns the execution record for arn.
func (c *Client) GetExecution(ctx context.Context, arn string) (*Execution, error) {
	var out Execution
	if err := c.call(ctx, events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Resource:   "/{proxy+}",
		Path:       "/executions/" + arn,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, req events.APIGatewayProxyRequest, out any) (err error) {
	span, ctx := tracer.StartSpanFromContext(ctx, "cumulus.api",
		tracer.Tag("http.method", req.HTTPMethod), tracer.Tag("http.path", req.Path))
	defer func() { span.Finish(tracer.WithError(err)) }()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("error serializing cumulus API request: %w", err)
	}

	var resp events.APIGatewayProxyResponse
	err = backoff.Retry(func() error {
		invoked, err := c.invoker.Invoke(ctx, &lambda.InvokeInput{
			FunctionName: aws.String(c.functionName),
			Payload:      payload,
		})
		if err != nil {
			return fmt.Errorf("error invoking %s: %w", c.functionName, err)
		}
		if invoked.FunctionError != nil {
			return fmt.Errorf("%s failed with %s: %s", c.functionName, aws.ToString(invoked.FunctionError), invoked.Payload)
		}
		resp = events.APIGatewayProxyResponse{}
		if err := json.Unmarshal(invoked.Payload, &resp); err != nil {
			return backoff.Permanent(fmt.Errorf("error decoding cumulus API response: %w", err))
		}
		if resp.StatusCode != http.StatusOK {
			apiErr := &APIError{Method: req.HTTPMethod, Path: req.Path, StatusCode: resp.StatusCode, Body: resp.Body}
			if apiErr.Temporary() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}
		return nil
	}, backoff.WithContext(c.newBackOff(), ctx))
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(resp.Body), out); err != nil {
		return fmt.Errorf("error decoding cumulus API %s %s body: %w", req.HTTPMethod, req.Path, err)
	}
	return nil
}
