package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/nasa-cumulus/cnm-tasks/internal/cumulusApi"
	"github.com/nasa-cumulus/cnm-tasks/internal/fanout"
	"github.com/nasa-cumulus/cnm-tasks/internal/log"
	"github.com/tidwall/gjson"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

// Cumulus makes granule IDs unique by appending "_" and a hash of this length to the
// producer's granule name.
const uniqueSuffixLength = 8

var ErrNoExecution = errors.New("no executions found for granule")

type ExecutionAPI interface {
	SearchExecutionsByGranules(ctx context.Context, granules []cumulusApi.GranuleRef, page, limit int) (*cumulusApi.ExecutionPage, error)
	GetExecution(ctx context.Context, arn string) (*cumulusApi.Execution, error)
}

type TaskEvent struct {
	Input TaskInput `json:"input"`
}

type TaskInput struct {
	Granules []cumulusApi.GranuleRef `json:"granules"`
}

// TaskOutput maps each granule ID to the CNM that first started its ingest.
type TaskOutput map[string]json.RawMessage

// GranuleMismatchError reports a recovered CNM whose product is not the granule it was
// looked up for.
type GranuleMismatchError struct {
	CNMProductName string
	GranuleID      string
}

func (e *GranuleMismatchError) Error() string {
	return fmt.Sprintf("found differing granule IDs for granule in CNM message (%s) and Cumulus message (%s)",
		e.CNMProductName, e.GranuleID)
}

type finder struct {
	api         ExecutionAPI
	pageSize    int
	concurrency int
}

type lookup struct {
	granuleID string
	execution cumulusApi.Execution
}

func handleEvent(ctx context.Context, f *finder, event TaskEvent) (TaskOutput, error) {
	span, ctx := tracer.StartSpanFromContext(ctx, "cnm.lookup")
	out, err := f.findCNMs(ctx, event.Input.Granules)
	span.Finish(tracer.WithError(err))
	return out, err
}

func (f *finder) findCNMs(ctx context.Context, granules []cumulusApi.GranuleRef) (TaskOutput, error) {
	out := make(TaskOutput, len(granules))
	if len(granules) == 0 {
		return out, nil
	}
	sendMetric("granule.requested", float64(len(granules)))

	executions, err := f.searchExecutions(ctx, granules)
	if err != nil {
		return nil, log.Errorf(logger, "error searching executions", err)
	}
	earliest := earliestExecutions(executions, granules)

	var errs *multierror.Error
	lookups := make([]lookup, 0, len(granules))
	for _, g := range granules {
		exec, ok := earliest[g.GranuleID]
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("%w %s", ErrNoExecution, g.GranuleID))
			continue
		}
		lookups = append(lookups, lookup{granuleID: g.GranuleID, execution: exec})
	}

	results := fanout.RunBounded(ctx, f.originalCNM, lookups, f.concurrency)
	for i, res := range results {
		if res.Err != nil {
			errs = multierror.Append(errs, res.Err)
			continue
		}
		out[lookups[i].granuleID] = res.Value
	}

	if err := errs.ErrorOrNil(); err != nil {
		sendMetric("granule.failed", float64(errs.Len()))
		return nil, log.Errorf(logger, "error recovering CNMs", err)
	}
	sendMetric("granule.recovered", float64(len(out)))
	log.Info(logger, "Recovered original CNMs", "granules_count", len(out))
	return out, nil
}

// searchExecutions reads every page of the execution search. The first page gives the
// total count and the rest are fetched concurrently.
func (f *finder) searchExecutions(ctx context.Context, granules []cumulusApi.GranuleRef) ([]cumulusApi.Execution, error) {
	limit := max(f.pageSize, 1)
	first, err := f.api.SearchExecutionsByGranules(ctx, granules, 1, limit)
	if err != nil {
		return nil, err
	}
	executions := append(make([]cumulusApi.Execution, 0, first.Meta.Count), first.Results...)

	pages := make([]int, 0)
	for p := 2; (p-1)*limit < first.Meta.Count; p++ {
		pages = append(pages, p)
	}
	log.Debug(logger, "Searching executions", "executions_count", first.Meta.Count, "pages_count", len(pages)+1)

	results := fanout.RunBounded(ctx, func(ctx context.Context, page int) ([]cumulusApi.Execution, error) {
		res, err := f.api.SearchExecutionsByGranules(ctx, granules, page, limit)
		if err != nil {
			return nil, fmt.Errorf("error fetching page %d: %w", page, err)
		}
		return res.Results, nil
	}, pages, f.concurrency)
	if errs := fanout.Errors(results); len(errs) > 0 {
		return nil, multierror.Append(nil, errs...)
	}
	for _, res := range results {
		executions = append(executions, res.Value...)
	}
	return executions, nil
}

// earliestExecutions returns, for each requested granule, the oldest execution whose final
// payload includes it. An execution without its own createdAt is dated by the granule's.
func earliestExecutions(executions []cumulusApi.Execution, granules []cumulusApi.GranuleRef) map[string]cumulusApi.Execution {
	wanted := make(map[string]bool, len(granules))
	for _, g := range granules {
		wanted[g.GranuleID] = true
	}

	earliest := make(map[string]cumulusApi.Execution)
	createdAt := make(map[string]int64)
	for _, exec := range executions {
		gjson.GetBytes(exec.FinalPayload, "granules").ForEach(func(_, g gjson.Result) bool {
			id := g.Get("granuleId").String()
			if !wanted[id] {
				return true
			}
			at := exec.CreatedAt
			if at == 0 {
				at = g.Get("createdAt").Int()
			}
			if prev, ok := createdAt[id]; !ok || at < prev {
				earliest[id] = exec
				createdAt[id] = at
			}
			return true
		})
	}
	return earliest
}

// originalCNM returns the message that started l.execution, following parentArn when the
// execution was started by another workflow.
func (f *finder) originalCNM(ctx context.Context, l lookup) (json.RawMessage, error) {
	logger := log.With(logger, "granule_id", l.granuleID, "execution_arn", l.execution.Arn)

	payload := l.execution.OriginalPayload
	if parentArn := l.execution.ParentArn; parentArn != "" {
		log.Debug(logger, "Following parent execution", "parent_arn", parentArn)
		parent, err := f.api.GetExecution(ctx, parentArn)
		if err != nil {
			return nil, fmt.Errorf("error reading parent execution %s of granule %s: %w", parentArn, l.granuleID, err)
		}
		payload = parent.OriginalPayload
	}

	name := gjson.GetBytes(payload, "product.name").String()
	if !sameGranule(name, l.granuleID) {
		return nil, &GranuleMismatchError{CNMProductName: name, GranuleID: l.granuleID}
	}
	return payload, nil
}

// sameGranule reports whether granuleID names the product, either exactly or with the
// unique suffix Cumulus adds to duplicate granule names.
func sameGranule(productName, granuleID string) bool {
	if productName == "" {
		return false
	}
	if productName == granuleID {
		return true
	}
	suffix, ok := strings.CutPrefix(granuleID, productName+"_")
	return ok && len(suffix) == uniqueSuffixLength
}
