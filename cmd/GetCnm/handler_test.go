package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	goenv "github.com/Netflix/go-env"
	"github.com/go-kit/log"
	"github.com/nasa-cumulus/cnm-tasks/internal/cumulusApi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	firstGranuleID  = "ATL12_20181014154641_02450101_007_02.h5_-C-mRK2W"
	secondGranuleID = "ATL12_20181014155468_02450101_007_02.h5_-C-mRK2W"
	collectionID    = "ATL12___007"
)

func setupLambdaEnvForTesting(t *testing.T) {
	t.Helper()

	// Suppress normal lambda log output
	logger = log.NewNopLogger()

	// Configure environment variables
	err := goenv.Unmarshal(goenv.EnvSet{
		"STACKNAME":           "cnm-test",
		"EXECUTION_PAGE_SIZE": "2",
		"SEARCH_CONCURRENCY":  "2",
	}, &env)
	require.NoError(t, err, "Error configuring lambda environment for testing")
}

type mockExecutionAPI struct {
	mu          sync.Mutex
	executions  []cumulusApi.Execution
	parents     map[string]cumulusApi.Execution
	failPages   map[int]error
	pages       []int
	parentCalls []string
}

func (m *mockExecutionAPI) SearchExecutionsByGranules(ctx context.Context, granules []cumulusApi.GranuleRef, page, limit int) (*cumulusApi.ExecutionPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = append(m.pages, page)
	if err, ok := m.failPages[page]; ok {
		return nil, err
	}
	start := min((page-1)*limit, len(m.executions))
	end := min(start+limit, len(m.executions))
	return &cumulusApi.ExecutionPage{
		Meta:    cumulusApi.PageMeta{Count: len(m.executions), Page: page, Limit: limit},
		Results: m.executions[start:end],
	}, nil
}

func (m *mockExecutionAPI) GetExecution(ctx context.Context, arn string) (*cumulusApi.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parentCalls = append(m.parentCalls, arn)
	exec, ok := m.parents[arn]
	if !ok {
		return nil, &cumulusApi.APIError{Method: "GET", Path: "/executions/" + arn, StatusCode: 404}
	}
	return &exec, nil
}

func cnmFor(productName string) json.RawMessage {
	if productName == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(fmt.Sprintf(`{"product": {"name": %q}}`, productName))
}

func execution(granuleID string, createdAt int64, original json.RawMessage) cumulusApi.Execution {
	return cumulusApi.Execution{
		Arn:             fmt.Sprintf("arn:aws:states:us-west-2:123456789012:execution:IngestGranule:%s-%d", granuleID, createdAt),
		CollectionID:    collectionID,
		OriginalPayload: original,
		FinalPayload: json.RawMessage(fmt.Sprintf(
			`{"granules": [{"files": [], "version": "007", "dataType": "ATL12", "granuleId": %q, "createdAt": %d}]}`,
			granuleID, createdAt)),
	}
}

func taskEvent(granuleIDs ...string) TaskEvent {
	event := TaskEvent{}
	for _, id := range granuleIDs {
		event.Input.Granules = append(event.Input.Granules, cumulusApi.GranuleRef{GranuleID: id, CollectionID: collectionID})
	}
	return event
}

func newTestFinder(api *mockExecutionAPI) *finder {
	return &finder{api: api, pageSize: env.PageSize, concurrency: env.SearchConcurrency}
}

func TestHandleEvent(t *testing.T) {
	setupLambdaEnvForTesting(t)
	firstCNM := cnmFor("ATL12_20181014154641_02450101_007_02.h5")
	secondCNM := cnmFor("ATL12_20181014155468_02450101_007_02.h5")

	t.Run("earliest execution supplies the CNM", func(t *testing.T) {
		api := &mockExecutionAPI{executions: []cumulusApi.Execution{
			execution(firstGranuleID, 2, json.RawMessage(`{}`)),
			execution(firstGranuleID, 1, firstCNM),
		}}
		out, err := handleEvent(context.TODO(), newTestFinder(api), taskEvent(firstGranuleID))
		require.NoError(t, err)
		assert.Equal(t, TaskOutput{firstGranuleID: firstCNM}, out)
		assert.Empty(t, api.parentCalls)
	})

	t.Run("parent execution supplies the CNM", func(t *testing.T) {
		const parentArn = "arn:aws:states:us-west-2:123456789012:execution:DiscoverGranules:parent"
		child := execution(firstGranuleID, 1, json.RawMessage(`{}`))
		child.ParentArn = parentArn
		api := &mockExecutionAPI{
			executions: []cumulusApi.Execution{child},
			parents:    map[string]cumulusApi.Execution{parentArn: {Arn: parentArn, OriginalPayload: firstCNM}},
		}
		out, err := handleEvent(context.TODO(), newTestFinder(api), taskEvent(firstGranuleID))
		require.NoError(t, err)
		assert.Equal(t, TaskOutput{firstGranuleID: firstCNM}, out)
		assert.Equal(t, []string{parentArn}, api.parentCalls)
	})

	t.Run("every page is searched", func(t *testing.T) {
		api := &mockExecutionAPI{executions: []cumulusApi.Execution{
			execution(firstGranuleID, 5, json.RawMessage(`{}`)),
			execution(secondGranuleID, 4, json.RawMessage(`{}`)),
			execution(firstGranuleID, 1, firstCNM),
			execution(secondGranuleID, 3, json.RawMessage(`{}`)),
			execution(secondGranuleID, 2, secondCNM),
		}}
		out, err := handleEvent(context.TODO(), newTestFinder(api), taskEvent(firstGranuleID, secondGranuleID))
		require.NoError(t, err)
		assert.Equal(t, TaskOutput{firstGranuleID: firstCNM, secondGranuleID: secondCNM}, out)

		sort.Ints(api.pages)
		assert.Equal(t, []int{1, 2, 3}, api.pages)
	})

	t.Run("failed page fails the search", func(t *testing.T) {
		pageErr := errors.New("gateway timeout")
		api := &mockExecutionAPI{
			executions: []cumulusApi.Execution{
				execution(firstGranuleID, 1, firstCNM),
				execution(firstGranuleID, 2, json.RawMessage(`{}`)),
				execution(firstGranuleID, 3, json.RawMessage(`{}`)),
			},
			failPages: map[int]error{2: pageErr},
		}
		_, err := handleEvent(context.TODO(), newTestFinder(api), taskEvent(firstGranuleID))
		assert.ErrorIs(t, err, pageErr)
	})

	t.Run("every granule without an execution is reported", func(t *testing.T) {
		const thirdGranuleID = "ATL12_20181014160000_02450101_007_02.h5_-C-mRK2W"
		api := &mockExecutionAPI{executions: []cumulusApi.Execution{
			execution(firstGranuleID, 1, firstCNM),
		}}
		_, err := handleEvent(context.TODO(), newTestFinder(api), taskEvent(firstGranuleID, secondGranuleID, thirdGranuleID))
		assert.ErrorIs(t, err, ErrNoExecution)
		assert.ErrorContains(t, err, "no executions found for granule "+secondGranuleID)
		assert.ErrorContains(t, err, "no executions found for granule "+thirdGranuleID)
	})

	for _, tt := range []struct {
		name        string
		original    json.RawMessage
		productName string
	}{
		{"CNM for another granule is rejected", cnmFor("NOT_THE_GRANULE_ID"), "NOT_THE_GRANULE_ID"},
		{"CNM without a product is rejected", cnmFor(""), ""},
	} {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockExecutionAPI{executions: []cumulusApi.Execution{execution(firstGranuleID, 1, tt.original)}}
			_, err := handleEvent(context.TODO(), newTestFinder(api), taskEvent(firstGranuleID))
			var mismatch *GranuleMismatchError
			require.ErrorAs(t, err, &mismatch)
			assert.Equal(t, GranuleMismatchError{CNMProductName: tt.productName, GranuleID: firstGranuleID}, *mismatch)
		})
	}

	t.Run("missing parent execution is reported", func(t *testing.T) {
		child := execution(firstGranuleID, 1, firstCNM)
		child.ParentArn = "arn:aws:states:us-west-2:123456789012:execution:DiscoverGranules:gone"
		api := &mockExecutionAPI{executions: []cumulusApi.Execution{child}}
		_, err := handleEvent(context.TODO(), newTestFinder(api), taskEvent(firstGranuleID))
		var apiErr *cumulusApi.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 404, apiErr.StatusCode)
	})

	t.Run("no granules needs no search", func(t *testing.T) {
		api := &mockExecutionAPI{}
		out, err := handleEvent(context.TODO(), newTestFinder(api), taskEvent())
		require.NoError(t, err)
		assert.Empty(t, out)
		assert.Empty(t, api.pages)
	})
}

func TestSameGranule(t *testing.T) {
	for _, tt := range []struct {
		productName string
		granuleID   string
		expected    bool
	}{
		{"ATL12_20181014154641_02450101_007_02.h5", "ATL12_20181014154641_02450101_007_02.h5", true},
		{"ATL12_20181014154641_02450101_007_02.h5", firstGranuleID, true},
		{"ATL12", firstGranuleID, false},
		{"ATL12_20181014154641_02450101_007_02.h5", "ATL12_20181014154641_02450101_007_02.h5_abc", false},
		{"", "", false},
	} {
		assert.Equal(t, tt.expected, sameGranule(tt.productName, tt.granuleID), "%s vs %s", tt.productName, tt.granuleID)
	}
}

func TestEnvironmentPrivateAPIFunction(t *testing.T) {
	for _, tt := range []struct {
		env      Environment
		expected string
		wantErr  bool
	}{
		{Environment{StackPrefix: "cnm-test"}, "cnm-test-PrivateApiLambda", false},
		{Environment{StackPrefix: "cnm-test", PrivateAPILambda: "arn:aws:lambda:us-west-2:123456789012:function:api"},
			"arn:aws:lambda:us-west-2:123456789012:function:api", false},
		{Environment{}, "", true},
	} {
		function, err := tt.env.privateAPIFunction()
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.expected, function)
	}
}
