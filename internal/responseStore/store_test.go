package responseStore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupS3ForTesting(t *testing.T, bucketName string) *s3.Client {
	t.Helper()

	backend := s3mem.New()
	faker := gofakes3.New(backend)
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)

	cfg, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion("us-west-2"),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("TEST", "TEST", "TESTING"),
		),
		config.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		}),
		config.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(_, _ string, _ ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: ts.URL}, nil
			}),
		),
	)
	require.NoError(t, err)

	client := s3.NewFromConfig(cfg, func(o *s3.Options) { o.UsePathStyle = true })
	_, err = client.CreateBucket(context.TODO(), &s3.CreateBucketInput{Bucket: aws.String(bucketName)})
	require.NoError(t, err)
	return client
}

func testResponse(identifier, collection string, completed time.Time) *cnm.Response {
	return &cnm.Response{
		Version:             "1.6.0",
		Provider:            "PODAAC",
		Collection:          cnm.NewCollectionName(collection),
		SubmissionTime:      cnm.ParseTimestamp("2020-04-08T15:59:15.186Z"),
		ProcessCompleteTime: cnm.NewTimestamp(completed, cnm.LayoutCNM),
		Identifier:          identifier,
		Response:            cnm.ResponseInfo{Status: cnm.StatusSuccess},
	}
}

func TestKey(t *testing.T) {
	completed := time.Date(2026, 1, 1, 20, 50, 35, 0, time.UTC)
	archived := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

	resp := testResponse("abc", "ATL08", completed)
	assert.Equal(t, "responses/2026/01/01/ATL08/abc.json", Key(resp, archived))

	resp.Collection = cnm.NewCollectionRef("MODIS_A-JPL-L2P-v2019.0", "2019.0")
	assert.Equal(t, "responses/2026/01/01/MODIS_A-JPL-L2P-v2019.0/abc.json", Key(resp, archived))

	resp.ProcessCompleteTime = cnm.ParseTimestamp("sometime")
	assert.Equal(t, "responses/2026/03/09/MODIS_A-JPL-L2P-v2019.0/abc.json", Key(resp, archived))

	for _, tt := range []struct {
		name       string
		collection string
		identifier string
		expected   string
	}{
		{"parent references in identifier", "ATL08", "../../../../../escaped",
			"responses/2026/01/01/ATL08/..%2F..%2F..%2F..%2F..%2Fescaped.json"},
		{"parent reference as collection", "..", "abc", "responses/2026/01/01/%2E%2E/abc.json"},
		{"slashes in both segments", "x/y", "a/b/c", "responses/2026/01/01/x%2Fy/a%2Fb%2Fc.json"},
		{"slashes moved between segments", "x", "y/a/b/c", "responses/2026/01/01/x/y%2Fa%2Fb%2Fc.json"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			key := Key(testResponse(tt.identifier, tt.collection, completed), archived)
			assert.Equal(t, tt.expected, key)
			assert.True(t, strings.HasPrefix(path.Clean(key), KeyPrefix+"/"))
			assert.Len(t, strings.Split(key, "/"), 6)
		})
	}
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	client := setupS3ForTesting(t, "archive-bucket")
	store := New(client, "archive-bucket")
	assert.Equal(t, "archive-bucket", store.Bucket())

	completed := time.Date(2026, 1, 1, 20, 50, 35, 0, time.UTC)
	attrs := cnm.MessageAttributes{
		cnm.AttributeCollection:     cnm.StringAttribute("ATL08"),
		cnm.AttributeResponseStatus: cnm.StringAttribute("SUCCESS"),
	}

	keys := make([]string, 0)
	for _, id := range []string{"b-second", "a-first"} {
		key, err := store.Put(ctx, testResponse(id, "ATL08", completed), attrs, completed)
		require.NoError(t, err)
		keys = append(keys, key)
	}
	_, err := store.Put(ctx, testResponse("other", "ATL03", completed.AddDate(0, 0, 1)), attrs, completed)
	require.NoError(t, err)

	t.Run("get returns the archived body and attributes", func(t *testing.T) {
		rec, err := store.Get(ctx, keys[0])
		require.NoError(t, err)
		expected, err := json.Marshal(testResponse("b-second", "ATL08", completed))
		require.NoError(t, err)
		assert.JSONEq(t, string(expected), string(rec.Response))
		assert.Equal(t, attrs, rec.Attributes)
		assert.True(t, rec.ArchivedAt.Equal(completed))
	})

	t.Run("list by prefix", func(t *testing.T) {
		listed, err := store.List(ctx, "responses/2026/01/01/")
		require.NoError(t, err)
		assert.Equal(t, []string{
			"responses/2026/01/01/ATL08/a-first.json",
			"responses/2026/01/01/ATL08/b-second.json",
		}, listed)

		listed, err = store.List(ctx, KeyPrefix)
		require.NoError(t, err)
		assert.Len(t, listed, 3)

		listed, err = store.List(ctx, "responses/1999/")
		require.NoError(t, err)
		assert.Empty(t, listed)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := store.Get(ctx, "responses/does/not/exist.json")
		assert.Error(t, err)
	})
}
