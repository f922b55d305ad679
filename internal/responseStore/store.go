// Package responseStore archives dispatched CNM responses in S3 so that they can be
// inspected or re-sent later.
package responseStore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
)

const KeyPrefix = "responses"

type S3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Record is the archived form of a response: the exact body that was sent and the
// attributes that accompanied it.
type Record struct {
	Response   json.RawMessage       `json:"response"`
	Attributes cnm.MessageAttributes `json:"attributes"`
	ArchivedAt time.Time             `json:"archivedAt"`
}

type Store struct {
	client   S3API
	uploader *manager.Uploader
	bucket   string
}

func New(client S3API, bucket string) *Store {
	return &Store{client: client, uploader: manager.NewUploader(client), bucket: bucket}
}

func (s *Store) Bucket() string {
	return s.bucket
}

// Key returns the object key for resp:
// responses/<YYYY>/<MM>/<DD>/<collection>/<identifier>.json, dated by processCompleteTime
// (or archivedAt when that time is not parseable). Collection and identifier are escaped
// so that each stays a single key segment below KeyPrefix.
func Key(resp *cnm.Response, archivedAt time.Time) string {
	t, ok := resp.ProcessCompleteTime.Time()
	if !ok {
		t = archivedAt
	}
	t = t.UTC()
	return path.Join(KeyPrefix,
		fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", t.Month()), fmt.Sprintf("%02d", t.Day()),
		keySegment(resp.Collection.ShortName()), keySegment(resp.Identifier)+".json")
}

func keySegment(s string) string {
	escaped := url.PathEscape(s)
	if escaped == "." || escaped == ".." {
		return strings.ReplaceAll(escaped, ".", "%2E")
	}
	return escaped
}

// Put archives resp with attrs and returns the object key it was written to.
func (s *Store) Put(ctx context.Context, resp *cnm.Response, attrs cnm.MessageAttributes, archivedAt time.Time) (string, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("error serializing response: %w", err)
	}
	rec, err := json.Marshal(Record{Response: body, Attributes: attrs, ArchivedAt: archivedAt.UTC()})
	if err != nil {
		return "", fmt.Errorf("error serializing archive record: %w", err)
	}

	key := Key(resp, archivedAt)
	if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(rec),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}); err != nil {
		return "", fmt.Errorf("error uploading response to s3://%s/%s: %w", s.bucket, key, err)
	}
	return key, nil
}

// Get reads the archive record stored at key.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	var rec Record
	if err := json.NewDecoder(out.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("error decoding archive record s3://%s/%s: %w", s.bucket, key, err)
	}
	return &rec, nil
}

// List returns every archived key under prefix, in lexical order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("error listing s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}
