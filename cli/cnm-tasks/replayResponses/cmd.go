package replayResponses

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	ct "github.com/nasa-cumulus/cnm-tasks/cli/types"
	"github.com/nasa-cumulus/cnm-tasks/internal/awsHelpers"
	"github.com/nasa-cumulus/cnm-tasks/internal/dispatch"
	"github.com/nasa-cumulus/cnm-tasks/internal/fanout"
	"github.com/nasa-cumulus/cnm-tasks/internal/log"
	"github.com/nasa-cumulus/cnm-tasks/internal/responseStore"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
)

type archive interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) (*responseStore.Record, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, body any, attrs cnm.MessageAttributes, destinations []string) ([]dispatch.DispatchError, error)
}

type Cmd struct {
	// Positional arguments
	S3Bucket string `arg:"" name:"bucket" help:"S3 bucket that CnmResponse archives responses to."`

	// Flags
	Destinations   []string            `name:"destination" short:"d" required:"" placeholder:"arn" help:"ARN of an SNS topic, Kinesis stream, SQS queue or EventBridge bus to re-send to (repeatable)."`
	FilterPrefix   string              `name:"s3-prefix" default:"responses/" help:"Only replay archived responses under this key prefix (e.g. responses/2026/01/01/)."`
	Concurrency    ct.ConcurrencyLimit `default:"10" help:"Max concurrent replays."`
	ProgressEvery  ct.ProgressEvery    `default:"100" help:"Log replay totals after this many responses (silent if 0)."`
	MaxFetchTime   time.Duration       `default:"1m" help:"Give up fetching an archived response after retrying for this long."`
	S3UsePathStyle bool                `name:"s3-use-path-style" help:"Use path-style addressing for S3 bucket."`
	DryRun         bool                `help:"Dry run only - archived responses are read but not sent."`

	// Internal
	ctx        context.Context
	stop       context.CancelFunc
	archive    archive
	dispatcher dispatcher
	logger     *log.Logger
	replayed   atomic.Int64
}

var ErrCompletion = errors.New("the operation completed with errors")

func (cmd *Cmd) Help() string {
	return `
Every archived response under --s3-prefix is read and sent, with the message attributes it was
originally sent with, to each --destination. Responses are replayed concurrently, so their
relative order at a destination is not preserved.`
}

func (cmd *Cmd) BeforeApply(app *kong.Kong, logger *log.Logger) error {
	cmd.ctx, cmd.stop = signal.NotifyContext(context.Background(),
		syscall.SIGHUP, syscall.SIGINT, os.Interrupt)
	cmd.logger = logger
	return nil
}

func (cmd *Cmd) AfterApply(app *kong.Kong) error {
	cfg, err := awsHelpers.GetConfig(cmd.ctx)
	if err != nil {
		return fmt.Errorf("failed to configure AWS SDK: %w", err)
	}
	cmd.archive = responseStore.New(awsHelpers.NewS3Client(cfg, cmd.S3UsePathStyle), cmd.S3Bucket)

	clients := awsHelpers.NewResponseClients(cfg)
	cmd.dispatcher = dispatch.New(dispatch.Clients{
		SNS:         clients.SNS,
		Kinesis:     clients.Kinesis,
		SQS:         clients.SQS,
		EventBridge: clients.EventBridge,
	}, *cmd.logger, nil)
	return nil
}

func (cmd *Cmd) Run() error {
	defer cmd.stop()
	logger := log.With(*cmd.logger, "bucket", cmd.S3Bucket, "prefix", cmd.FilterPrefix)

	keys, err := cmd.archive.List(cmd.ctx, cmd.FilterPrefix)
	if err != nil {
		return log.Errorf(logger, "error listing archived responses", err)
	}
	log.Info(logger, "Replaying archived responses", "count", len(keys), "dry_run", cmd.DryRun)

	results := fanout.RunBounded(cmd.ctx, cmd.replay, keys, int(cmd.Concurrency))
	var errs *multierror.Error
	for i, res := range results {
		if res.Err != nil {
			log.Error(logger, "Failed to replay response", res.Err, "key", keys[i])
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", keys[i], res.Err))
		}
	}

	failed := len(errs.WrappedErrors())
	log.Info(logger, "Finished replaying archived responses",
		"replayed", cmd.replayed.Load(), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%w: %w", ErrCompletion, errs)
	}
	return nil
}

func (cmd *Cmd) replay(ctx context.Context, key string) (struct{}, error) {
	logger := log.With(*cmd.logger, "key", key)

	rec, err := cmd.fetch(ctx, logger, key)
	if err != nil {
		return struct{}{}, err
	}
	if !cmd.DryRun {
		failures, err := cmd.dispatcher.Dispatch(ctx, rec.Response, rec.Attributes, cmd.Destinations)
		if err != nil {
			return struct{}{}, err
		}
		if len(failures) > 0 {
			var errs *multierror.Error
			for _, f := range failures {
				errs = multierror.Append(errs, f)
			}
			return struct{}{}, errs
		}
	}

	log.Debug(logger, "Replayed response", "attributes", rec.Attributes.Strings())
	if n := cmd.replayed.Add(1); cmd.ProgressEvery.Due(n) {
		log.Info(*cmd.logger, "Updated replayed responses total", "count", n)
	}
	return struct{}{}, nil
}

// fetch reads an archived record, retrying transient S3 errors with exponential backoff.
func (cmd *Cmd) fetch(ctx context.Context, logger log.Logger, key string) (*responseStore.Record, error) {
	var rec *responseStore.Record
	err := backoff.RetryNotify(
		func() error {
			var err error
			rec, err = cmd.archive.Get(ctx, key)
			var noSuchKey *types.NoSuchKey
			if errors.As(err, &noSuchKey) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = cmd.MaxFetchTime
			return b
		}(), ctx),
		func(err error, d time.Duration) {
			log.Debug(logger, "Fetching archived response failed; retrying", "retry_after", d, "error", err)
		},
	)
	return rec, err
}
