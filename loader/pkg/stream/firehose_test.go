package stream_test

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	fhtypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/malbeclabs/lakeetl/loader/pkg/stream"
	laketesting "github.com/malbeclabs/lakeetl/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type fakeFirehose struct {
	mu      sync.Mutex
	streams map[string]*firehose.CreateDeliveryStreamInput
	status  map[string]fhtypes.DeliveryStreamStatus
	deleted []string
	// describeErr, when set, fails every DescribeDeliveryStream.
	describeErr error
}

func newFakeFirehose() *fakeFirehose {
	return &fakeFirehose{
		streams: make(map[string]*firehose.CreateDeliveryStreamInput),
		status:  make(map[string]fhtypes.DeliveryStreamStatus),
	}
}

func (f *fakeFirehose) CreateDeliveryStream(ctx context.Context, in *firehose.CreateDeliveryStreamInput, opts ...func(*firehose.Options)) (*firehose.CreateDeliveryStreamOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.DeliveryStreamName)
	if _, ok := f.streams[name]; ok {
		return nil, &fhtypes.ResourceInUseException{Message: aws.String("exists")}
	}
	f.streams[name] = in
	f.status[name] = fhtypes.DeliveryStreamStatusCreating
	return &firehose.CreateDeliveryStreamOutput{}, nil
}

func (f *fakeFirehose) DescribeDeliveryStream(ctx context.Context, in *firehose.DescribeDeliveryStreamInput, opts ...func(*firehose.Options)) (*firehose.DescribeDeliveryStreamOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	name := aws.ToString(in.DeliveryStreamName)
	status, ok := f.status[name]
	if !ok {
		return nil, &fhtypes.ResourceNotFoundException{Message: aws.String("not found")}
	}
	return &firehose.DescribeDeliveryStreamOutput{
		DeliveryStreamDescription: &fhtypes.DeliveryStreamDescription{
			DeliveryStreamName:   aws.String(name),
			DeliveryStreamStatus: status,
		},
	}, nil
}

func (f *fakeFirehose) DeleteDeliveryStream(ctx context.Context, in *firehose.DeleteDeliveryStreamInput, opts ...func(*firehose.Options)) (*firehose.DeleteDeliveryStreamOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.DeliveryStreamName)
	if _, ok := f.status[name]; !ok {
		return nil, &fhtypes.ResourceNotFoundException{Message: aws.String("not found")}
	}
	delete(f.streams, name)
	delete(f.status, name)
	f.deleted = append(f.deleted, name)
	return &firehose.DeleteDeliveryStreamOutput{}, nil
}

func (f *fakeFirehose) activate(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[name] = fhtypes.DeliveryStreamStatusActive
}

// fakeS3 lists keys two per page so pagination is exercised. The
// continuation token is the last key returned.
type fakeS3 struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	after := aws.ToString(in.ContinuationToken)
	var matching []string
	for _, k := range f.keys {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > after {
			matching = append(matching, k)
		}
	}
	sort.Strings(matching)
	end := min(2, len(matching))
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(matching))}
	for _, k := range matching[:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	if end < len(matching) {
		out.NextContinuationToken = aws.String(matching[end-1])
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remove := make(map[string]bool)
	for _, o := range in.Delete.Objects {
		remove[aws.ToString(o.Key)] = true
	}
	kept := f.keys[:0]
	for _, k := range f.keys {
		if !remove[k] {
			kept = append(kept, k)
		}
	}
	f.keys = kept
	return &s3.DeleteObjectsOutput{}, nil
}

func TestLake_Stream_Firehose_NewFirehoseProvisioner(t *testing.T) {
	t.Parallel()

	t.Run("requires clients and destination", func(t *testing.T) {
		t.Parallel()
		_, err := stream.NewFirehoseProvisioner(stream.FirehoseConfig{Logger: laketesting.NewLogger()})
		require.ErrorContains(t, err, "firehose client is required")

		_, err = stream.NewFirehoseProvisioner(stream.FirehoseConfig{
			Logger:   laketesting.NewLogger(),
			Firehose: newFakeFirehose(),
			S3:       &fakeS3{},
		})
		require.ErrorContains(t, err, "endpoint url is required")
	})
}

func TestLake_Stream_Firehose_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fh := newFakeFirehose()
	s3c := &fakeS3{keys: []string{
		"t1_events_stream/a", "t1_events_stream/b", "t1_events_stream/c",
		"t1_other_stream/a",
	}}
	p, err := stream.NewFirehoseProvisioner(stream.FirehoseConfig{
		Logger:       laketesting.NewLogger(),
		Firehose:     fh,
		S3:           s3c,
		EndpointURL:  "https://ingest.example.com/firehose/{table}",
		RoleARN:      "arn:aws:iam::123456789012:role/firehose",
		BackupBucket: "loader-backup",
	})
	require.NoError(t, err)

	require.NoError(t, p.CreateStream(ctx, "t1_events_stream", "stg_t1_events"))
	require.NoError(t, p.CreateStream(ctx, "t1_events_stream", "stg_t1_events"), "create is idempotent")

	in := fh.streams["t1_events_stream"]
	require.NotNil(t, in)
	dest := in.HttpEndpointDestinationConfiguration
	require.Equal(t, "https://ingest.example.com/firehose/stg_t1_events", aws.ToString(dest.EndpointConfiguration.Url))
	require.Equal(t, "t1_events_stream/", aws.ToString(dest.S3Configuration.Prefix))
	require.Equal(t, fhtypes.HttpEndpointS3BackupModeFailedDataOnly, dest.S3BackupMode)
	require.Equal(t, int32(300), aws.ToInt32(dest.BufferingHints.IntervalInSeconds))

	active, err := p.StreamIsActive(ctx, "t1_events_stream")
	require.NoError(t, err)
	require.False(t, active, "creating streams are not active")

	fh.activate("t1_events_stream")
	active, err = p.StreamIsActive(ctx, "t1_events_stream")
	require.NoError(t, err)
	require.True(t, active)

	active, err = p.StreamIsActive(ctx, "missing_stream")
	require.NoError(t, err)
	require.False(t, active)

	require.NoError(t, p.DeleteStream(ctx, "t1_events_stream"))
	require.Equal(t, []string{"t1_events_stream"}, fh.deleted)
	require.Equal(t, []string{"t1_other_stream/a"}, s3c.keys)

	require.NoError(t, p.DeleteStream(ctx, "t1_events_stream"), "delete is idempotent")
}

func TestLake_Stream_Firehose_DescribeErrors(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	fh := newFakeFirehose()
	p, err := stream.NewFirehoseProvisioner(stream.FirehoseConfig{
		Logger:       laketesting.NewLogger(),
		Firehose:     fh,
		S3:           &fakeS3{},
		EndpointURL:  "https://ingest.example.com/firehose/{table}",
		RoleARN:      "arn:aws:iam::123456789012:role/firehose",
		BackupBucket: "loader-backup",
	})
	require.NoError(t, err)
	require.NoError(t, p.CreateStream(ctx, "t1_events_stream", "stg_t1_events"))
	fh.activate("t1_events_stream")

	fh.describeErr = &smithy.GenericAPIError{Code: "LimitExceededException", Message: "rate exceeded"}
	active, err := p.StreamIsActive(ctx, "t1_events_stream")
	require.NoError(t, err, "throttling reads as not yet active")
	require.False(t, active)

	fh.describeErr = &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"}
	_, err = p.StreamIsActive(ctx, "t1_events_stream")
	require.ErrorContains(t, err, "failed to describe delivery stream")
}
