package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	fhtypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// FirehoseAPI is the subset of the Firehose client used by FirehoseProvisioner.
type FirehoseAPI interface {
	CreateDeliveryStream(ctx context.Context, in *firehose.CreateDeliveryStreamInput, opts ...func(*firehose.Options)) (*firehose.CreateDeliveryStreamOutput, error)
	DescribeDeliveryStream(ctx context.Context, in *firehose.DescribeDeliveryStreamInput, opts ...func(*firehose.Options)) (*firehose.DescribeDeliveryStreamOutput, error)
	DeleteDeliveryStream(ctx context.Context, in *firehose.DeleteDeliveryStreamInput, opts ...func(*firehose.Options)) (*firehose.DeleteDeliveryStreamOutput, error)
}

// S3API is the subset of the S3 client used to purge backup prefixes.
type S3API interface {
	s3.ListObjectsV2APIClient
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type FirehoseConfig struct {
	Logger   *slog.Logger
	Firehose FirehoseAPI
	S3       S3API

	// EndpointURL is the HTTP endpoint records are delivered to. "{table}"
	// is replaced with the staging table name.
	EndpointURL string
	AccessKey   string
	RoleARN     string
	// BackupBucket receives records the endpoint rejected, under "<stream>/".
	BackupBucket string

	BufferInterval time.Duration
	BufferSizeMB   int32
}

func (cfg *FirehoseConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Firehose == nil {
		return errors.New("firehose client is required")
	}
	if cfg.S3 == nil {
		return errors.New("s3 client is required")
	}
	if cfg.EndpointURL == "" {
		return errors.New("endpoint url is required")
	}
	if cfg.RoleARN == "" {
		return errors.New("role arn is required")
	}
	if cfg.BackupBucket == "" {
		return errors.New("backup bucket is required")
	}
	if cfg.BufferInterval <= 0 {
		cfg.BufferInterval = 5 * time.Minute
	}
	if cfg.BufferSizeMB <= 0 {
		cfg.BufferSizeMB = 5
	}
	return nil
}

// FirehoseProvisioner manages Kinesis Data Firehose delivery streams with an
// HTTP endpoint destination that writes into the staging table.
type FirehoseProvisioner struct {
	log *slog.Logger
	cfg FirehoseConfig
}

func NewFirehoseProvisioner(cfg FirehoseConfig) (*FirehoseProvisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FirehoseProvisioner{log: cfg.Logger, cfg: cfg}, nil
}

// AWSConfig configures the AWS clients backing a FirehoseProvisioner.
type AWSConfig struct {
	Region string
	// EndpointURL overrides the service endpoints (for LocalStack testing).
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
}

// NewAWSClients builds Firehose and S3 clients. Static credentials are used
// when AccessKeyID is set, otherwise the default credential chain.
func NewAWSClients(ctx context.Context, cfg AWSConfig) (*firehose.Client, *s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	fh := firehose.NewFromConfig(awsCfg, func(o *firehose.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})
	s3c := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})
	return fh, s3c, nil
}

func (p *FirehoseProvisioner) CreateStream(ctx context.Context, name, stagingTable string) error {
	url := strings.ReplaceAll(p.cfg.EndpointURL, "{table}", stagingTable)
	_, err := p.cfg.Firehose.CreateDeliveryStream(ctx, &firehose.CreateDeliveryStreamInput{
		DeliveryStreamName: aws.String(name),
		DeliveryStreamType: fhtypes.DeliveryStreamTypeDirectPut,
		HttpEndpointDestinationConfiguration: &fhtypes.HttpEndpointDestinationConfiguration{
			EndpointConfiguration: &fhtypes.HttpEndpointConfiguration{
				Name:      aws.String(stagingTable),
				Url:       aws.String(url),
				AccessKey: optionalString(p.cfg.AccessKey),
			},
			BufferingHints: &fhtypes.HttpEndpointBufferingHints{
				IntervalInSeconds: aws.Int32(int32(p.cfg.BufferInterval.Seconds())),
				SizeInMBs:         aws.Int32(p.cfg.BufferSizeMB),
			},
			RequestConfiguration: &fhtypes.HttpEndpointRequestConfiguration{
				ContentEncoding: fhtypes.ContentEncodingGzip,
			},
			RoleARN:      aws.String(p.cfg.RoleARN),
			S3BackupMode: fhtypes.HttpEndpointS3BackupModeFailedDataOnly,
			S3Configuration: &fhtypes.S3DestinationConfiguration{
				BucketARN: aws.String("arn:aws:s3:::" + p.cfg.BackupBucket),
				RoleARN:   aws.String(p.cfg.RoleARN),
				Prefix:    aws.String(backupPrefix(name)),
			},
		},
	})
	if err != nil {
		var inUse *fhtypes.ResourceInUseException
		if errors.As(err, &inUse) {
			p.log.Debug("stream/firehose: stream already exists", "stream", name)
			return nil
		}
		return fmt.Errorf("failed to create delivery stream %s: %w", name, err)
	}
	p.log.Info("stream/firehose: created stream", "stream", name, "staging_table", stagingTable)
	return nil
}

func (p *FirehoseProvisioner) StreamIsActive(ctx context.Context, name string) (bool, error) {
	out, err := p.cfg.Firehose.DescribeDeliveryStream(ctx, &firehose.DescribeDeliveryStreamInput{
		DeliveryStreamName: aws.String(name),
	})
	if err != nil {
		var notFound *fhtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return false, nil
		}
		if isThrottled(err) {
			p.log.Warn("stream/firehose: describe throttled", "stream", name, "error", err)
			return false, nil
		}
		return false, fmt.Errorf("failed to describe delivery stream %s: %w", name, err)
	}
	if out.DeliveryStreamDescription == nil {
		return false, nil
	}
	return out.DeliveryStreamDescription.DeliveryStreamStatus == fhtypes.DeliveryStreamStatusActive, nil
}

// DeleteStream deletes the delivery stream and purges its S3 backup prefix.
func (p *FirehoseProvisioner) DeleteStream(ctx context.Context, name string) error {
	_, err := p.cfg.Firehose.DeleteDeliveryStream(ctx, &firehose.DeleteDeliveryStreamInput{
		DeliveryStreamName: aws.String(name),
		AllowForceDelete:   aws.Bool(true),
	})
	if err != nil {
		var notFound *fhtypes.ResourceNotFoundException
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to delete delivery stream %s: %w", name, err)
		}
	}

	deleted, err := p.purgePrefix(ctx, backupPrefix(name))
	if err != nil {
		return err
	}
	p.log.Info("stream/firehose: deleted stream", "stream", name, "purged_objects", deleted)
	return nil
}

func (p *FirehoseProvisioner) purgePrefix(ctx context.Context, prefix string) (int, error) {
	paginator := s3.NewListObjectsV2Paginator(p.cfg.S3, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.cfg.BackupBucket),
		Prefix: aws.String(prefix),
	})

	deleted := 0
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deleted, fmt.Errorf("failed to list backup objects under %s: %w", prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, s3types.ObjectIdentifier{Key: obj.Key})
		}
		// A listing page holds at most 1000 keys, the DeleteObjects limit.
		if _, err := p.cfg.S3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.cfg.BackupBucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		}); err != nil {
			return deleted, fmt.Errorf("failed to delete backup objects under %s: %w", prefix, err)
		}
		deleted += len(objects)
	}
	return deleted, nil
}

// isThrottled reports whether the API rejected the call for rate. Firehose
// allows only a few Describe calls per second per account.
func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "LimitExceededException", "TooManyRequestsException":
		return true
	}
	return false
}

func backupPrefix(stream string) string {
	return stream + "/"
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
