package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/jean-turgeon/lambdapipeline/internal/event"
	"github.com/jean-turgeon/lambdapipeline/internal/guard"
)

type s3API interface {
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

type metricsAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var (
	s3Client s3API
	dbClient guard.ManifestAPI
	cwClient metricsAPI
	log      *zap.SugaredLogger

	sleep       = time.Sleep
	lambdaStart = func(h interface{}) { lambda.Start(h) }
	loadConfig  = config.LoadDefaultConfig

	manifestTable = os.Getenv("MANIFEST_TABLE")
	keyPrefix     = envOr("KEY_PREFIX", event.DefaultKeyPrefix)
)

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// copyObject retries once on S3 SlowDown before giving up.
func copyObject(ctx context.Context, bucket, key, archiveKey string) error {
	in := &s3.CopyObjectInput{
		Bucket:     &bucket,
		CopySource: aws.String(bucket + "/" + key),
		Key:        &archiveKey,
	}
	_, err := s3Client.CopyObject(ctx, in)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "SlowDown" {
		sleep(200 * time.Millisecond)
		_, err = s3Client.CopyObject(ctx, in)
	}
	return err
}

func handler(ctx context.Context, d event.ObjectCreated) error {
	if !event.Match(d, keyPrefix) {
		log.Infow("ignored event", "bucket", d.Bucket.Name, "key", d.Object.Key, "reason", d.Reason)
		return nil
	}
	bucket := d.Bucket.Name
	key := d.Object.Key
	archiveKey := "archive/" + key

	if err := copyObject(ctx, bucket, key, archiveKey); err != nil {
		return fmt.Errorf("copy object: %w", err)
	}
	if err := guard.MarkProcessed(ctx, dbClient, manifestTable, key); err != nil {
		return fmt.Errorf("update manifest: %w", err)
	}
	_, err := cwClient.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String("PopulationPipeline"),
		MetricData: []cwtypes.MetricDatum{
			{MetricName: aws.String("Archived"), Value: aws.Float64(1)},
		},
	})
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	log.Infow("archived", "key", key, "archiveKey", archiveKey)
	return nil
}

func run() error {
	cfg, err := loadConfig(context.Background())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, _ := zap.NewProduction()
	log = logger.Sugar()
	s3Client = s3.NewFromConfig(cfg)
	dbClient = dynamodb.NewFromConfig(cfg)
	cwClient = cloudwatch.NewFromConfig(cfg)
	lambdaStart(handler)
	return nil
}

func main() {
	if err := run(); err != nil {
		panic(err)
	}
}
