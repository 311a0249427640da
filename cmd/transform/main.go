package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"github.com/jean-turgeon/lambdapipeline/internal/event"
	"github.com/jean-turgeon/lambdapipeline/internal/guard"
	"github.com/jean-turgeon/lambdapipeline/internal/lease"
	"github.com/jean-turgeon/lambdapipeline/internal/popcsv"
	"github.com/jean-turgeon/lambdapipeline/internal/profile"
)

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type metricsAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

type profileAPI interface {
	Load(ctx context.Context, name string) (popcsv.Profile, error)
}

type leaseAPI interface {
	Acquire(ctx context.Context, key string, now time.Time) (bool, error)
	Release(ctx context.Context, key string) error
}

var (
	s3Client s3API
	dbClient guard.ManifestAPI
	cwClient metricsAPI
	profiles profileAPI
	leases   leaseAPI
	log      *zap.SugaredLogger

	now         = time.Now
	lambdaStart = func(h interface{}) { lambda.Start(h) }
	loadConfig  = config.LoadDefaultConfig

	outputBucket  = os.Getenv("OUTPUT_S3_BUCKET")
	manifestTable = os.Getenv("MANIFEST_TABLE")
	profileParam  = os.Getenv("PROFILE_PARAM")
	keyPrefix     = envOr("KEY_PREFIX", event.DefaultKeyPrefix)
	outputPrefix  = envOr("OUTPUT_PREFIX", popcsv.DefaultOutputPrefix)
)

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// Response reports what the function did with the delivered object.
type Response struct {
	RequestID string `json:"reqId"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	OutputKey string `json:"outputKey,omitempty"`
	Rows      int    `json:"rows"`
	BadRows   int    `json:"badRows"`
	Message   string `json:"msg"`
}

func requestID(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		return lc.AwsRequestID
	}
	return ""
}

func handler(ctx context.Context, d event.ObjectCreated) (Response, error) {
	start := now()
	resp := Response{RequestID: requestID(ctx), Bucket: d.Bucket.Name, Key: d.Object.Key}

	if !event.Match(d, keyPrefix) {
		// rule filters already, but direct invokes and replays do not
		log.Infow("ignored event", "bucket", d.Bucket.Name, "key", d.Object.Key, "reason", d.Reason)
		resp.Message = "ignored"
		return resp, nil
	}
	if outputBucket == "" {
		return resp, fmt.Errorf("OUTPUT_S3_BUCKET is not set")
	}
	if err := guard.ValidateSize(d.Object.Key, d.Object.Size); err != nil {
		return resp, err
	}

	held, err := leases.Acquire(ctx, d.Object.Key, start)
	if err != nil {
		return resp, fmt.Errorf("acquire lease: %w", err)
	}
	if !held {
		log.Infow("lease held, skipping", "key", d.Object.Key)
		resp.Message = "in progress"
		return resp, nil
	}
	defer func() {
		if err := leases.Release(ctx, d.Object.Key); err != nil {
			log.Warnw("release lease", "key", d.Object.Key, "error", err)
		}
	}()

	obj, err := s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &d.Bucket.Name,
		Key:    &d.Object.Key,
	})
	if err != nil {
		return resp, fmt.Errorf("get object: %w", err)
	}
	body, err := io.ReadAll(obj.Body)
	guard.Close(obj.Body, log)
	if err != nil {
		return resp, fmt.Errorf("read object: %w", err)
	}
	log.Infow("object downloaded", "key", d.Object.Key, "size", len(body))

	sum, err := guard.ComputeSHA256(bytes.NewReader(body))
	if err != nil {
		return resp, fmt.Errorf("checksum: %w", err)
	}
	seen, err := guard.SeenDigest(ctx, dbClient, manifestTable, d.Object.Key, sum)
	if err != nil {
		return resp, fmt.Errorf("manifest lookup: %w", err)
	}
	if seen {
		log.Infow("duplicate delivery, skipping", "key", d.Object.Key, "sha", sum)
		resp.Message = "duplicate"
		return resp, nil
	}

	p, err := profiles.Load(ctx, profileParam)
	if err != nil {
		return resp, err
	}

	df, err := popcsv.Load(bytes.NewReader(body))
	if errors.Is(err, popcsv.ErrEmpty) {
		log.Infow("no data rows", "key", d.Object.Key)
		resp.Message = "empty file"
		return resp, nil
	}
	if err != nil {
		return resp, err
	}
	res, err := popcsv.Transform(df, p)
	if err != nil {
		return resp, fmt.Errorf("transform %s: %w", d.Object.Key, err)
	}

	prefix := p.OutputPrefix
	if prefix == "" {
		prefix = outputPrefix
	}
	outKey := popcsv.OutputKey(prefix, d.Object.Key, start)

	var out bytes.Buffer
	if err := res.Write(&out); err != nil {
		return resp, fmt.Errorf("render output: %w", err)
	}
	if _, err := s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &outputBucket,
		Key:    &outKey,
		Body:   bytes.NewReader(out.Bytes()),
	}); err != nil {
		return resp, fmt.Errorf("put output: %w", err)
	}

	if len(res.BadRows) > 0 {
		var report bytes.Buffer
		if err := res.WriteErrors(&report); err != nil {
			return resp, fmt.Errorf("render error report: %w", err)
		}
		errKey := popcsv.ErrorsKey(outKey)
		if _, err := s3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: &outputBucket,
			Key:    &errKey,
			Body:   bytes.NewReader(report.Bytes()),
		}); err != nil {
			return resp, fmt.Errorf("put error report: %w", err)
		}
	}

	if err := guard.PutManifest(ctx, dbClient, manifestTable, d.Object.Key, sum, res.RowsOut, start); err != nil {
		return resp, fmt.Errorf("write manifest: %w", err)
	}

	elapsed := time.Since(start)
	putMetrics(ctx, res, elapsed)
	log.Infow("processed", "key", d.Object.Key, "output", outKey,
		"rows", res.RowsOut, "bad", len(res.BadRows), "elapsed", elapsed)

	resp.OutputKey = outKey
	resp.Rows = res.RowsOut
	resp.BadRows = len(res.BadRows)
	resp.Message = "processed"
	return resp, nil
}

func putMetrics(ctx context.Context, res popcsv.Result, elapsed time.Duration) {
	_, err := cwClient.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String("PopulationPipeline"),
		MetricData: []cwtypes.MetricDatum{
			{MetricName: aws.String("RowsProcessed"), Value: aws.Float64(float64(res.RowsOut))},
			{MetricName: aws.String("RowsRejected"), Value: aws.Float64(float64(len(res.BadRows)))},
			{MetricName: aws.String("DurationMs"), Value: aws.Float64(float64(elapsed.Milliseconds()))},
		},
	})
	if err != nil {
		log.Warnw("metrics", "error", err)
	}
}

func run() error {
	cfg, err := loadConfig(context.Background())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, _ := zap.NewProduction()
	log = logger.Sugar()
	s3Client = s3.NewFromConfig(cfg)
	db := dynamodb.NewFromConfig(cfg)
	dbClient = db
	cwClient = cloudwatch.NewFromConfig(cfg)
	profiles = profile.New(ssm.NewFromConfig(cfg), log)
	leases = &lease.Store{Table: manifestTable, DB: db}
	lambdaStart(handler)
	return nil
}

func main() {
	if err := run(); err != nil {
		panic(err)
	}
}
