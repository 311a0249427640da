// Package guard protects the pipeline from oversized files and
// duplicate deliveries, and keeps the ingest manifest in DynamoDB.
package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// MaxSize is the maximum allowed file size in bytes.
const MaxSize int64 = 50 * 1024 * 1024

// ManifestAPI abstracts the DynamoDB operations the manifest needs.
type ManifestAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// ValidateSize returns an error if the provided size exceeds MaxSize.
func ValidateSize(key string, size int64) error {
	if size > MaxSize {
		return fmt.Errorf("file %s too large: %d", key, size)
	}
	return nil
}

// ComputeSHA256 reads from r and returns its SHA-256 hex digest.
func ComputeSHA256(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SeenDigest reports whether the manifest already holds this key with
// the same digest, meaning the exact file was processed before.
func SeenDigest(ctx context.Context, db ManifestAPI, table, key, sum string) (bool, error) {
	out, err := db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &table,
		Key: map[string]types.AttributeValue{
			"FileKey": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return false, err
	}
	if out.Item == nil {
		return false, nil
	}
	prev, ok := out.Item["SHA256"].(*types.AttributeValueMemberS)
	return ok && prev.Value == sum, nil
}

// PutManifest records the ingested file: key, checksum, row count and
// ingest time, with Processed left false for the archiver.
func PutManifest(ctx context.Context, db ManifestAPI, table, key, sum string, rows int, at time.Time) error {
	_, err := db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &table,
		Item: map[string]types.AttributeValue{
			"FileKey":    &types.AttributeValueMemberS{Value: key},
			"SHA256":     &types.AttributeValueMemberS{Value: sum},
			"Rows":       &types.AttributeValueMemberN{Value: strconv.Itoa(rows)},
			"IngestedAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(at.Unix(), 10)},
			"Processed":  &types.AttributeValueMemberBOOL{Value: false},
		},
	})
	return err
}

// MarkProcessed flips the Processed flag once the file is archived.
func MarkProcessed(ctx context.Context, db ManifestAPI, table, key string) error {
	_, err := db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &table,
		Key: map[string]types.AttributeValue{
			"FileKey": &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression: aws.String("SET Processed = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	return err
}

// Close closes c and logs any returned error.
func Close(c io.Closer, log *zap.SugaredLogger) {
	if err := c.Close(); err != nil {
		log.Warnw("close body", "error", err)
	}
}
