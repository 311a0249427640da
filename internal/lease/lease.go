// Package lease serializes work on a single file key. EventBridge
// delivers at least once, so two invocations can race on one object;
// a conditional write in DynamoDB lets exactly one of them proceed.
package lease

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// API abstracts the DynamoDB UpdateItem operation.
type API interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Store grants per-key leases backed by a DynamoDB table.
type Store struct {
	Table string
	DB    API
}

// Acquire tries to take the lease for key. It returns false without
// error when another invocation already holds it.
func (s *Store) Acquire(ctx context.Context, key string, now time.Time) (bool, error) {
	_, err := s.DB.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.Table,
		Key: map[string]dbtypes.AttributeValue{
			"FileKey": &dbtypes.AttributeValueMemberS{Value: key},
		},
		UpdateExpression:    aws.String("SET Leased = :t, LeasedAt = :at"),
		ConditionExpression: aws.String("attribute_not_exists(Leased) OR Leased = :f"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":t":  &dbtypes.AttributeValueMemberBOOL{Value: true},
			":f":  &dbtypes.AttributeValueMemberBOOL{Value: false},
			":at": &dbtypes.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var ccfe *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccfe) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Release clears the lease so later deliveries of a changed object can
// be processed.
func (s *Store) Release(ctx context.Context, key string) error {
	_, err := s.DB.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.Table,
		Key: map[string]dbtypes.AttributeValue{
			"FileKey": &dbtypes.AttributeValueMemberS{Value: key},
		},
		UpdateExpression: aws.String("SET Leased = :f"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":f": &dbtypes.AttributeValueMemberBOOL{Value: false},
		},
	})
	return err
}
