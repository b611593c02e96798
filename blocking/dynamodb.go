package blocking

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"
)

// DynamoDBRegistry stores blocked targets in a DynamoDB table whose
// partition key is "target". Conditional writes make Block and Unblock
// atomic.
type DynamoDBRegistry struct {
	client dynamodbiface.DynamoDBAPI
	table  string
	now    func() time.Time
}

var _ Registry = (*DynamoDBRegistry)(nil)

func NewDynamoDBRegistry(client dynamodbiface.DynamoDBAPI, table string) *DynamoDBRegistry {
	return &DynamoDBRegistry{client: client, table: table, now: time.Now}
}

type registryItem struct {
	Target string `dynamodbav:"target"`
	Reason string `dynamodbav:"reason"`
	Since  string `dynamodbav:"since"`
}

func (r *DynamoDBRegistry) Block(ctx context.Context, target, reason string) error {
	item, err := dynamodbattribute.MarshalMap(&registryItem{
		Target: target,
		Reason: reason,
		Since:  r.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	_, err = r.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(r.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#t)"),
		ExpressionAttributeNames: map[string]*string{"#t": aws.String("target")},
	})
	if isConditionalCheckFailed(err) {
		return &TargetAlreadyBlockedError{Target: target}
	}
	return errors.Wrap(err, "failed to block target")
}

func (r *DynamoDBRegistry) Unblock(ctx context.Context, target string) error {
	_, err := r.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(r.table),
		Key:                      r.key(target),
		ConditionExpression:      aws.String("attribute_exists(#t)"),
		ExpressionAttributeNames: map[string]*string{"#t": aws.String("target")},
	})
	if isConditionalCheckFailed(err) {
		return &TargetNotFoundError{Target: target}
	}
	return errors.Wrap(err, "failed to unblock target")
}

func (r *DynamoDBRegistry) IsBlocked(ctx context.Context, target string) (bool, error) {
	output, err := r.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            r.key(target),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to read target")
	}
	return output.Item != nil, nil
}

func (r *DynamoDBRegistry) List(ctx context.Context) ([]Entry, error) {
	var (
		entries []Entry
		start   map[string]*dynamodb.AttributeValue
	)
	for {
		res, err := r.client.ScanWithContext(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(r.table),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan registry")
		}
		recs := []registryItem{}
		if err := dynamodbattribute.UnmarshalListOfMaps(res.Items, &recs); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal registry records")
		}
		for _, rec := range recs {
			since, _ := time.Parse(time.RFC3339, rec.Since)
			entries = append(entries, Entry{Target: rec.Target, Reason: rec.Reason, Since: since})
		}
		if len(res.LastEvaluatedKey) == 0 {
			break
		}
		start = res.LastEvaluatedKey
	}
	sortEntries(entries)
	return entries, nil
}

func (r *DynamoDBRegistry) key(target string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"target": {S: aws.String(target)},
	}
}

func isConditionalCheckFailed(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
	}
	return false
}
