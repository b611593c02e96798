package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"

	"github.com/JiscSD/rdss-dataverse-ingest/s3"
)

// DynamoDBSink stores events in a DynamoDB table keyed by event id.
type DynamoDBSink struct {
	client dynamodbiface.DynamoDBAPI
	table  string
}

var _ Sink = (*DynamoDBSink)(nil)

func NewDynamoDBSink(client dynamodbiface.DynamoDBAPI, table string) *DynamoDBSink {
	return &DynamoDBSink{client: client, table: table}
}

type eventItem struct {
	ID        string `dynamodbav:"ID"`
	DepositID string `dynamodbav:"depositID"`
	Type      string `dynamodbav:"type"`
	Result    string `dynamodbav:"result,omitempty"`
	Message   string `dynamodbav:"message,omitempty"`
	Time      string `dynamodbav:"time"`
}

func (s *DynamoDBSink) Write(ctx context.Context, e Event) error {
	item, err := dynamodbattribute.MarshalMap(&eventItem{
		ID:        e.ID.String(),
		DepositID: e.DepositID,
		Type:      string(e.Type),
		Result:    string(e.Result),
		Message:   e.Message,
		Time:      e.Time.Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return err
	}
	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	return err
}

// SNSSink publishes events to a SNS topic. The event type is also sent as
// a message attribute so subscribers can filter on it.
type SNSSink struct {
	client   snsiface.SNSAPI
	topicARN string
}

var _ Sink = (*SNSSink)(nil)

func NewSNSSink(client snsiface.SNSAPI, topicARN string) *SNSSink {
	return &SNSSink{client: client, topicARN: topicARN}
}

func (s *SNSSink) Write(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.client.PublishWithContext(ctx, &sns.PublishInput{
		Message:  aws.String(string(payload)),
		TopicArn: aws.String(s.topicARN),
		MessageAttributes: map[string]*sns.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(e.Type)),
			},
		},
	})
	return err
}

// S3Sink uploads every event as a JSON object under a common prefix, e.g.
// s3://bucket/events/<deposit>/<event>.json.
type S3Sink struct {
	storage s3.ObjectStorage
	prefix  string
}

var _ Sink = (*S3Sink)(nil)

func NewS3Sink(storage s3.ObjectStorage, prefix string) *S3Sink {
	return &S3Sink{storage: storage, prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *S3Sink) Write(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	uri := fmt.Sprintf("%s/%s/%s-%s.json", s.prefix, e.DepositID, e.Time.Format("20060102T150405.000"), e.ID)
	return s.storage.Upload(ctx, bytes.NewReader(payload), uri, "application/json")
}
