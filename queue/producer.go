// Package queue feeds the pipeline with deposit locations received from
// an SQS queue, as an alternative to watching the inbox.
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// maxNumberOfMessages is the number of messages that we want to receive
	// from SQS incoming batches.
	maxNumberOfMessages = 10

	// waitTimeSeconds is the longest we're waiting on each SQS receive poll.
	waitTimeSeconds = 1
)

// Producer receives deposit locations from SQS.
//
// A message body is either the location itself or a JSON document with a
// "location" member. Messages are deleted from SQS once the location has
// been handed over, including messages that could not be understood.
type Producer struct {
	logger           logrus.FieldLogger
	client           sqsiface.SQSAPI
	queueURL         string
	incomingMessages prometheus.Counter
	retryDelay       time.Duration
}

func NewProducer(logger logrus.FieldLogger, client sqsiface.SQSAPI, queueURL string, incomingMessages prometheus.Counter) *Producer {
	return &Producer{
		logger:           logger,
		client:           client,
		queueURL:         queueURL,
		incomingMessages: incomingMessages,
		retryDelay:       time.Second,
	}
}

// Run sends the received locations to out until ctx is cancelled. The
// channel is closed on return.
func (p *Producer) Run(ctx context.Context, out chan<- string) error {
	defer close(out)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := p.client.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(p.queueURL),
			MaxNumberOfMessages: aws.Int64(maxNumberOfMessages),
			WaitTimeSeconds:     aws.Int64(waitTimeSeconds),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Errorf("Error receiving a message from SQS: %s", err)
			select {
			case <-time.After(p.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, m := range res.Messages {
			if p.incomingMessages != nil {
				p.incomingMessages.Inc()
			}
			location := parseLocation(aws.StringValue(m.Body))
			if location == "" {
				p.logger.WithField("messageID", aws.StringValue(m.MessageId)).Warn("Message without deposit location discarded")
				p.deleteMessage(ctx, m.ReceiptHandle)
				continue
			}
			select {
			case out <- location:
				p.deleteMessage(ctx, m.ReceiptHandle)
			case <-ctx.Done():
				// Not deleted, SQS delivers it again after the visibility
				// timeout.
				return ctx.Err()
			}
		}
	}
}

func parseLocation(body string) string {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "{") {
		var msg struct {
			Location string `json:"location"`
		}
		if err := json.Unmarshal([]byte(body), &msg); err != nil {
			return ""
		}
		return strings.TrimSpace(msg.Location)
	}
	return body
}

// deleteMessage does best effort to delete a message from SQS.
func (p *Producer) deleteMessage(ctx context.Context, receiptHandle *string) {
	_, err := p.client.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		p.logger.Error("Message could not be removed from SQS: ", err)
	}
}
