package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/relaycore/vsmtp/lalog"
)

// SQSPublisher publishes accepted messages to an SQS queue, tracing the
// call via X-Ray.
type SQSPublisher struct {
	client sqsiface.SQSAPI
	logger lalog.Logger
}

// NewSQSPublisher builds an SQS-backed Publisher for region, tracing calls
// through X-Ray.
func NewSQSPublisher(region string) (*SQSPublisher, error) {
	if region == "" {
		return nil, errors.New("queue: AWS region must not be empty")
	}
	apiSession, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("queue: creating AWS session: %w", err)
	}
	client := sqs.New(apiSession)
	xray.AWS(client.Client)
	return &SQSPublisher{
		client: client,
		logger: lalog.Logger{ComponentName: "queue.sqs"},
	}, nil
}

// Publish sends body to the SQS queue identified by queueName (its full
// queue URL), blocking until SQS has acknowledged the message, i.e.
// publish-with-ack / confirm mode.
func (p *SQSPublisher) Publish(ctx context.Context, queueName string, body []byte) error {
	_, err := p.client.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		DelaySeconds: aws.Int64(0),
		MessageBody:  aws.String(string(body)),
		QueueUrl:     aws.String(queueName),
	})
	if err != nil {
		p.logger.Warning(queueName, err, "failed to publish %d byte message", len(body))
		return &PublishError{Transient: isTransientAWSError(err), Err: err}
	}
	p.logger.Info(queueName, nil, "published %d byte message", len(body))
	return nil
}

// isTransientAWSError treats a missing queue, invalid message contents and
// an unsupported operation as permanent; every other error, AWS or not
// (throttling, 5xx, network, access denied, ...), is treated as transient.
func isTransientAWSError(err error) bool {
	var awsErr awserr.Error
	if errors.As(err, &awsErr) {
		switch awsErr.Code() {
		case sqs.ErrCodeUnsupportedOperation, sqs.ErrCodeInvalidMessageContents, sqs.ErrCodeQueueDoesNotExist:
			return false
		default:
			return true
		}
	}
	return true
}
