package sqsbackend

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"

	"tunelift/request"
)

// Backend delivers a status update by sending its payload to an SQS queue.
type Backend struct {
	svc     *sqs.SQS
	reports chan request.StatusUpdate
}

// ID returns "sqs".
func (b *Backend) ID() string {
	return "sqs"
}

// Start starts the backend by creating an SQS client, given a set of
// options provided by the configuration.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	region, ok := cfg["region"].(string)
	if !ok {
		return errors.New("region must be a string")
	}

	// Credentials come from ~/.aws/credentials, the default region from
	// ~/.aws/config
	sqsSession, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return err
	}

	b.reports = make(chan request.StatusUpdate)
	b.svc = sqs.New(sqsSession)

	return nil
}

// Notify produces an SQS message
func (b *Backend) Notify(url string, u request.StatusUpdate) error {
	payload, err := u.Bytes()
	if err != nil {
		u.Delivered = false
		u.DeliveryError = err.Error()
		return err
	}

	_, err = b.svc.SendMessage(&sqs.SendMessageInput{
		MessageBody: aws.String(string(payload)),
		QueueUrl:    aws.String(url),
	})
	if err != nil {
		err = fmt.Errorf("Got an error sending the message: %s", err.Error())
		u.Delivered = false
		u.DeliveryError = err.Error()
		return err
	}

	u.Delivered = true
	u.DeliveryError = ""
	b.reports <- u
	return nil
}

// DeliveryReports returns a channel of emitted delivery events
func (b *Backend) DeliveryReports() <-chan request.StatusUpdate {
	return b.reports
}

// Stop shuts down the backend
func (b *Backend) Stop() error {
	close(b.reports)
	return nil
}
