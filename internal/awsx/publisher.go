package awsx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/mobily-enterprises/billingkit/internal/idempotency"
)

// Publisher sends reconciliation notices to the queue the reconciliation
// worker consumes.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// NotifyRecoveryVerification publishes one notice. The message body is the
// JSON notice; the routing attributes duplicate the identity fields so
// consumers can filter without parsing the body.
func (p *Publisher) NotifyRecoveryVerification(ctx context.Context, notice idempotency.ReconciliationNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	messageBody := string(body)

	attrs := map[string]sqstypes.MessageAttributeValue{}
	for k, v := range map[string]string{
		"entity_id":     notice.EntityID,
		"provider":      notice.Provider,
		"operation_key": notice.OperationKey,
	} {
		attrs[k] = sqstypes.MessageAttributeValue{
			DataType:    awsString("String"),
			StringValue: awsString(v),
		}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:          &p.QueueURL,
		MessageBody:       &messageBody,
		MessageAttributes: attrs,
	}
	if _, err := p.SQS.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// awsString helper
func awsString(s string) *string { return &s }
