package awsx

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/mobily-enterprises/billingkit/internal/idempotency"
)

type mockSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (m *mockSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

func TestNotifyRecoveryVerification(t *testing.T) {
	mock := &mockSQS{}
	pub := NewPublisher(mock, "https://sqs.test/queue")

	notice := idempotency.ReconciliationNotice{
		EntityID:                 "41",
		Provider:                 "stripe",
		OperationKey:             "opkey-1",
		IdempotencyRowID:         "row-1",
		SessionExpiresUpperBound: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	if err := pub.NotifyRecoveryVerification(context.Background(), notice); err != nil {
		t.Fatalf("NotifyRecoveryVerification() error: %v", err)
	}

	if len(mock.inputs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(mock.inputs))
	}
	input := mock.inputs[0]
	if *input.QueueUrl != "https://sqs.test/queue" {
		t.Errorf("queue url = %s", *input.QueueUrl)
	}

	var decoded idempotency.ReconciliationNotice
	if err := json.Unmarshal([]byte(*input.MessageBody), &decoded); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if decoded != notice {
		t.Errorf("decoded notice = %+v, want %+v", decoded, notice)
	}

	for _, attr := range []string{"entity_id", "provider", "operation_key"} {
		if _, ok := input.MessageAttributes[attr]; !ok {
			t.Errorf("missing message attribute %s", attr)
		}
	}
	if got := *input.MessageAttributes["operation_key"].StringValue; got != "opkey-1" {
		t.Errorf("operation_key attribute = %s", got)
	}
}

func TestNotifyRecoveryVerificationSendFailure(t *testing.T) {
	mock := &mockSQS{err: errors.New("throttled")}
	pub := NewPublisher(mock, "https://sqs.test/queue")

	err := pub.NotifyRecoveryVerification(context.Background(), idempotency.ReconciliationNotice{EntityID: "41"})
	if err == nil {
		t.Fatal("expected an error from a failed send")
	}
}
