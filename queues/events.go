package queues

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SqsSender is the part of the SQS client the publisher uses.
type SqsSender interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SqsEventPublisher sends asset lifecycle events to a queue. FIFO queues
// are grouped per institution and deduplicated per asset and status.
type SqsEventPublisher struct {
	client   SqsSender
	queueUrl string
}

func NewSqsEventPublisher(client SqsSender, queueUrl string) *SqsEventPublisher {
	return &SqsEventPublisher{client: client, queueUrl: queueUrl}
}

func (p *SqsEventPublisher) Publish(ctx context.Context, evt models.AssetLifecycleEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueUrl),
		MessageBody: aws.String(string(body)),
	}
	if strings.HasSuffix(p.queueUrl, ".fifo") {
		in.MessageGroupId = aws.String(evt.InstitutionID)
		in.MessageDeduplicationId = aws.String(evt.AssetID + ":" + string(evt.Status))
	}

	if _, err := p.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("send lifecycle event: %w", err)
	}
	return nil
}

type NullEventPublisher struct{}

func NewNullEventPublisher() *NullEventPublisher {
	return &NullEventPublisher{}
}

func (NullEventPublisher) Publish(context.Context, models.AssetLifecycleEvent) error { return nil }
