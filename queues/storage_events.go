package queues

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	logger "github.com/Yulian302/lfusys-services-media/internal/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SqsReceiver is the part of the SQS client the poll loop uses.
type SqsReceiver interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// CompletionReconciler finishes uploads the object store reports as
// assembled.
type CompletionReconciler interface {
	ReconcileStorageCompletion(ctx context.Context, objectKey string) error
}

// StorageEventsReceiver long-polls the bucket notification queue for
// multipart completions.
type StorageEventsReceiver struct {
	client     SqsReceiver
	reconciler CompletionReconciler
	queueUrl   string
	logger     logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewStorageEventsReceiver(
	parent context.Context,
	client SqsReceiver,
	reconciler CompletionReconciler,
	queueUrl string,
	l logger.Logger,
) *StorageEventsReceiver {
	ctx, cancel := context.WithCancel(parent)

	return &StorageEventsReceiver{
		client:     client,
		reconciler: reconciler,
		queueUrl:   queueUrl,
		logger:     l,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (r *StorageEventsReceiver) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.pollLoop()
	}()
}

func (r *StorageEventsReceiver) pollLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		out, err := r.client.ReceiveMessage(r.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueUrl),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20, // long poll
			VisibilityTimeout:   60,
		})
		if err != nil {
			if r.ctx.Err() != nil {
				return r.ctx.Err()
			}
			r.logger.Warn("receive storage events failed", "error", err)
			select {
			case <-r.ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range out.Messages {
			r.handleMessage(r.ctx, msg)
		}
	}
}

func (r *StorageEventsReceiver) deleteMessage(ctx context.Context, msg types.Message) {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueUrl),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		r.logger.Warn("delete storage event failed", "error", err)
	}
}

// handleMessage deletes the message once every record in it was
// reconciled; a failing record leaves it for redelivery.
func (r *StorageEventsReceiver) handleMessage(ctx context.Context, msg types.Message) {
	if msg.Body == nil {
		r.deleteMessage(ctx, msg)
		return
	}

	keys, err := completedObjectKeys(*msg.Body)
	if err != nil {
		// poison message
		r.logger.Warn("dropping unreadable storage event", "error", err)
		r.deleteMessage(ctx, msg)
		return
	}

	for _, key := range keys {
		if err := r.reconciler.ReconcileStorageCompletion(ctx, key); err != nil {
			r.logger.Error("storage completion reconcile failed", "object_key", key, "error", err)
			return // retry
		}
	}

	r.deleteMessage(ctx, msg)
}

// completedObjectKeys extracts the keys of multipart completions from an S3
// event notification. Test events and other event types yield no keys.
func completedObjectKeys(body string) ([]string, error) {
	var n models.StorageNotification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		return nil, err
	}

	var keys []string
	for _, rec := range n.Records {
		if rec.EventName != "ObjectCreated:CompleteMultipartUpload" {
			continue
		}
		// keys arrive form-encoded
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(key) == "" {
			return nil, errors.New("notification without object key")
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (r *StorageEventsReceiver) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
