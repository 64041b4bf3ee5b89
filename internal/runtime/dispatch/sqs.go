package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	sqsLongPollSeconds = 20
	sqsMaxPeek         = 10
	attrReceiveCount   = "ApproximateReceiveCount"
	attrQueueDepth     = "ApproximateNumberOfMessages"
)

type sqsClient interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSQueue is a Queue over an SQS FIFO queue. The lane key is the message group, so SQS itself
// withholds later messages of a lane while one is in flight. The receive count reported by SQS
// is the attempt counter; messages received more than MaxAttempts times are forwarded to the
// dead-letter queue and deleted from the live queue.
type SQSQueue struct {
	client   sqsClient
	queueURL string
	dlqURL   string
	opts     Options

	mu     sync.Mutex
	closed bool
}

// NewSQSQueue wires a queue to existing FIFO queue URLs.
func NewSQSQueue(client sqsClient, queueURL, deadLetterURL string, opts Options) (*SQSQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("sqs client is required")
	}
	if strings.TrimSpace(queueURL) == "" {
		return nil, fmt.Errorf("queue url is required")
	}
	if strings.TrimSpace(deadLetterURL) == "" {
		return nil, fmt.Errorf("dead-letter queue url is required")
	}
	return &SQSQueue{client: client, queueURL: queueURL, dlqURL: deadLetterURL, opts: opts.normalized()}, nil
}

func (q *SQSQueue) Enqueue(ctx context.Context, msg QueuedMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if q.isClosed() {
		return ErrClosed
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.opts.Now()
	}
	msg.Attempt = 0
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.queueURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(msg.LaneKey()),
		MessageDeduplicationId: aws.String(msg.MessageID),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		if q.isClosed() {
			return Delivery{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(q.queueURL),
			MaxNumberOfMessages:         1,
			WaitTimeSeconds:             sqsLongPollSeconds,
			VisibilityTimeout:           visibilitySeconds(q.opts.VisibilityTimeout),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, fmt.Errorf("receive message: %w", err)
		}
		for _, raw := range out.Messages {
			var msg QueuedMessage
			if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
				return Delivery{}, fmt.Errorf("decode message %s: %w", aws.ToString(raw.MessageId), err)
			}
			msg.Attempt = receiveCount(raw)
			d := Delivery{Message: msg, Receipt: aws.ToString(raw.ReceiptHandle)}
			if msg.Attempt > q.opts.MaxAttempts {
				msg.Attempt = q.opts.MaxAttempts
				d.Message = msg
				if err := q.deadLetter(ctx, d); err != nil {
					return Delivery{}, err
				}
				continue
			}
			return d, nil
		}
	}
}

func (q *SQSQueue) Ack(ctx context.Context, d Delivery) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(d.Receipt),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Release(ctx context.Context, d Delivery, delay time.Duration) error {
	if d.Message.Attempt >= q.opts.MaxAttempts {
		return q.deadLetter(ctx, d)
	}
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(d.Receipt),
		VisibilityTimeout: visibilitySeconds(delay),
	})
	if err != nil {
		return fmt.Errorf("change visibility: %w", err)
	}
	return nil
}

// Requeue makes the message visible again without the dead-letter check. SQS owns the receive
// count, so the claim still counts toward the limit enforced at the next Receive.
func (q *SQSQueue) Requeue(ctx context.Context, d Delivery) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(d.Receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("change visibility: %w", err)
	}
	return nil
}

func (q *SQSQueue) deadLetter(ctx context.Context, d Delivery) error {
	dl := DeadLetter{Message: d.Message, Attempts: d.Message.Attempt, Reason: ReasonMaxAttempts, DeadAt: q.opts.Now()}
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if _, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(q.dlqURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(d.Message.LaneKey()),
		MessageDeduplicationId: aws.String(d.Message.MessageID),
	}); err != nil {
		return fmt.Errorf("send dead letter: %w", err)
	}
	if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(d.Receipt),
	}); err != nil {
		return fmt.Errorf("delete dead letter from live queue: %w", err)
	}
	q.opts.deadLettered([]DeadLetter{dl})
	return nil
}

// DeadLetters peeks at up to ten dead-lettered messages without consuming them.
func (q *SQSQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.dlqURL),
		MaxNumberOfMessages: sqsMaxPeek,
		VisibilityTimeout:   0,
	})
	if err != nil {
		return nil, fmt.Errorf("peek dead letters: %w", err)
	}
	letters := make([]DeadLetter, 0, len(out.Messages))
	for _, raw := range out.Messages {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", aws.ToString(raw.MessageId), err)
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

// Depth returns the approximate number of visible messages.
func (q *SQSQueue) Depth(ctx context.Context) (int, error) {
	out, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, fmt.Errorf("get queue attributes: %w", err)
	}
	n, err := strconv.Atoi(out.Attributes[attrQueueDepth])
	if err != nil {
		return 0, fmt.Errorf("parse queue depth: %w", err)
	}
	return n, nil
}

func (q *SQSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *SQSQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func receiveCount(msg types.Message) int {
	n, err := strconv.Atoi(msg.Attributes[attrReceiveCount])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// visibilitySeconds rounds up to whole seconds within the SQS 12 hour limit.
func visibilitySeconds(d time.Duration) int32 {
	const maxVisibility = 12 * 60 * 60
	if d <= 0 {
		return 0
	}
	secs := int64((d + time.Second - 1) / time.Second)
	if secs > maxVisibility {
		secs = maxVisibility
	}
	return int32(secs)
}
