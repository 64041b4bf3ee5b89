package awsfake

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
)

type sqsMessage struct {
	id             string
	body           string
	group          string
	receiveCount   int
	invisibleUntil time.Time
	receipt        string
}

type sqsQueue struct {
	messages []*sqsMessage
	dedup    map[string]struct{}
}

// SQS emulates FIFO queues: one in-flight message per message group, receive counts, and
// deduplication ids. Long polls wait at most EmptyWait.
type SQS struct {
	mu        sync.Mutex
	queues    map[string]*sqsQueue
	EmptyWait time.Duration
	Now       func() time.Time
}

// NewSQS returns an empty fake.
func NewSQS() *SQS {
	return &SQS{queues: map[string]*sqsQueue{}, EmptyWait: 5 * time.Millisecond, Now: time.Now}
}

func (f *SQS) queue(url *string) (*sqsQueue, error) {
	name := aws.ToString(url)
	if name == "" {
		return nil, fmt.Errorf("queue url is required")
	}
	q, ok := f.queues[name]
	if !ok {
		q = &sqsQueue{dedup: map[string]struct{}{}}
		f.queues[name] = q
	}
	return q, nil
}

func (f *SQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, err := f.queue(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	if aws.ToString(in.MessageGroupId) == "" || aws.ToString(in.MessageDeduplicationId) == "" {
		return nil, fmt.Errorf("fifo queues require group and deduplication ids")
	}
	id := uuid.NewString()
	if _, dup := q.dedup[aws.ToString(in.MessageDeduplicationId)]; dup {
		return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
	}
	q.dedup[aws.ToString(in.MessageDeduplicationId)] = struct{}{}
	q.messages = append(q.messages, &sqsMessage{
		id:    id,
		body:  aws.ToString(in.MessageBody),
		group: aws.ToString(in.MessageGroupId),
	})
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *SQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	out, err := f.receive(in)
	if err != nil || len(out.Messages) > 0 || in.WaitTimeSeconds == 0 {
		return out, err
	}
	timer := time.NewTimer(f.EmptyWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return f.receive(in)
}

func (f *SQS) receive(in *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, err := f.queue(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	limit := int(in.MaxNumberOfMessages)
	if limit < 1 {
		limit = 1
	}
	now := f.Now()
	seenGroup := map[string]bool{}
	out := &sqs.ReceiveMessageOutput{}
	for _, m := range q.messages {
		if seenGroup[m.group] {
			continue
		}
		seenGroup[m.group] = true
		if m.invisibleUntil.After(now) {
			continue
		}
		m.receiveCount++
		m.receipt = uuid.NewString()
		m.invisibleUntil = now.Add(time.Duration(in.VisibilityTimeout) * time.Second)
		out.Messages = append(out.Messages, types.Message{
			MessageId:     aws.String(m.id),
			Body:          aws.String(m.body),
			ReceiptHandle: aws.String(m.receipt),
			Attributes:    map[string]string{"ApproximateReceiveCount": strconv.Itoa(m.receiveCount)},
		})
		if len(out.Messages) == limit {
			break
		}
	}
	return out, nil
}

func (f *SQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, err := f.queue(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	for i, m := range q.messages {
		if m.receipt != "" && m.receipt == aws.ToString(in.ReceiptHandle) {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return &sqs.DeleteMessageOutput{}, nil
		}
	}
	return nil, &types.ReceiptHandleIsInvalid{Message: aws.String("receipt handle is invalid")}
}

func (f *SQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, err := f.queue(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	for _, m := range q.messages {
		if m.receipt != "" && m.receipt == aws.ToString(in.ReceiptHandle) {
			m.invisibleUntil = f.Now().Add(time.Duration(in.VisibilityTimeout) * time.Second)
			return &sqs.ChangeMessageVisibilityOutput{}, nil
		}
	}
	return nil, &types.ReceiptHandleIsInvalid{Message: aws.String("receipt handle is invalid")}
}

func (f *SQS) GetQueueAttributes(_ context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, err := f.queue(in.QueueUrl)
	if err != nil {
		return nil, err
	}
	return &sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{"ApproximateNumberOfMessages": strconv.Itoa(len(q.messages))},
	}, nil
}

// Len returns the number of undeleted messages on url.
func (f *SQS) Len(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[url]; ok {
		return len(q.messages)
	}
	return 0
}
