package state

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/aws-samples/Intelli-Agent-sub000/internal/awsclient"
)

type dynamoClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoLedger records processed messages with a conditional put on "pk" = <session>#<message>.
type DynamoLedger struct {
	client dynamoClient
	table  string
	now    func() time.Time
}

// NewDynamoLedger wires a ledger to an existing table.
func NewDynamoLedger(client dynamoClient, table string) (*DynamoLedger, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamodb client is required")
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("ledger table is required")
	}
	return &DynamoLedger{client: client, table: table, now: time.Now}, nil
}

func ledgerPK(sessionID, messageID string) string {
	return strings.TrimSpace(sessionID) + "#" + strings.TrimSpace(messageID)
}

func (l *DynamoLedger) Lookup(ctx context.Context, sessionID, messageID string) (Record, bool, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.table),
		Key:            awsclient.Key(ledgerPK(sessionID, messageID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup processed message: %w", err)
	}
	if len(out.Item) == 0 {
		return Record{}, false, nil
	}
	return Record{
		SessionID:   awsclient.StringAttr(out.Item, "session_id"),
		MessageID:   awsclient.StringAttr(out.Item, "message_id"),
		Outcome:     awsclient.StringAttr(out.Item, "outcome"),
		ProcessedAt: time.UnixMilli(awsclient.IntAttr(out.Item, "processed_at")),
	}, true, nil
}

func (l *DynamoLedger) MarkProcessed(ctx context.Context, rec Record) (bool, error) {
	rec, err := normalize(rec, l.now)
	if err != nil {
		return false, err
	}
	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item: map[string]types.AttributeValue{
			"pk":           awsclient.S(ledgerPK(rec.SessionID, rec.MessageID)),
			"session_id":   awsclient.S(rec.SessionID),
			"message_id":   awsclient.S(rec.MessageID),
			"outcome":      awsclient.S(rec.Outcome),
			"processed_at": awsclient.N(rec.ProcessedAt.UnixMilli()),
		},
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if awsclient.IsConditionalCheckFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	return true, nil
}
