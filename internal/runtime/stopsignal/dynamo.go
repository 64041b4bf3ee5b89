package stopsignal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/awsclient"
)

type dynamoClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps one item per stopped lane, keyed "pk" = "<session>/<role>".
type DynamoStore struct {
	client dynamoClient
	table  string
	now    func() time.Time
}

// NewDynamoStore wires a store to an existing table.
func NewDynamoStore(client dynamoClient, table string) (*DynamoStore, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamodb client is required")
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("stop table is required")
	}
	return &DynamoStore{client: client, table: table, now: time.Now}, nil
}

func (s *DynamoStore) SetStop(ctx context.Context, sessionID string, role chat.Role) error {
	key, err := laneKey(sessionID, role)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"pk":     awsclient.S(key),
			"set_at": awsclient.N(s.now().UnixMilli()),
		},
	})
	if err != nil {
		return fmt.Errorf("set stop: %w", err)
	}
	return nil
}

func (s *DynamoStore) IsStopped(ctx context.Context, sessionID string, role chat.Role) (bool, error) {
	key, err := laneKey(sessionID, role)
	if err != nil {
		return false, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            awsclient.Key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("read stop: %w", err)
	}
	return len(out.Item) > 0, nil
}

func (s *DynamoStore) Clear(ctx context.Context, sessionID string, role chat.Role) error {
	key, err := laneKey(sessionID, role)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       awsclient.Key(key),
	}); err != nil {
		return fmt.Errorf("clear stop: %w", err)
	}
	return nil
}
