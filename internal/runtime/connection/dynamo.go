package connection

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

// DynamoRegistry stores slots and their reverse index in one table keyed by "pk".
//
//	S#<session>#<role>  -> connection_id, user_id, established_at, last_seen_at
//	C#<connection>      -> session_id, role
type DynamoRegistry struct {
	client dynamoClient
	table  string
	now    func() time.Time
}

// NewDynamoRegistry wires a registry to an existing table.
func NewDynamoRegistry(client dynamoClient, table string) (*DynamoRegistry, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamodb client is required")
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("connection table is required")
	}
	return &DynamoRegistry{client: client, table: table, now: time.Now}, nil
}

func slotPK(sessionID string, role chat.Role) string {
	return "S#" + strings.TrimSpace(sessionID) + "#" + string(role)
}

func connPK(connectionID string) string {
	return "C#" + strings.TrimSpace(connectionID)
}

func (r *DynamoRegistry) Register(ctx context.Context, h Handle) (string, error) {
	if err := h.Validate(); err != nil {
		return "", err
	}
	if h.EstablishedAt.IsZero() {
		h.EstablishedAt = r.now()
	}
	if h.LastSeenAt.IsZero() {
		h.LastSeenAt = h.EstablishedAt
	}

	index, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item: map[string]types.AttributeValue{
			"pk":         awsclient.S(connPK(h.ConnectionID)),
			"session_id": awsclient.S(h.SessionID),
			"role":       awsclient.S(string(h.Role)),
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return "", fmt.Errorf("put connection index: %w", err)
	}

	out, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:    aws.String(r.table),
		Item:         slotItem(h),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return "", fmt.Errorf("put connection slot: %w", err)
	}

	if err := r.vacateMovedSlot(ctx, h, index.Attributes); err != nil {
		return "", err
	}

	previous := awsclient.StringAttr(out.Attributes, "connection_id")
	if previous == "" || previous == h.ConnectionID {
		return "", nil
	}
	// The superseded connection keeps its transport until it disconnects; only its index goes.
	if _, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.table),
		Key:       awsclient.Key(connPK(previous)),
	}); err != nil {
		return previous, fmt.Errorf("delete superseded connection index: %w", err)
	}
	return previous, nil
}

// vacateMovedSlot deletes the slot a connection held before moving to h's slot, unless another
// connection has claimed it since.
func (r *DynamoRegistry) vacateMovedSlot(ctx context.Context, h Handle, oldIndex map[string]types.AttributeValue) error {
	if len(oldIndex) == 0 {
		return nil
	}
	oldSlot := slotPK(awsclient.StringAttr(oldIndex, "session_id"), chat.Role(awsclient.StringAttr(oldIndex, "role")))
	if oldSlot == slotPK(h.SessionID, h.Role) {
		return nil
	}
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(r.table),
		Key:                       awsclient.Key(oldSlot),
		ConditionExpression:       aws.String("connection_id = :c"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":c": awsclient.S(h.ConnectionID)},
	})
	if err != nil && !awsclient.IsConditionalCheckFailed(err) {
		return fmt.Errorf("vacate previous connection slot: %w", err)
	}
	return nil
}

func (r *DynamoRegistry) Unregister(ctx context.Context, connectionID string) error {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return nil
	}
	out, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(r.table),
		Key:          awsclient.Key(connPK(connectionID)),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return fmt.Errorf("delete connection index: %w", err)
	}
	if len(out.Attributes) == 0 {
		return nil
	}
	sessionID := awsclient.StringAttr(out.Attributes, "session_id")
	role := chat.Role(awsclient.StringAttr(out.Attributes, "role"))
	_, err = r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(r.table),
		Key:                       awsclient.Key(slotPK(sessionID, role)),
		ConditionExpression:       aws.String("connection_id = :c"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":c": awsclient.S(connectionID)},
	})
	if err != nil && !awsclient.IsConditionalCheckFailed(err) {
		return fmt.Errorf("delete connection slot: %w", err)
	}
	return nil
}

func (r *DynamoRegistry) Resolve(ctx context.Context, sessionID string, role chat.Role) (Handle, bool, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            awsclient.Key(slotPK(sessionID, role)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Handle{}, false, fmt.Errorf("get connection slot: %w", err)
	}
	if len(out.Item) == 0 {
		return Handle{}, false, nil
	}
	return handleFromSlot(out.Item, sessionID, role), true, nil
}

func (r *DynamoRegistry) Lookup(ctx context.Context, connectionID string) (Handle, bool, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            awsclient.Key(connPK(connectionID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Handle{}, false, fmt.Errorf("get connection index: %w", err)
	}
	if len(out.Item) == 0 {
		return Handle{}, false, nil
	}
	h, ok, err := r.Resolve(ctx, awsclient.StringAttr(out.Item, "session_id"), chat.Role(awsclient.StringAttr(out.Item, "role")))
	if err != nil || !ok || h.ConnectionID != strings.TrimSpace(connectionID) {
		return Handle{}, false, err
	}
	return h, true, nil
}

func (r *DynamoRegistry) Touch(ctx context.Context, connectionID string, now time.Time) error {
	h, ok, err := r.Lookup(ctx, connectionID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	h.LastSeenAt = now
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(r.table),
		Item:                      slotItem(h),
		ConditionExpression:       aws.String("connection_id = :c"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":c": awsclient.S(h.ConnectionID)},
	})
	if awsclient.IsConditionalCheckFailed(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("touch connection slot: %w", err)
	}
	return nil
}

func slotItem(h Handle) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk":             awsclient.S(slotPK(h.SessionID, h.Role)),
		"connection_id":  awsclient.S(h.ConnectionID),
		"user_id":        awsclient.S(h.UserID),
		"established_at": awsclient.N(h.EstablishedAt.UnixMilli()),
		"last_seen_at":   awsclient.N(h.LastSeenAt.UnixMilli()),
	}
}

func handleFromSlot(item map[string]types.AttributeValue, sessionID string, role chat.Role) Handle {
	return Handle{
		ConnectionID:  awsclient.StringAttr(item, "connection_id"),
		SessionID:     strings.TrimSpace(sessionID),
		UserID:        awsclient.StringAttr(item, "user_id"),
		Role:          role,
		EstablishedAt: time.UnixMilli(awsclient.IntAttr(item, "established_at")),
		LastSeenAt:    time.UnixMilli(awsclient.IntAttr(item, "last_seen_at")),
	}
}
