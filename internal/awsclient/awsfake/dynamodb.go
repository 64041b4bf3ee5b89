// Package awsfake provides in-memory stand-ins for the narrow AWS client interfaces used by
// runtime stores. Only the request shapes those stores issue are supported.
package awsfake

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	notExistsExpr = regexp.MustCompile(`^attribute_not_exists\((\w+)\)$`)
	existsExpr    = regexp.MustCompile(`^attribute_exists\((\w+)\)$`)
	equalsExpr    = regexp.MustCompile(`^(\w+)\s*=\s*(:\w+)$`)
)

// DynamoDB is a single-key ("pk") table store keyed by table name.
type DynamoDB struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]types.AttributeValue
	// Err, when set, is returned by every call.
	Err   error
	Calls int
}

// NewDynamoDB returns an empty fake.
func NewDynamoDB() *DynamoDB {
	return &DynamoDB{tables: map[string]map[string]map[string]types.AttributeValue{}}
}

func (d *DynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	if d.Err != nil {
		return nil, d.Err
	}
	table, key, err := d.tableKey(in.TableName, in.Item)
	if err != nil {
		return nil, err
	}
	old := table[key]
	if err := checkCondition(aws.ToString(in.ConditionExpression), old, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	table[key] = cloneItem(in.Item)
	out := &dynamodb.PutItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld && old != nil {
		out.Attributes = cloneItem(old)
	}
	return out, nil
}

func (d *DynamoDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	if d.Err != nil {
		return nil, d.Err
	}
	table, key, err := d.tableKey(in.TableName, in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := table[key]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: cloneItem(item)}, nil
}

func (d *DynamoDB) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	if d.Err != nil {
		return nil, d.Err
	}
	table, key, err := d.tableKey(in.TableName, in.Key)
	if err != nil {
		return nil, err
	}
	old := table[key]
	if err := checkCondition(aws.ToString(in.ConditionExpression), old, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	delete(table, key)
	out := &dynamodb.DeleteItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld && old != nil {
		out.Attributes = cloneItem(old)
	}
	return out, nil
}

// Item returns a copy of the stored item for assertions.
func (d *DynamoDB) Item(tableName, pk string) (map[string]types.AttributeValue, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.tables[tableName][pk]
	if !ok {
		return nil, false
	}
	return cloneItem(item), true
}

// Len returns the number of items stored in tableName.
func (d *DynamoDB) Len(tableName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tables[tableName])
}

func (d *DynamoDB) tableKey(tableName *string, item map[string]types.AttributeValue) (map[string]map[string]types.AttributeValue, string, error) {
	name := aws.ToString(tableName)
	if name == "" {
		return nil, "", fmt.Errorf("table name is required")
	}
	pk, ok := item["pk"].(*types.AttributeValueMemberS)
	if !ok || pk.Value == "" {
		return nil, "", fmt.Errorf("pk string attribute is required")
	}
	table, ok := d.tables[name]
	if !ok {
		table = map[string]map[string]types.AttributeValue{}
		d.tables[name] = table
	}
	return table, pk.Value, nil
}

func checkCondition(expr string, current map[string]types.AttributeValue, values map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	failed := &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	if m := notExistsExpr.FindStringSubmatch(expr); m != nil {
		if _, ok := current[m[1]]; ok {
			return failed
		}
		return nil
	}
	if m := existsExpr.FindStringSubmatch(expr); m != nil {
		if _, ok := current[m[1]]; !ok {
			return failed
		}
		return nil
	}
	if m := equalsExpr.FindStringSubmatch(expr); m != nil {
		have, ok := current[m[1]].(*types.AttributeValueMemberS)
		want, wantOK := values[m[2]].(*types.AttributeValueMemberS)
		if !ok || !wantOK || have.Value != want.Value {
			return failed
		}
		return nil
	}
	return fmt.Errorf("unsupported condition expression %q", expr)
}

func cloneItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}
