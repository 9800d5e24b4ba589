package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamoDB is an in-memory table that understands the handful of
// condition and update expressions the repositories issue.
type fakeDynamoDB struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	err   error
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: make(map[string]map[string]types.AttributeValue)}
}

func fakeKey(key map[string]types.AttributeValue) string {
	pk := key["PK"].(*types.AttributeValueMemberS).Value
	sk := key["SK"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func boolAttr(item map[string]types.AttributeValue, name string) bool {
	v, ok := item[name].(*types.AttributeValueMemberBOOL)
	return ok && v.Value
}

func conditionHolds(cond *string, item map[string]types.AttributeValue) bool {
	switch aws.ToString(cond) {
	case "":
		return true
	case conditionNotExists:
		return item == nil
	case conditionExists:
		return item != nil
	case conditionExchangeable:
		return item != nil && !boolAttr(item, "IsUsed") && !boolAttr(item, "IsRevoked")
	default:
		panic(fmt.Sprintf("fake dynamodb: unsupported condition %q", aws.ToString(cond)))
	}
}

func applyUpdate(item map[string]types.AttributeValue, expr string, values map[string]types.AttributeValue) {
	assignment := strings.TrimPrefix(expr, "SET ")
	parts := strings.SplitN(assignment, " = ", 2)
	item[parts[0]] = values[parts[1]]
}

func (f *fakeDynamoDB) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: maps.Clone(f.items[fakeKey(in.Key)])}, nil
}

func (f *fakeDynamoDB) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	key := fakeKey(in.Item)
	if !conditionHolds(in.ConditionExpression, f.items[key]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	f.items[key] = maps.Clone(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamoDB) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	key := fakeKey(in.Key)
	item := f.items[key]
	if !conditionHolds(in.ConditionExpression, item) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	if item == nil {
		item = maps.Clone(in.Key)
	}
	applyUpdate(item, aws.ToString(in.UpdateExpression), in.ExpressionAttributeValues)
	f.items[key] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamoDB) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, op := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		var ok bool
		switch {
		case op.Put != nil:
			ok = conditionHolds(op.Put.ConditionExpression, f.items[fakeKey(op.Put.Item)])
		case op.Update != nil:
			ok = conditionHolds(op.Update.ConditionExpression, f.items[fakeKey(op.Update.Key)])
		default:
			return nil, errors.New("fake dynamodb: unsupported transact item")
		}
		if !ok {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, op := range in.TransactItems {
		switch {
		case op.Put != nil:
			f.items[fakeKey(op.Put.Item)] = maps.Clone(op.Put.Item)
		case op.Update != nil:
			key := fakeKey(op.Update.Key)
			item := f.items[key]
			applyUpdate(item, aws.ToString(op.Update.UpdateExpression), op.Update.ExpressionAttributeValues)
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}
