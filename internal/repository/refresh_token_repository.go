package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/sessionauth/internal/models"
	"github.com/sirupsen/logrus"
)

// DynamoDBAPI is the part of *dynamodb.Client the repositories use.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

const (
	conditionNotExists    = "attribute_not_exists(PK)"
	conditionExchangeable = "attribute_exists(PK) AND IsUsed = :false AND IsRevoked = :false"
	conditionExists       = "attribute_exists(PK)"
)

type RefreshTokenRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
}

func NewRefreshTokenRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *RefreshTokenRepository {
	return &RefreshTokenRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func refreshTokenKey(token string) map[string]types.AttributeValue {
	return itemKey("REFRESH_TOKEN#"+token, "METADATA")
}

// refreshTokenItem marshals a row with its key and a TTL attribute so DynamoDB
// evicts it once the refresh window closes.
func refreshTokenItem(token *models.RefreshToken) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(token)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	maps.Copy(item, refreshTokenKey(token.Token))
	item["TTL"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", token.ExpiresAt.Unix())}
	return item, nil
}

func (r *RefreshTokenRepository) Save(ctx context.Context, token *models.RefreshToken) error {
	item, err := refreshTokenItem(token)
	if err != nil {
		return err
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String(conditionNotExists),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrDuplicateToken
		}
		r.logger.WithError(err).Error("Failed to store refresh token in DynamoDB")
		return fmt.Errorf("failed to store refresh token: %w", err)
	}

	return nil
}

func (r *RefreshTokenRepository) FindByValue(ctx context.Context, token string) (*models.RefreshToken, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            refreshTokenKey(token),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get refresh token from DynamoDB")
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	if result.Item == nil {
		return nil, ErrRefreshTokenNotFound
	}

	var row models.RefreshToken
	if err := attributevalue.UnmarshalMap(result.Item, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}

	return &row, nil
}

func (r *RefreshTokenRepository) markUsedUpdate(token string) *types.Update {
	return &types.Update{
		TableName:           aws.String(r.tableName),
		Key:                 refreshTokenKey(token),
		UpdateExpression:    aws.String("SET IsUsed = :true"),
		ConditionExpression: aws.String(conditionExchangeable),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  &types.AttributeValueMemberBOOL{Value: true},
			":false": &types.AttributeValueMemberBOOL{Value: false},
		},
	}
}

func (r *RefreshTokenRepository) MarkUsed(ctx context.Context, token *models.RefreshToken) error {
	update := r.markUsedUpdate(token.Token)

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 update.TableName,
		Key:                       update.Key,
		UpdateExpression:          update.UpdateExpression,
		ConditionExpression:       update.ConditionExpression,
		ExpressionAttributeValues: update.ExpressionAttributeValues,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrTokenAlreadyUsed
		}
		r.logger.WithError(err).Error("Failed to mark refresh token used")
		return fmt.Errorf("failed to mark refresh token used: %w", err)
	}

	token.IsUsed = true
	return nil
}

// Rotate marks used and inserts replacement in a single transaction. The
// conditional update on the used row is what serializes concurrent exchanges.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, used, replacement *models.RefreshToken) error {
	item, err := refreshTokenItem(replacement)
	if err != nil {
		return err
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: r.markUsedUpdate(used.Token)},
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                item,
				ConditionExpression: aws.String(conditionNotExists),
			}},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			reasons := canceled.CancellationReasons
			if len(reasons) > 0 && aws.ToString(reasons[0].Code) == "ConditionalCheckFailed" {
				return ErrTokenAlreadyUsed
			}
			if len(reasons) > 1 && aws.ToString(reasons[1].Code) == "ConditionalCheckFailed" {
				return ErrDuplicateToken
			}
		}
		r.logger.WithError(err).Error("Failed to rotate refresh token in DynamoDB")
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	used.IsUsed = true
	return nil
}

func (r *RefreshTokenRepository) Revoke(ctx context.Context, token string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 refreshTokenKey(token),
		UpdateExpression:    aws.String("SET IsRevoked = :true"),
		ConditionExpression: aws.String(conditionExists),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrRefreshTokenNotFound
		}
		r.logger.WithError(err).Error("Failed to revoke refresh token")
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}

	return nil
}
