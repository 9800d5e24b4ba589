package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/qcom/sessionauth/internal/models"
	"github.com/sirupsen/logrus"
)

// UserRepository stores each user under USER!<id> plus an EMAIL!<email>
// lookup item pointing at the id.
type UserRepository struct {
	client    DynamoDBAPI
	tableName string
	logger    *logrus.Logger
}

func NewUserRepository(client DynamoDBAPI, tableName string, logger *logrus.Logger) *UserRepository {
	return &UserRepository{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{ID: id}

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       itemKey(user.GetPK(), user.GetSK()),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get user from DynamoDB")
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if result.Item == nil {
		return nil, nil // User not found
	}

	var dbUser models.User
	if err := attributevalue.UnmarshalMap(result.Item, &dbUser); err != nil {
		r.logger.WithError(err).Error("Failed to unmarshal user from DynamoDB")
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}

	return &dbUser, nil
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	lookup := &models.User{Email: email}

	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       itemKey(lookup.EmailPK(), "METADATA"),
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to get email lookup from DynamoDB")
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}

	if result.Item == nil {
		return nil, nil
	}

	idAttr, ok := result.Item["user_id"].(*types.AttributeValueMemberS)
	if !ok || idAttr.Value == "" {
		return nil, fmt.Errorf("email lookup item for %s has no user_id", email)
	}

	return r.FindByID(ctx, idAttr.Value)
}

// Create writes the user and its email lookup in one transaction so that two
// accounts can never share an email.
func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	user.Email = models.NormalizeEmail(user.Email)

	item, err := attributevalue.MarshalMap(user)
	if err != nil {
		r.logger.WithError(err).Error("Failed to marshal user for DynamoDB")
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	maps.Copy(item, itemKey(user.GetPK(), user.GetSK()))

	lookup := itemKey(user.EmailPK(), "METADATA")
	lookup["user_id"] = &types.AttributeValueMemberS{Value: user.ID}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                item,
				ConditionExpression: aws.String(conditionNotExists),
			}},
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                lookup,
				ConditionExpression: aws.String(conditionNotExists),
			}},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return ErrUserExists
		}
		r.logger.WithError(err).Error("Failed to create user in DynamoDB")
		return fmt.Errorf("failed to create user: %w", err)
	}

	return nil
}

func (r *UserRepository) GetClaims(_ context.Context, user *models.User) (map[string]string, error) {
	return maps.Clone(user.Claims), nil
}

func (r *UserRepository) GetRoles(_ context.Context, user *models.User) ([]string, error) {
	return slices.Clone(user.Roles), nil
}
