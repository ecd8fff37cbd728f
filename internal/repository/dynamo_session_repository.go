package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/launchpad/launchpad/internal/models"
	"github.com/sirupsen/logrus"
)

// DynamoAPI is the subset of the DynamoDB client the repository uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type DynamoSessionRepository struct {
	client    DynamoAPI
	tableName string
	ttl       time.Duration
	sealer    *Sealer
	logger    *logrus.Logger
}

type sessionItem struct {
	PK      string `dynamodbav:"PK"`
	SK      string `dynamodbav:"SK"`
	Payload []byte `dynamodbav:"Payload"`
	SavedAt string `dynamodbav:"SavedAt"`
	TTL     int64  `dynamodbav:"TTL,omitempty"`
}

func NewDynamoSessionRepository(client DynamoAPI, tableName string, ttl time.Duration, sealer *Sealer, logger *logrus.Logger) *DynamoSessionRepository {
	return &DynamoSessionRepository{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
		sealer:    sealer,
		logger:    logger,
	}
}

// Save stores the snapshot with a TTL attribute when a ttl is configured.
func (r *DynamoSessionRepository) Save(ctx context.Context, key string, snapshot *models.SessionSnapshot) error {
	payload, err := encodeSnapshot(snapshot, r.sealer)
	if err != nil {
		return err
	}

	item := sessionItem{
		PK:      sessionPK(key),
		SK:      "METADATA",
		Payload: payload,
		SavedAt: snapshot.SavedAt.Format(time.RFC3339),
	}
	if r.ttl > 0 {
		item.TTL = time.Now().Add(r.ttl).Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal session item: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	})
	if err != nil {
		r.logger.WithError(err).Error("Failed to store session in DynamoDB")
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (r *DynamoSessionRepository) Load(ctx context.Context, key string) (*models.SessionSnapshot, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       sessionKey(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if result.Item == nil {
		return nil, ErrSessionNotFound
	}

	var item sessionItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session item: %w", err)
	}
	if item.TTL > 0 && time.Now().Unix() > item.TTL {
		// TTL deletion in DynamoDB is lazy.
		return nil, ErrSessionNotFound
	}
	return decodeSnapshot(item.Payload, r.sealer)
}

func (r *DynamoSessionRepository) Delete(ctx context.Context, key string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       sessionKey(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func sessionPK(key string) string {
	return fmt.Sprintf("SESSION#%s", key)
}

func sessionKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(key)},
		"SK": &types.AttributeValueMemberS{Value: "METADATA"},
	}
}
