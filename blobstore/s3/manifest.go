package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrConcurrentCommit is returned when another writer committed a
// manifest version concurrently. The caller should re-read the latest
// manifest and retry.
var ErrConcurrentCommit = errors.New("s3: concurrent manifest commit detected")

// DDBClient is the subset of the DynamoDB API the commit store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// CommitStore tracks which segment manifest is current. S3 has no
// compare-and-swap, so the "latest manifest" pointer lives in a
// DynamoDB table keyed by (base_uri, version): committing a new
// version is a conditional write that fails if another writer got
// there first. The manifest blobs themselves live in the blob store.
//
// The engine's foreground paths never touch the commit store: sealed
// segments are self-describing (the blob name encodes the page's first
// address). CommitStore is deployment tooling for installations that
// publish manifests of their segment sets — external backup and
// recovery jobs commit and resolve versions through it.
//
// Table schema:
//   - Partition key: base_uri (string)
//   - Sort key: version (number), monotonically increasing
type CommitStore struct {
	ddb     DDBClient
	table   string
	baseURI string
}

// NewCommitStore creates a commit store over a DynamoDB table. baseURI
// identifies the log instance, typically "s3://bucket/prefix".
func NewCommitStore(ddb DDBClient, table, baseURI string) *CommitStore {
	return &CommitStore{ddb: ddb, table: table, baseURI: baseURI}
}

// Latest returns the highest committed version and the manifest blob
// name it points at. Version 0 with an empty name means nothing has
// been committed yet.
func (c *CommitStore) Latest(ctx context.Context) (uint64, string, error) {
	resp, err := c.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: c.baseURI},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("query latest manifest version: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}
	return decodeItem(resp.Items[0])
}

// Get returns the manifest blob name committed under version.
func (c *CommitStore) Get(ctx context.Context, version uint64) (string, error) {
	resp, err := c.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key:       c.itemKey(version),
	})
	if err != nil {
		return "", fmt.Errorf("get manifest version %d: %w", version, err)
	}
	if resp.Item == nil {
		return "", fmt.Errorf("manifest version %d not committed", version)
	}
	_, name, err := decodeItem(resp.Item)
	return name, err
}

// Commit durably publishes manifest as the next version after prev.
// prev must be the version returned by Latest; if another writer
// committed in between, the conditional write fails and
// ErrConcurrentCommit is returned.
func (c *CommitStore) Commit(ctx context.Context, prev uint64, manifest string) (uint64, error) {
	next := prev + 1
	_, err := c.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: c.baseURI},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			"manifest": &types.AttributeValueMemberS{Value: manifest},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var cond *types.ConditionalCheckFailedException
		if errors.As(err, &cond) {
			return 0, ErrConcurrentCommit
		}
		return 0, fmt.Errorf("commit manifest version %d: %w", next, err)
	}
	return next, nil
}

// Prune removes commit records strictly older than version. Old
// manifest blobs are the caller's to delete.
func (c *CommitStore) Prune(ctx context.Context, version uint64) error {
	resp, err := c.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		KeyConditionExpression: aws.String("base_uri = :uri AND version < :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: c.baseURI},
			":v":   &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("query stale manifest versions: %w", err)
	}
	for _, item := range resp.Items {
		v, _, err := decodeItem(item)
		if err != nil {
			return err
		}
		if _, err := c.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(c.table),
			Key:       c.itemKey(v),
		}); err != nil {
			return fmt.Errorf("delete manifest version %d: %w", v, err)
		}
	}
	return nil
}

func (c *CommitStore) itemKey(version uint64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"base_uri": &types.AttributeValueMemberS{Value: c.baseURI},
		"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(version, 10)},
	}
}

func decodeItem(item map[string]types.AttributeValue) (uint64, string, error) {
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("s3: commit record missing version attribute")
	}
	manifestAttr, ok := item["manifest"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("s3: commit record missing manifest attribute")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse manifest version: %w", err)
	}
	return version, manifestAttr.Value, nil
}
