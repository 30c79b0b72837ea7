package awsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v4"

	"github.com/cdnpub/pubgate/internal/logx"
	"github.com/cdnpub/pubgate/internal/types"
)

// DynamoAPI is the slice of the DynamoDB client the table writers need.
type DynamoAPI interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// unprocessedBudget bounds how long a single batch keeps retrying its
// unprocessed subset before the commit is declared failed.
const unprocessedBudget = 2 * time.Minute

// TableWriter writes item rows into one external metadata table. Rows
// are keyed (web_uri, from_date). Partial batch success is retried with
// exponential backoff until the whole batch lands or the budget runs
// out.
type TableWriter struct {
	api       DynamoAPI
	table     string
	batchSize int
}

// NewTableWriter builds a writer for the given table. batchSize is
// capped at 25, the BatchWriteItem limit.
func NewTableWriter(api DynamoAPI, table string, batchSize int) *TableWriter {
	if batchSize < 1 || batchSize > 25 {
		batchSize = 25
	}
	return &TableWriter{api: api, table: table, batchSize: batchSize}
}

// Put writes the items as put requests, in chunks of at most the batch
// size.
func (w *TableWriter) Put(ctx context.Context, fromDate string, items []types.Item) error {
	return w.write(ctx, items, func(it types.Item) ddbtypes.WriteRequest {
		return ddbtypes.WriteRequest{PutRequest: &ddbtypes.PutRequest{
			Item: putAttributes(fromDate, it),
		}}
	})
}

// Delete removes the items' rows. Used both for tombstones and for
// rolling back puts issued earlier in a failed commit.
func (w *TableWriter) Delete(ctx context.Context, fromDate string, items []types.Item) error {
	return w.write(ctx, items, func(it types.Item) ddbtypes.WriteRequest {
		return ddbtypes.WriteRequest{DeleteRequest: &ddbtypes.DeleteRequest{
			Key: keyAttributes(fromDate, it.WebURI),
		}}
	})
}

func (w *TableWriter) write(ctx context.Context, items []types.Item, build func(types.Item) ddbtypes.WriteRequest) error {
	for start := 0; start < len(items); start += w.batchSize {
		end := min(start+w.batchSize, len(items))
		requests := make([]ddbtypes.WriteRequest, 0, end-start)
		for _, it := range items[start:end] {
			requests = append(requests, build(it))
		}
		if err := w.writeBatch(ctx, requests); err != nil {
			return err
		}
	}
	return nil
}

func (w *TableWriter) writeBatch(ctx context.Context, requests []ddbtypes.WriteRequest) error {
	pending := requests

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = unprocessedBudget

	return backoff.Retry(func() error {
		out, err := w.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]ddbtypes.WriteRequest{w.table: pending},
		})
		if err != nil {
			if permanentDynamoError(err) {
				return backoff.Permanent(fmt.Errorf("batch write to %s: %w", w.table, err))
			}
			return fmt.Errorf("batch write to %s: %w", w.table, err)
		}
		if rest := out.UnprocessedItems[w.table]; len(rest) > 0 {
			logx.FromContext(ctx).WithField("count", len(rest)).
				Warnf("table %s returned unprocessed items", w.table)
			pending = rest
			return fmt.Errorf("%d unprocessed items", len(rest))
		}
		return nil
	}, backoff.WithContext(policy, ctx))
}

// permanentDynamoError reports errors that no retry can fix, such as a
// missing table or a rejected item shape.
func permanentDynamoError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ValidationException", "ResourceNotFoundException", "AccessDeniedException":
		return true
	}
	return false
}

func keyAttributes(fromDate, webURI string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"web_uri":   &ddbtypes.AttributeValueMemberS{Value: webURI},
		"from_date": &ddbtypes.AttributeValueMemberS{Value: fromDate},
	}
}

func putAttributes(fromDate string, it types.Item) map[string]ddbtypes.AttributeValue {
	attrs := keyAttributes(fromDate, it.WebURI)
	attrs["object_key"] = &ddbtypes.AttributeValueMemberS{Value: it.ObjectKey}
	if it.ContentType != "" {
		attrs["content_type"] = &ddbtypes.AttributeValueMemberS{Value: it.ContentType}
	}
	if it.LinkTo != "" {
		attrs["link_to"] = &ddbtypes.AttributeValueMemberS{Value: it.LinkTo}
	}
	return attrs
}

// configID keys every deployed config blob in the config table; the
// from_date range key orders deployments.
const configID = "cdn-definitions"

// ConfigTable reads and writes CDN config blobs in an environment's
// config table.
type ConfigTable struct {
	api   DynamoAPI
	table string
}

// NewConfigTable builds an accessor for the given config table.
func NewConfigTable(api DynamoAPI, table string) *ConfigTable {
	return &ConfigTable{api: api, table: table}
}

// PutConfig stores the blob under the well-known config id, stamped
// with from_date so previous deployments stay readable.
func (w *ConfigTable) PutConfig(ctx context.Context, fromDate string, blob json.RawMessage) error {
	_, err := w.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &w.table,
		Item: map[string]ddbtypes.AttributeValue{
			"config_id": &ddbtypes.AttributeValueMemberS{Value: configID},
			"from_date": &ddbtypes.AttributeValueMemberS{Value: fromDate},
			"config":    &ddbtypes.AttributeValueMemberS{Value: string(blob)},
		},
	})
	if err != nil {
		return fmt.Errorf("put config to %s: %w", w.table, err)
	}
	return nil
}

// GetConfig returns the most recently deployed blob, or nil when no
// config was ever deployed.
func (w *ConfigTable) GetConfig(ctx context.Context) (json.RawMessage, error) {
	out, err := w.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              &w.table,
		KeyConditionExpression: aws.String("config_id = :id"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":id": &ddbtypes.AttributeValueMemberS{Value: configID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query config from %s: %w", w.table, err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	blob, ok := out.Items[0]["config"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("config table %s: config attribute missing", w.table)
	}
	return json.RawMessage(blob.Value), nil
}
