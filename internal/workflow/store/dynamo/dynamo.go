// Package dynamo implements the event store port against DynamoDB.
//
// The table uses workflow_id as the partition key and timestamp (epoch
// milliseconds) as the sort key. Records expire two hours after write via
// the table's TTL attribute.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/agenttrail/agenttrail/internal/workflow/events"
)

// recordTTL is how long a written record stays queryable.
const recordTTL = 2 * time.Hour

var (
	ErrTableUnset    = errors.New("dynamo: table name is not configured")
	ErrInvalidRecord = errors.New("dynamo: record is missing required attributes")
	ErrInvalidStatus = errors.New("dynamo: record status must be started, completed, or error")
)

// validStatuses mirrors the writer-side contract for tool records.
var validStatuses = map[string]struct{}{
	"started":   {},
	"completed": {},
	"error":     {},
}

// Config holds the connection settings for the store.
type Config struct {
	TableName string
	Region    string
}

// Store is the DynamoDB-backed event store.
type Store struct {
	client dynamodbiface.DynamoDBAPI
	table  string
	now    func() time.Time
}

// New dials DynamoDB in the configured region.
func New(cfg Config) (*Store, error) {
	if cfg.TableName == "" {
		return nil, ErrTableUnset
	}
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: creating session: %w", err)
	}
	return &Store{
		client: dynamodb.New(sess),
		table:  cfg.TableName,
		now:    time.Now,
	}, nil
}

// record is the table's row shape. Tool records written by agent workloads
// omit event_type; mapping restores the discriminator on read.
type record struct {
	WorkflowID   string `dynamodbav:"workflow_id"`
	Timestamp    int64  `dynamodbav:"timestamp"`
	EventType    string `dynamodbav:"event_type,omitempty"`
	EventID      string `dynamodbav:"event_id,omitempty"`
	Agent        string `dynamodbav:"agent,omitempty"`
	ToolName     string `dynamodbav:"tool_name,omitempty"`
	Status       string `dynamodbav:"status,omitempty"`
	DurationMs   int64  `dynamodbav:"duration_ms,omitempty"`
	ErrorMessage string `dynamodbav:"error_message,omitempty"`
	TTL          int64  `dynamodbav:"ttl,omitempty"`
}

func (r record) toEvent() events.Event {
	typ := events.Type(r.EventType)
	if typ == "" {
		typ = events.TypeToolEvent
	}
	return events.Event{
		Type:         typ,
		Timestamp:    r.Timestamp,
		WorkflowID:   r.WorkflowID,
		EventID:      r.EventID,
		Agent:        r.Agent,
		ToolName:     r.ToolName,
		Status:       r.Status,
		DurationMs:   r.DurationMs,
		ErrorMessage: r.ErrorMessage,
	}
}

// buildQueryInput constructs the cursor query: every record for the
// workflow with a sort key strictly greater than afterTimestamp, ascending.
// "timestamp" is a DynamoDB reserved word and needs an attribute-name alias.
func buildQueryInput(table, workflowID string, afterTimestamp int64) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("workflow_id = :wid AND #ts > :after"),
		ExpressionAttributeNames: map[string]*string{
			"#ts": aws.String("timestamp"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":wid":   {S: aws.String(workflowID)},
			":after": {N: aws.String(fmt.Sprintf("%d", afterTimestamp))},
		},
		ScanIndexForward: aws.Bool(true),
	}
}

// QueryEvents returns every record newer than afterTimestamp, sorted
// ascending by timestamp. Pagination follows LastEvaluatedKey until the
// result set is exhausted.
func (s *Store) QueryEvents(ctx context.Context, workflowID string, afterTimestamp int64) ([]events.Event, error) {
	input := buildQueryInput(s.table, workflowID, afterTimestamp)

	var out []events.Event
	for {
		resp, err := s.client.QueryWithContext(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("dynamo: querying %s: %w", workflowID, err)
		}
		for _, item := range resp.Items {
			var r record
			if err := dynamodbattribute.UnmarshalMap(item, &r); err != nil {
				return nil, fmt.Errorf("dynamo: unmarshaling record: %w", err)
			}
			out = append(out, r.toEvent())
		}
		if len(resp.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
}

// validatePut enforces the writer-side schema before a record hits the
// table.
func validatePut(ev events.Event) error {
	if ev.WorkflowID == "" || ev.Timestamp <= 0 {
		return ErrInvalidRecord
	}
	if ev.Status != "" {
		if _, ok := validStatuses[ev.Status]; !ok {
			return fmt.Errorf("%w: %q", ErrInvalidStatus, ev.Status)
		}
	}
	return nil
}

// PutEvent writes one record with the standard TTL. Call sites treat the
// write as fire-and-forget and only log failures.
func (s *Store) PutEvent(ctx context.Context, ev events.Event) error {
	if err := validatePut(ev); err != nil {
		return err
	}

	r := record{
		WorkflowID:   ev.WorkflowID,
		Timestamp:    ev.Timestamp,
		EventType:    string(ev.Type),
		EventID:      ev.EventID,
		Agent:        ev.Agent,
		ToolName:     ev.ToolName,
		Status:       ev.Status,
		DurationMs:   ev.DurationMs,
		ErrorMessage: ev.ErrorMessage,
		TTL:          s.now().Add(recordTTL).Unix(),
	}
	item, err := dynamodbattribute.MarshalMap(r)
	if err != nil {
		return fmt.Errorf("dynamo: marshaling record: %w", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamo: putting record: %w", err)
	}
	return nil
}
