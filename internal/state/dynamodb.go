package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Table layout: partition key dispatch_key (S), sort key sk (S).
//
//	sk = "state"           counters, flags and block of the key
//	sk = "attempt#000001"  one item per attempt
const (
	dynamoStateSK     = "state"
	dynamoAttemptPfx  = "attempt#"
	dynamoBatchLimit  = 100
	dynamoMaxConflict = 5
)

type dynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type dynamoState struct {
	Key           string `dynamodbav:"dispatch_key"`
	Attempts      int    `dynamodbav:"attempts"`
	Succeeded     bool   `dynamodbav:"succeeded"`
	Permanent     bool   `dynamodbav:"permanent"`
	Blocked       bool   `dynamodbav:"blocked"`
	BlockReason   string `dynamodbav:"block_reason"`
	LastAttemptMs int64  `dynamodbav:"last_attempt_ms"`
}

func (d dynamoState) state() State {
	st := State{
		Key:         d.Key,
		Attempts:    d.Attempts,
		Succeeded:   d.Succeeded,
		Permanent:   d.Permanent,
		Blocked:     d.Blocked,
		BlockReason: d.BlockReason,
	}
	if d.LastAttemptMs > 0 {
		st.LastAttemptAt = time.UnixMilli(d.LastAttemptMs).UTC()
	}
	return st
}

type dynamoStore struct {
	db    dynamoAPI
	table string
}

func NewDynamo(client *dynamodb.Client, table string) Store {
	return &dynamoStore{db: client, table: table}
}

func (s *dynamoStore) itemKey(key, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"dispatch_key": &types.AttributeValueMemberS{Value: key},
		"sk":           &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *dynamoStore) HasSucceeded(ctx context.Context, key string) (bool, error) {
	st, err := s.get(ctx, key)
	return st.Succeeded, err
}

func (s *dynamoStore) AttemptCount(ctx context.Context, key string) (int, error) {
	st, err := s.get(ctx, key)
	return st.Attempts, err
}

func (s *dynamoStore) get(ctx context.Context, key string) (dynamoState, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.itemKey(key, dynamoStateSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return dynamoState{}, err
	}
	var d dynamoState
	if out.Item == nil {
		return d, nil
	}
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return dynamoState{}, err
	}
	return d, nil
}

// RecordAttempt writes the attempt item and bumps the state item in one
// transaction. The state update is conditioned on the attempt count read
// just before, so concurrent writers retry instead of reusing a number, and
// a success is additionally conditioned on no earlier success.
func (s *dynamoStore) RecordAttempt(ctx context.Context, a Attempt) error {
	if err := prepare(&a); err != nil {
		return err
	}
	for try := 0; try < dynamoMaxConflict; try++ {
		cur, err := s.get(ctx, a.Key)
		if err != nil {
			return fmt.Errorf("record attempt %s: %w", a.Key, err)
		}
		if a.Outcome == OutcomeSuccess && cur.Succeeded {
			return ErrAlreadySucceeded
		}

		err = s.writeAttempt(ctx, a, cur.Attempts)
		if err == nil {
			return nil
		}
		if !conditionFailed(err) {
			return fmt.Errorf("record attempt %s: %w", a.Key, err)
		}
	}
	return fmt.Errorf("record attempt %s: too many concurrent writers", a.Key)
}

func (s *dynamoStore) writeAttempt(ctx context.Context, a Attempt, prev int) error {
	a.Number = prev + 1
	item, err := attributevalue.MarshalMap(a)
	if err != nil {
		return err
	}
	item["sk"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("%s%06d", dynamoAttemptPfx, a.Number)}

	update := "SET task_id = :tid, last_attempt_ms = :at ADD attempts :one"
	values := map[string]types.AttributeValue{
		":one": &types.AttributeValueMemberN{Value: "1"},
		":tid": &types.AttributeValueMemberS{Value: a.TaskID},
		":at":  &types.AttributeValueMemberN{Value: strconv.FormatInt(a.At.UnixMilli(), 10)},
	}
	cond := "attribute_not_exists(attempts)"
	if prev > 0 {
		cond = "attempts = :prev"
		values[":prev"] = &types.AttributeValueMemberN{Value: strconv.Itoa(prev)}
	}
	switch a.Outcome {
	case OutcomeSuccess:
		cond = "(" + cond + ") AND (attribute_not_exists(succeeded) OR succeeded = :false)"
		update = "SET task_id = :tid, last_attempt_ms = :at, succeeded = :true ADD attempts :one"
		values[":true"] = &types.AttributeValueMemberBOOL{Value: true}
		values[":false"] = &types.AttributeValueMemberBOOL{Value: false}
	case OutcomePermanentFailure:
		update = "SET task_id = :tid, last_attempt_ms = :at, permanent = :true ADD attempts :one"
		values[":true"] = &types.AttributeValueMemberBOOL{Value: true}
	}

	_, err = s.db.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:                 aws.String(s.table),
					Key:                       s.itemKey(a.Key, dynamoStateSK),
					UpdateExpression:          aws.String(update),
					ConditionExpression:       aws.String(cond),
					ExpressionAttributeValues: values,
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(s.table),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(sk)"),
				},
			},
		},
	})
	return err
}

func conditionFailed(err error) bool {
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			switch aws.ToString(r.Code) {
			case "ConditionalCheckFailed", "TransactionConflict":
				return true
			}
		}
		return false
	}
	var cfe *types.ConditionalCheckFailedException
	return errors.As(err, &cfe)
}

func (s *dynamoStore) Lookup(ctx context.Context, keys []string) (map[string]State, error) {
	out := make(map[string]State, len(keys))
	for start := 0; start < len(keys); start += dynamoBatchLimit {
		end := min(start+dynamoBatchLimit, len(keys))
		reqKeys := make([]map[string]types.AttributeValue, 0, end-start)
		seen := make(map[string]bool, end-start)
		for _, k := range keys[start:end] {
			if seen[k] {
				continue
			}
			seen[k] = true
			reqKeys = append(reqKeys, s.itemKey(k, dynamoStateSK))
		}

		pending := map[string]types.KeysAndAttributes{
			s.table: {Keys: reqKeys, ConsistentRead: aws.Bool(true)},
		}
		for len(pending) > 0 {
			res, err := s.db.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: pending})
			if err != nil {
				return nil, fmt.Errorf("lookup: %w", err)
			}
			var items []dynamoState
			if err := attributevalue.UnmarshalListOfMaps(res.Responses[s.table], &items); err != nil {
				return nil, err
			}
			for _, d := range items {
				out[d.Key] = d.state()
			}
			pending = res.UnprocessedKeys
			if len(pending) > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(50 * time.Millisecond):
				}
			}
		}
	}
	return out, nil
}

func (s *dynamoStore) Block(ctx context.Context, key, reason string) error {
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.itemKey(key, dynamoStateSK),
		UpdateExpression: aws.String("SET blocked = :t, block_reason = :r"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberBOOL{Value: true},
			":r": &types.AttributeValueMemberS{Value: reason},
		},
	})
	return err
}

func (s *dynamoStore) Unblock(ctx context.Context, key string) error {
	_, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.itemKey(key, dynamoStateSK),
		UpdateExpression:    aws.String("REMOVE blocked, block_reason"),
		ConditionExpression: aws.String("attribute_exists(dispatch_key)"),
	})
	if conditionFailed(err) {
		return nil
	}
	return err
}

func (s *dynamoStore) History(ctx context.Context, key string) ([]Attempt, error) {
	var out []Attempt
	var start map[string]types.AttributeValue
	for {
		res, err := s.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("dispatch_key = :k AND begins_with(sk, :p)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":k": &types.AttributeValueMemberS{Value: key},
				":p": &types.AttributeValueMemberS{Value: dynamoAttemptPfx},
			},
			ScanIndexForward:  aws.Bool(true),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, err
		}
		var page []Attempt
		if err := attributevalue.UnmarshalListOfMaps(res.Items, &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(res.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = res.LastEvaluatedKey
	}
}

func (s *dynamoStore) Close() error { return nil }
