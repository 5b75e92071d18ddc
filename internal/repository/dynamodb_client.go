package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"sales-agent/internal/domain"
)

const (
	skPrefixMsg    = "MSG#"
	skState        = "STATE#"
	ttlDuration    = 30 * 24 * time.Hour // 30-day TTL
	batchWriteSize = 25
	maxBatchTries  = 5
)

var (
	// ErrVersionConflict means another writer saved the session after it was loaded.
	ErrVersionConflict = errors.New("repository: session version conflict")
	// ErrCorruptState means a stored item could not be converted back into a session.
	ErrCorruptState = errors.New("repository: corrupt session state")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client wraps a DynamoDB table holding session state and message history.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// TurnRecord is the outcome of one turn to persist. Session carries the state
// after the turn and the Version it was loaded at; NewMessages are the
// messages appended during the turn, the last of which is number
// Session.MessageCount.
type TurnRecord struct {
	Session     domain.Session
	NewMessages []domain.Message
}

func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// msgSK orders messages by their per-session sequence number.
func msgSK(seq int) string {
	return fmt.Sprintf("%s%06d", skPrefixMsg, seq)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// LoadSession reads the state item and the most recent limit messages. The
// boolean is false when the session does not exist.
func (c *Client) LoadSession(ctx context.Context, sessionID string, limit int) (domain.Session, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skState},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("repository: LoadSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Session{}, false, nil
	}

	sess, err := itemToState(out.Item)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("repository: LoadSession: %w: %w", ErrCorruptState, err)
	}
	sess.ID = sessionID

	msgs, err := c.history(ctx, sessionID, limit)
	if err != nil {
		return domain.Session{}, false, err
	}
	sess.Messages = msgs
	return sess, true, nil
}

// history queries the newest MSG# items and returns them in chronological order.
func (c *Client) history(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		ConsistentRead:   aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: LoadSession query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: LoadSession unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveTurn writes the new messages and the updated state item in one
// transaction. The state write is conditional on the version the session was
// loaded at; it returns the new version.
func (c *Client) SaveTurn(ctx context.Context, rec TurnRecord) (int64, error) {
	sess := rec.Session
	if strings.TrimSpace(sess.ID) == "" {
		return 0, errors.New("repository: SaveTurn: session id is required")
	}
	first := sess.MessageCount - len(rec.NewMessages) + 1
	if first < 1 {
		return 0, fmt.Errorf("repository: SaveTurn: message count %d is lower than %d new messages", sess.MessageCount, len(rec.NewMessages))
	}

	ttl := c.ttlValue()
	next := sess.Version + 1
	items := make([]types.TransactWriteItem, 0, len(rec.NewMessages)+1)
	for i, msg := range rec.NewMessages {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                messageItem(sess.ID, first+i, msg, ttl),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}

	statePut := &types.Put{
		TableName: aws.String(c.tableName),
		Item:      stateItem(sess, next, ttl),
	}
	if sess.Version == 0 {
		statePut.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		statePut.ConditionExpression = aws.String("#version = :version")
		statePut.ExpressionAttributeNames = map[string]string{"#version": "version"}
		statePut.ExpressionAttributeValues = map[string]types.AttributeValue{
			":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(sess.Version, 10)},
		}
	}
	items = append(items, types.TransactWriteItem{Put: statePut})

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionFailure(err) {
			return 0, fmt.Errorf("repository: SaveTurn: %w: %w", ErrVersionConflict, err)
		}
		return 0, fmt.Errorf("repository: SaveTurn: %w", err)
	}
	return next, nil
}

// DeleteSession removes the state item and every message. It reports false
// when nothing was stored for the session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	var keys []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			},
			ProjectionExpression: aws.String("PK, SK"),
			ExclusiveStartKey:    startKey,
		})
		if err != nil {
			return false, fmt.Errorf("repository: DeleteSession query: %w", err)
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	if len(keys) == 0 {
		return false, nil
	}

	for start := 0; start < len(keys); start += batchWriteSize {
		end := min(start+batchWriteSize, len(keys))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		if err := c.batchWrite(ctx, reqs); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (c *Client) batchWrite(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{c.tableName: reqs}
	for try := 0; try < maxBatchTries; try++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("repository: DeleteSession batch write: %w", err)
		}
		if out == nil || len(out.UnprocessedItems[c.tableName]) == 0 {
			return nil
		}
		pending = out.UnprocessedItems
	}
	return fmt.Errorf("repository: DeleteSession batch write: %d items unprocessed", len(pending[c.tableName]))
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, r := range tce.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func stateItem(s domain.Session, version, ttl int64) map[string]types.AttributeValue {
	transitions := make([]types.AttributeValue, 0, len(s.Transitions))
	for _, t := range s.Transitions {
		transitions = append(transitions, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"from": &types.AttributeValueMemberS{Value: string(t.From)},
			"to":   &types.AttributeValueMemberS{Value: string(t.To)},
			"at":   &types.AttributeValueMemberS{Value: t.At.UTC().Format(time.RFC3339Nano)},
		}})
	}
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: sessionPK(s.ID)},
		"SK":           &types.AttributeValueMemberS{Value: skState},
		"sessionId":    &types.AttributeValueMemberS{Value: s.ID},
		"stage":        &types.AttributeValueMemberS{Value: string(s.Stage)},
		"turnsInStage": &types.AttributeValueMemberN{Value: strconv.Itoa(s.TurnsInStage)},
		"messageCount": &types.AttributeValueMemberN{Value: strconv.Itoa(s.MessageCount)},
		"createdAt":    &types.AttributeValueMemberS{Value: s.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"updatedAt":    &types.AttributeValueMemberS{Value: s.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"metadata":     &types.AttributeValueMemberM{Value: metadataToAttrs(s.Metadata)},
		"transitions":  &types.AttributeValueMemberL{Value: transitions},
		"version":      &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
}

func messageItem(sessionID string, seq int, msg domain.Message, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(seq)},
		"sessionId": &types.AttributeValueMemberS{Value: sessionID},
		"role":      &types.AttributeValueMemberS{Value: string(msg.Role)},
		"text":      &types.AttributeValueMemberS{Value: msg.Text},
		"createdAt": &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
}

func itemToState(item map[string]types.AttributeValue) (domain.Session, error) {
	rawStage, err := strAttr(item, "stage")
	if err != nil {
		return domain.Session{}, err
	}
	stage, err := domain.ParseStage(rawStage)
	if err != nil {
		return domain.Session{}, err
	}
	turns, err := intAttr(item, "turnsInStage")
	if err != nil {
		return domain.Session{}, err
	}
	count, err := intAttr(item, "messageCount")
	if err != nil {
		return domain.Session{}, err
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return domain.Session{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Session{}, err
	}
	updatedAt, _ := timeAttr(item, "updatedAt") // allow missing

	meta := domain.Metadata{}
	if m, ok := item["metadata"].(*types.AttributeValueMemberM); ok {
		meta = attrsToMetadata(m.Value)
	}

	var transitions []domain.Transition
	if l, ok := item["transitions"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			m, ok := v.(*types.AttributeValueMemberM)
			if !ok {
				return domain.Session{}, errors.New("repository: transition is not a map")
			}
			t, err := itemToTransition(m.Value)
			if err != nil {
				return domain.Session{}, err
			}
			transitions = append(transitions, t)
		}
	}

	return domain.Session{
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		Metadata:     meta,
		Stage:        stage,
		TurnsInStage: turns,
		MessageCount: count,
		Transitions:  transitions,
		Version:      int64(version),
	}, nil
}

func itemToTransition(item map[string]types.AttributeValue) (domain.Transition, error) {
	var stages [2]domain.Stage
	for i, key := range []string{"from", "to"} {
		raw, err := strAttr(item, key)
		if err != nil {
			return domain.Transition{}, err
		}
		if stages[i], err = domain.ParseStage(raw); err != nil {
			return domain.Transition{}, err
		}
	}
	at, _ := timeAttr(item, "at")
	return domain.Transition{From: stages[0], To: stages[1], At: at}, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, _ := timeAttr(item, "createdAt") // allow missing
	return domain.Message{Role: domain.Role(role), Text: text, CreatedAt: createdAt}, nil
}

func metadataToAttrs(m domain.Metadata) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case nil:
			out[k] = &types.AttributeValueMemberNULL{Value: true}
		case string:
			out[k] = &types.AttributeValueMemberS{Value: val}
		case bool:
			out[k] = &types.AttributeValueMemberBOOL{Value: val}
		case int:
			out[k] = &types.AttributeValueMemberN{Value: strconv.Itoa(val)}
		case int64:
			out[k] = &types.AttributeValueMemberN{Value: strconv.FormatInt(val, 10)}
		case float64:
			out[k] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(val, 'f', -1, 64)}
		default:
			out[k] = &types.AttributeValueMemberS{Value: fmt.Sprint(val)}
		}
	}
	return out
}

// attrsToMetadata reverses metadataToAttrs. Whole numbers come back as int.
func attrsToMetadata(attrs map[string]types.AttributeValue) domain.Metadata {
	out := make(domain.Metadata, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case *types.AttributeValueMemberS:
			out[k] = val.Value
		case *types.AttributeValueMemberBOOL:
			out[k] = val.Value
		case *types.AttributeValueMemberN:
			if n, err := strconv.Atoi(val.Value); err == nil {
				out[k] = n
			} else if f, err := strconv.ParseFloat(val.Value, 64); err == nil {
				out[k] = f
			}
		case *types.AttributeValueMemberNULL:
			out[k] = nil
		}
	}
	return out
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
