package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"sales-agent/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	queryOuts    []*dynamodb.QueryOutput
	queryErr     error
	txErr        error
	batchOuts    []*dynamodb.BatchWriteItemOutput
	batchErr     error
	lastGetInput *dynamodb.GetItemInput
	queryInputs  []*dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
	batchInputs  []*dynamodb.BatchWriteItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.batchInputs = append(f.batchInputs, in)
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	if len(f.batchOuts) == 0 {
		return &dynamodb.BatchWriteItemOutput{}, nil
	}
	out := f.batchOuts[0]
	f.batchOuts = f.batchOuts[1:]
	return out, nil
}

var fixedNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c
}

func makeStateItem(stage string, version int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: "SESSION#abc"},
		"SK":           &types.AttributeValueMemberS{Value: skState},
		"stage":        &types.AttributeValueMemberS{Value: stage},
		"turnsInStage": &types.AttributeValueMemberN{Value: "2"},
		"messageCount": &types.AttributeValueMemberN{Value: "6"},
		"createdAt":    &types.AttributeValueMemberS{Value: "2026-03-01T10:00:00Z"},
		"updatedAt":    &types.AttributeValueMemberS{Value: "2026-03-01T10:05:00Z"},
		"version":      &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", version)},
		"metadata": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":                &types.AttributeValueMemberS{Value: "ops lead"},
			"value_presented":     &types.AttributeValueMemberBOOL{Value: true},
			"greeting_loop_count": &types.AttributeValueMemberN{Value: "2"},
		}},
		"transitions": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
				"from": &types.AttributeValueMemberS{Value: "greeting"},
				"to":   &types.AttributeValueMemberS{Value: "problem"},
				"at":   &types.AttributeValueMemberS{Value: "2026-03-01T10:02:00Z"},
			}},
		}},
	}
}

func makeMessageItem(seq int, role, text string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: "SESSION#abc"},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(seq)},
		"role":      &types.AttributeValueMemberS{Value: role},
		"text":      &types.AttributeValueMemberS{Value: text},
		"createdAt": &types.AttributeValueMemberS{Value: "2026-03-01T10:04:00Z"},
	}
}

func TestLoadSession_HappyPath(t *testing.T) {
	db := &fakeDynamo{
		getOut: &dynamodb.GetItemOutput{Item: makeStateItem("problem", 4)},
		queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
			makeMessageItem(6, "assistant", "newer"),
			makeMessageItem(5, "user", "older"),
		}}},
	}
	c := mustNewClient(t, db)

	sess, ok, err := c.LoadSession(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc", sess.ID)
	require.Equal(t, domain.StageProblem, sess.Stage)
	require.Equal(t, 2, sess.TurnsInStage)
	require.Equal(t, 6, sess.MessageCount)
	require.Equal(t, int64(4), sess.Version)
	require.Equal(t, "ops lead", sess.Metadata.String(domain.MetaRole))
	require.True(t, sess.Metadata.Bool(domain.MetaValuePresented))
	require.Equal(t, 2, sess.Metadata.Int(domain.MetaGreetingLoopCount))
	require.Len(t, sess.Transitions, 1)
	require.Equal(t, domain.StageProblem, sess.Transitions[0].To)

	require.Len(t, sess.Messages, 2)
	require.Equal(t, "older", sess.Messages[0].Text)
	require.Equal(t, domain.RoleAssistant, sess.Messages[1].Role)

	require.True(t, *db.lastGetInput.ConsistentRead)
	q := db.queryInputs[0]
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *q.KeyConditionExpression)
	require.False(t, *q.ScanIndexForward)
	require.Equal(t, int32(20), *q.Limit)
}

func TestLoadSession_NotFound(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	_, ok, err := c.LoadSession(context.Background(), "abc", 20)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, db.queryInputs)
}

func TestLoadSession_InvalidStageIsCorrupt(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeStateItem("negotiation", 1)}}
	c := mustNewClient(t, db)
	_, _, err := c.LoadSession(context.Background(), "abc", 20)
	require.ErrorIs(t, err, ErrCorruptState)
	require.Contains(t, err.Error(), "negotiation")
}

func TestLoadSession_InvalidTransitionStageIsCorrupt(t *testing.T) {
	item := makeStateItem("problem", 1)
	item["transitions"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{
		&types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"from": &types.AttributeValueMemberS{Value: "greeting"},
			"to":   &types.AttributeValueMemberS{Value: "Problem!"},
		}},
	}}
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	_, _, err := c.LoadSession(context.Background(), "abc", 20)
	require.ErrorIs(t, err, ErrCorruptState)
}

func TestLoadSession_MalformedCounter(t *testing.T) {
	item := makeStateItem("problem", 1)
	item["turnsInStage"] = &types.AttributeValueMemberS{Value: "bad"}
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}})
	_, _, err := c.LoadSession(context.Background(), "abc", 20)
	require.ErrorIs(t, err, ErrCorruptState)
	require.Contains(t, err.Error(), "turnsInStage")
}

func TestLoadSession_GetItemError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, _, err := c.LoadSession(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "LoadSession get item")
}

func TestLoadSession_QueryError(t *testing.T) {
	db := &fakeDynamo{
		getOut:   &dynamodb.GetItemOutput{Item: makeStateItem("greeting", 1)},
		queryErr: errors.New("ResourceNotFoundException"),
	}
	c := mustNewClient(t, db)
	_, _, err := c.LoadSession(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "LoadSession query")
}

func TestLoadSession_MalformedMessage(t *testing.T) {
	db := &fakeDynamo{
		getOut: &dynamodb.GetItemOutput{Item: makeStateItem("greeting", 1)},
		queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{{
			"PK": &types.AttributeValueMemberS{Value: "SESSION#abc"},
			"SK": &types.AttributeValueMemberS{Value: msgSK(1)},
		}}}},
	}
	c := mustNewClient(t, db)
	_, _, err := c.LoadSession(context.Background(), "abc", 20)
	require.Error(t, err)
	require.Contains(t, err.Error(), "role")
}

func turnRecord(version int64) TurnRecord {
	return TurnRecord{
		Session: domain.Session{
			ID:           "abc",
			CreatedAt:    fixedNow.Add(-time.Hour),
			UpdatedAt:    fixedNow,
			Stage:        domain.StageQualification,
			TurnsInStage: 0,
			MessageCount: 4,
			Metadata:     domain.Metadata{domain.MetaCompany: "Acme", domain.MetaSessionLocked: false},
			Version:      version,
		},
		NewMessages: []domain.Message{
			{Role: domain.RoleUser, Text: "we run a dental clinic", CreatedAt: fixedNow},
			{Role: domain.RoleAssistant, Text: "Got it. How many front-desk staff?", CreatedAt: fixedNow},
		},
	}
}

func TestSaveTurn_FirstSave(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	version, err := c.SaveTurn(context.Background(), turnRecord(0))
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	items := db.lastTxInput.TransactItems
	require.Len(t, items, 3)
	require.Equal(t, msgSK(3), items[0].Put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, msgSK(4), items[1].Put.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *items[0].Put.ConditionExpression)

	state := items[2].Put
	require.Equal(t, "attribute_not_exists(PK)", *state.ConditionExpression)
	require.Equal(t, "qualification", state.Item["stage"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "1", state.Item["version"].(*types.AttributeValueMemberN).Value)
	require.Equal(t, fmt.Sprintf("%d", fixedNow.Add(ttlDuration).Unix()), state.Item["ttl"].(*types.AttributeValueMemberN).Value)
	meta := state.Item["metadata"].(*types.AttributeValueMemberM).Value
	require.Equal(t, "Acme", meta["company"].(*types.AttributeValueMemberS).Value)
	require.False(t, meta["session_locked"].(*types.AttributeValueMemberBOOL).Value)
}

func TestSaveTurn_ConditionalOnLoadedVersion(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	version, err := c.SaveTurn(context.Background(), turnRecord(7))
	require.NoError(t, err)
	require.Equal(t, int64(8), version)

	state := db.lastTxInput.TransactItems[2].Put
	require.Equal(t, "#version = :version", *state.ConditionExpression)
	require.Equal(t, "version", state.ExpressionAttributeNames["#version"])
	require.Equal(t, "7", state.ExpressionAttributeValues[":version"].(*types.AttributeValueMemberN).Value)
}

func TestSaveTurn_ConflictFromCanceledTransaction(t *testing.T) {
	db := &fakeDynamo{txErr: &types.TransactionCanceledException{
		Message: aws.String("Transaction cancelled"),
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed")},
		},
	}}
	c := mustNewClient(t, db)
	_, err := c.SaveTurn(context.Background(), turnRecord(3))
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestSaveTurn_DynamoError(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("throttled")}
	c := mustNewClient(t, db)
	_, err := c.SaveTurn(context.Background(), turnRecord(3))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrVersionConflict)
	require.Contains(t, err.Error(), "SaveTurn")
}

func TestSaveTurn_Validation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})

	rec := turnRecord(0)
	rec.Session.ID = " "
	_, err := c.SaveTurn(context.Background(), rec)
	require.ErrorContains(t, err, "session id is required")

	rec = turnRecord(0)
	rec.Session.MessageCount = 1
	_, err = c.SaveTurn(context.Background(), rec)
	require.ErrorContains(t, err, "message count")
}

func TestDeleteSession_PaginatesAndBatches(t *testing.T) {
	page := func(from, to int, last bool) *dynamodb.QueryOutput {
		out := &dynamodb.QueryOutput{}
		for i := from; i < to; i++ {
			out.Items = append(out.Items, makeMessageItem(i, "user", "x"))
		}
		if !last {
			out.LastEvaluatedKey = out.Items[len(out.Items)-1]
		}
		return out
	}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{page(0, 20, false), page(20, 30, true)}}
	c := mustNewClient(t, db)

	ok, err := c.DeleteSession(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, db.queryInputs, 2)
	require.NotNil(t, db.queryInputs[1].ExclusiveStartKey)
	require.Len(t, db.batchInputs, 2)
	require.Len(t, db.batchInputs[0].RequestItems["test-table"], 25)
	require.Len(t, db.batchInputs[1].RequestItems["test-table"], 5)
}

func TestDeleteSession_RetriesUnprocessed(t *testing.T) {
	unprocessed := []types.WriteRequest{{DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "SESSION#abc"},
		"SK": &types.AttributeValueMemberS{Value: skState},
	}}}}
	db := &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{makeStateItem("greeting", 1)}}},
		batchOuts: []*dynamodb.BatchWriteItemOutput{
			{UnprocessedItems: map[string][]types.WriteRequest{"test-table": unprocessed}},
			{},
		},
	}
	c := mustNewClient(t, db)
	ok, err := c.DeleteSession(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, db.batchInputs, 2)
}

func TestDeleteSession_NothingStored(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	ok, err := c.DeleteSession(context.Background(), "abc")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, db.batchInputs)
}

func TestDeleteSession_BatchError(t *testing.T) {
	db := &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{makeMessageItem(1, "user", "hi")}}},
		batchErr:  errors.New("boom"),
	}
	c := mustNewClient(t, db)
	_, err := c.DeleteSession(context.Background(), "abc")
	require.ErrorContains(t, err, "DeleteSession batch write")
}

func TestMetadataAttrs_RoundTrip(t *testing.T) {
	in := domain.Metadata{
		"role":                "owner",
		"value_accepted":      true,
		"greeting_loop_count": 3,
		"score":               0.5,
		"cleared":             nil,
	}
	out := attrsToMetadata(metadataToAttrs(in))
	require.Equal(t, in, out)
}

func TestKeys(t *testing.T) {
	require.Equal(t, "SESSION#my-session", sessionPK("my-session"))
	require.Equal(t, "MSG#000042", msgSK(42))
	require.Less(t, msgSK(9), msgSK(10))
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}
