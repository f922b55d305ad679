package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/nasa-cumulus/cnm-tasks/pkg/cnmSchemas/cnm"
	"github.com/oklog/ulid/v2"
)

type DynamoDBUpdateItemAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// responseLedger keeps one item per CNM identifier describing the latest response outcome.
// An item is only rewritten (and given a new revision) when the outcome changes.
type responseLedger struct {
	client      DynamoDBUpdateItemAPI
	table       string
	newRevision func() string
}

func newResponseLedger(client DynamoDBUpdateItemAPI, table string) *responseLedger {
	return &responseLedger{
		client:      client,
		table:       table,
		newRevision: func() string { return ulid.Make().String() },
	}
}

type ledgerField struct {
	name  string
	value string
}

func outcomeFields(resp *cnm.Response) []ledgerField {
	return []ledgerField{
		{"status", string(resp.Response.Status)},
		{"error_code", string(resp.Response.ErrorCode)},
		{"collection", resp.Collection.ShortName()},
		{"data_version", resp.DataVersion()},
	}
}

func (l *responseLedger) Record(ctx context.Context, resp *cnm.Response) error {
	key, err := attributevalue.MarshalMap(map[string]string{"identifier": resp.Identifier})
	if err != nil {
		return err
	}
	expr, err := buildLedgerUpdateExpression(resp, l.newRevision())
	if err != nil {
		return fmt.Errorf("error building ledger update expression: %w", err)
	}

	_, err = l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(l.table),
		Key:                       key,
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ReturnValues:              types.ReturnValueNone,
	})
	var unchanged *types.ConditionalCheckFailedException
	if errors.As(err, &unchanged) {
		return nil
	}
	return err
}

// buildLedgerUpdateExpression sets every outcome field, the completion time and a new
// revision, on the condition that the item is new or any outcome field differs.
func buildLedgerUpdateExpression(resp *cnm.Response, revision string) (expression.Expression, error) {
	update := expression.Set(expression.Name("process_complete_time"),
		expression.Value(resp.ProcessCompleteTime.String()))
	update = update.Set(expression.Name("revision"), expression.Value(revision))

	condition := expression.AttributeNotExists(expression.Name("identifier"))
	for _, f := range outcomeFields(resp) {
		update = update.Set(expression.Name(f.name), expression.Value(f.value))
		condition = condition.Or(expression.Name(f.name).NotEqual(expression.Value(f.value)))
	}

	return expression.NewBuilder().WithUpdate(update).WithCondition(condition).Build()
}
