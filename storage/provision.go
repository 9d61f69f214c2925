package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

const queueAlreadyExists = "QueueAlreadyExists"

// Provision creates the work orders table and the board events queue.
// Existing ones are left untouched.
func Provision(ctx context.Context, connStr, workOrdersTable, eventsQueue string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return fmt.Errorf("tables client: %w", err)
	}
	if _, err := svc.NewClient(workOrdersTable).CreateTable(ctx, nil); err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
		return fmt.Errorf("create table %s: %w", workOrdersTable, err)
	}

	q, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, nil)
	if err != nil {
		return fmt.Errorf("queue client: %w", err)
	}
	if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, queueAlreadyExists) {
		return fmt.Errorf("create queue %s: %w", eventsQueue, err)
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
