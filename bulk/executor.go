package bulk

import (
	"context"

	"github.com/dan-strohschein/syndrdb-bulkload/client"
)

// Executor runs a stored procedure scoped to a partition key.
// *client.Container satisfies it.
type Executor interface {
	ExecuteProcedure(ctx context.Context, procedure, partitionKey string, args ...any) (*client.ProcedureResponse, error)
}

var _ Executor = (*client.Container)(nil)
