package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/jacentio/gachar/hierarchy"
)

var (
	// ErrAlreadyExists is returned when a node with the same id already exists.
	ErrAlreadyExists = errors.New("store: location id already exists")

	// ErrTooManyItems is returned when a write would exceed the DynamoDB
	// transaction item limit.
	ErrTooManyItems = fmt.Errorf("%w: transaction item limit exceeded", hierarchy.ErrInvalidInput)
)

// Cancellation reason codes returned in TransactionCanceledException.
const (
	reasonConditionalCheckFailed = "ConditionalCheckFailed"
	reasonTransactionConflict    = "TransactionConflict"
	reasonThrottling             = "ThrottlingError"
	reasonThroughputExceeded     = "ProvisionedThroughputExceeded"
)

// transientCodes are API error codes worth retrying.
var transientCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
	"TransactionInProgressException":         true,
}

// classify marks throttling, server faults and network failures as
// hierarchy.ErrPersistenceUnavailable and passes other errors through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return fmt.Errorf("%w: %v", hierarchy.ErrPersistenceUnavailable, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultServer {
			return fmt.Errorf("%w: %v", hierarchy.ErrPersistenceUnavailable, err)
		}
	}
	return err
}

// txIndex records which transaction item guards which invariant.
type txIndex struct {
	parentCheck int
	constraint  int
	nodeWrite   int
	guards      map[int]string // item index -> guarded node id
	active      map[int]string // item index -> node id (SetActive)
}

func newTxIndex() *txIndex {
	return &txIndex{parentCheck: -1, constraint: -1, nodeWrite: -1}
}

// mapCreateTransactionError maps DynamoDB transaction errors for Insert.
func (s *Store) mapCreateTransactionError(err error, idx *txIndex, id string) error {
	return mapTransactionError(err, func(i int) error {
		switch i {
		case idx.parentCheck:
			return hierarchy.ErrParentNotFound
		case idx.constraint:
			return hierarchy.ErrDuplicateName
		case idx.nodeWrite:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
		}
		return nil
	})
}

// mapUpdateTransactionError maps DynamoDB transaction errors for Update.
func (s *Store) mapUpdateTransactionError(err error, idx *txIndex, id string) error {
	return mapTransactionError(err, func(i int) error {
		if gid, ok := idx.guards[i]; ok {
			return fmt.Errorf("%w: ancestor %s changed", hierarchy.ErrConcurrentModification, gid)
		}
		switch i {
		case idx.parentCheck:
			return hierarchy.ErrParentNotFound
		case idx.constraint:
			return hierarchy.ErrDuplicateName
		case idx.nodeWrite:
			return fmt.Errorf("%w: %s", hierarchy.ErrConcurrentModification, id)
		}
		return nil
	})
}

// mapActiveTransactionError maps DynamoDB transaction errors for SetActive.
func (s *Store) mapActiveTransactionError(err error, idx *txIndex) error {
	return mapTransactionError(err, func(i int) error {
		if id, ok := idx.active[i]; ok {
			return fmt.Errorf("%w: %s", hierarchy.ErrNodeNotFound, id)
		}
		return nil
	})
}

// mapTransactionError walks the cancellation reasons; onCondition maps a
// failed condition at item index i, returning nil if it has no opinion.
func mapTransactionError(err error, onCondition func(i int) error) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil {
				continue
			}
			switch *reason.Code {
			case reasonConditionalCheckFailed:
				if mapped := onCondition(i); mapped != nil {
					return mapped
				}
				return fmt.Errorf("%w: condition failed on item %d", hierarchy.ErrConcurrentModification, i)
			case reasonTransactionConflict:
				return fmt.Errorf("%w: %v", hierarchy.ErrConcurrentModification, err)
			case reasonThrottling, reasonThroughputExceeded:
				return fmt.Errorf("%w: %v", hierarchy.ErrPersistenceUnavailable, err)
			}
		}
	}

	return classify(err)
}
