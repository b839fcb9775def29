package storage

import "errors"

// Sentinel errors returned by store operations, checked with errors.Is at
// call sites the way dbopen and horos47/core/data do.
var (
	ErrNotFound         = errors.New("storage: not found")
	ErrDuplicateName    = errors.New("storage: queue name already exists for tenant")
	ErrDuplicateIdemKey = errors.New("storage: idempotency key already in use")
	ErrQueueNotEmpty    = errors.New("storage: queue has undelivered messages")
)
