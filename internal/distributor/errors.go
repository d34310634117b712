package distributor

import "errors"

var (
	// ErrInvalidToken indicates the presented task token matches no
	// live lease.
	ErrInvalidToken = errors.New("distributor: invalid task token")
	// ErrOwnershipMismatch indicates the lease and the durable lock
	// disagree about who holds the unit.
	ErrOwnershipMismatch = errors.New("distributor: unit is no longer held by this session")
	// ErrNoWork indicates no unit is available for assignment.
	ErrNoWork = errors.New("distributor: no work available")
	// ErrSinkUnavailable indicates the dataset export failed; the unit
	// stays locked so the worker can retry.
	ErrSinkUnavailable = errors.New("distributor: dataset sink unavailable")
)
