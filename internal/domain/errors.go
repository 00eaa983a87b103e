package domain

import "errors"

var (
	ErrNotFound                 = errors.New("not found")
	ErrAlreadyExists            = errors.New("already exists")
	ErrLockHeld                 = errors.New("lock already held")
	ErrExchangeUnavailable      = errors.New("exchange unavailable")
	ErrInstanceUnavailable      = errors.New("instance unavailable")
	ErrNoEligibleInstance       = errors.New("no eligible instance")
	ErrOpportunityNoLongerValid = errors.New("opportunity no longer valid")
	ErrRecoveryExhausted        = errors.New("recovery attempts exhausted")
	ErrConnectionInvalid        = errors.New("connection failed validation")
	ErrSyncInProgress           = errors.New("synchronization already in progress")
	ErrInvalidStrategy          = errors.New("invalid strategy definition")
	ErrEmergencyStop            = errors.New("emergency stop in effect")
)
