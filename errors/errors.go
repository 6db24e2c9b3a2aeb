package errors

import (
	"fmt"
)

type ErrorCode int

const (
	InternalError = iota
	InvalidConfiguration
	UnknownMember
	PartitionOutOfRange
	InconsistentOwnership
	ConflictingMigration
	MigrationPrecondition
	RearrangementPrecondition
	NotStarted
	PartitionNotOwned
	PartitionMigrating
)

func NewInternalError(errRef string) BlockError {
	return NewBlockErrorf(InternalError, "Internal error - reference: %s please consult server logs for details", errRef)
}

func NewInvalidConfigurationError(msg string) BlockError {
	return NewBlockErrorf(InvalidConfiguration, "Invalid configuration: %s", msg)
}

func NewUnknownMemberError(address string) BlockError {
	return NewBlockErrorf(UnknownMember, "Unknown member: %s", address)
}

func NewPartitionOutOfRangeError(partitionID int, partitionCount int) BlockError {
	return NewBlockErrorf(PartitionOutOfRange, "Partition %d out of range, partition count is %d", partitionID, partitionCount)
}

func NewInconsistentOwnershipError(msg string) BlockError {
	return NewBlockErrorf(InconsistentOwnership, "Inconsistent partition ownership: %s", msg)
}

func NewConflictingMigrationError(msg string) BlockError {
	return NewBlockErrorf(ConflictingMigration, "Conflicting migration: %s", msg)
}

func NewMigrationPreconditionError(msg string) BlockError {
	return NewBlockErrorf(MigrationPrecondition, "Cannot migrate partition: %s", msg)
}

func NewRearrangementPreconditionError(msg string) BlockError {
	return NewBlockErrorf(RearrangementPrecondition, "Cannot rearrange partitions: %s", msg)
}

func NewNotStartedError(component string) BlockError {
	return NewBlockErrorf(NotStarted, "%s is not started", component)
}

func NewPartitionNotOwnedError(partitionID int, owner string) BlockError {
	return NewBlockErrorf(PartitionNotOwned, "Partition %d is owned by %s", partitionID, owner)
}

func NewPartitionMigratingError(partitionID int) BlockError {
	return NewBlockErrorf(PartitionMigrating, "Partition %d is migrating", partitionID)
}

func NewBlockErrorf(errorCode ErrorCode, msgFormat string, args ...interface{}) BlockError {
	msg := fmt.Sprintf(fmt.Sprintf("BLK%04d - %s", errorCode, msgFormat), args...)
	return BlockError{Code: errorCode, Msg: msg}
}

func NewBlockError(errorCode ErrorCode, msg string) BlockError {
	return BlockError{Code: errorCode, Msg: msg}
}

func Error(msg string) error {
	return New(msg)
}

// BlockError is an error with a well known code. Codes survive the trip across the cluster transport.
type BlockError struct {
	Code ErrorCode
	Msg  string
}

func (b BlockError) Error() string {
	return b.Msg
}

// HasCode reports whether err, or any error it wraps, is a BlockError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var be BlockError
	if As(err, &be) {
		return be.Code == code
	}
	return false
}

func MaybeAddStack(err error) error {
	_, ok := err.(BlockError)
	if !ok {
		return WithStack(err)
	}
	return err
}
