package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockErrorMessage(t *testing.T) {
	err := NewPartitionOutOfRangeError(300, 271)
	require.Equal(t, PartitionOutOfRange, int(err.Code))
	require.Equal(t, "BLK0003 - Partition 300 out of range, partition count is 271", err.Error())
}

func TestHasCodeThroughWrap(t *testing.T) {
	err := Wrap(NewMigrationPreconditionError("not the owner"), "partition 12")
	require.True(t, HasCode(err, MigrationPrecondition))
	require.False(t, HasCode(err, ConflictingMigration))
	require.False(t, HasCode(New("plain"), MigrationPrecondition))
}

func TestWrapMessageAndCause(t *testing.T) {
	root := New("connection refused")
	err := Wrapf(root, "transfer to %s", "10.0.0.2:5701")
	require.Equal(t, "transfer to 10.0.0.2:5701: connection refused", err.Error())
	require.Equal(t, root, Cause(err))
	require.True(t, Is(err, root))
	require.Nil(t, Wrap(nil, "ignored"))
	require.Nil(t, WithStack(nil))
}

func TestWrappedStackIsNotRepeated(t *testing.T) {
	err := WithStack(New("boom"))
	se, ok := err.(*stackErr)
	require.True(t, ok)
	require.Nil(t, se.StackTrace())
	require.Contains(t, fmt.Sprintf("%+v", err), "boom")
}

func TestMaybeAddStack(t *testing.T) {
	be := NewUnknownMemberError("10.0.0.9:5701")
	require.Equal(t, be, MaybeAddStack(be))
	_, ok := MaybeAddStack(fmt.Errorf("other")).(*stackErr)
	require.True(t, ok)
}
