package clvec

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	err := Errorf(SizeMismatch, "basic-op", "lhs has %d elements, rhs has %d", 3, 4)
	require.Error(t, err)
	require.Equal(t, SizeMismatch, KindOf(err))
	require.True(t, IsKind(err, SizeMismatch))
	require.True(t, IsInputError(err))
	require.ErrorContains(t, err, "SizeMismatch")
	require.ErrorContains(t, err, "basic-op")
	require.ErrorContains(t, err, "lhs has 3 elements, rhs has 4")

	err = Wrap(Compile, "compile", errors.New("syntax error at line 3"))
	require.Equal(t, Compile, KindOf(err))
	require.False(t, IsInputError(err))
	fmt.Printf("Expected error: %+v\n", err)

	// Wrapping twice keeps the innermost kind.
	err = Wrap(Context, "build", err)
	require.Equal(t, Compile, KindOf(err))
	require.ErrorContains(t, err, "at build")

	require.NoError(t, Wrap(Enqueue, "enqueue", nil))
	require.Equal(t, InvalidKind, KindOf(nil))
	require.Equal(t, InvalidKind, KindOf(errors.New("plain error")))
	require.False(t, IsKind(nil, InvalidKind))
}

func TestErrorKind_String(t *testing.T) {
	require.Equal(t, "NoDevice", NoDevice.String())
	require.Equal(t, "UnsupportedType", UnsupportedType.String())
	require.Equal(t, "ErrorKind(1000)", ErrorKind(1000).String())

	inputKinds := []ErrorKind{SizeMismatch, EmptyOperand, UnsupportedType, NoContext, InvalidArgument}
	for kind := range kindNames {
		require.Equalf(t, kindIn(kind, inputKinds), kind.IsInput(), "kind %s", kind)
	}
}

func kindIn(kind ErrorKind, kinds []ErrorKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
