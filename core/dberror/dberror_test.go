package dberror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesKindSentinel(t *testing.T) {
	err := Constraint("kv.value", "UNIQUE constraint failed")
	wrapped := fmt.Errorf("insert: %w", err)

	assert.True(t, errors.Is(wrapped, ErrConstraint))
	assert.False(t, errors.Is(wrapped, ErrBusy))
	assert.Equal(t, KindConstraint, KindOf(wrapped))
	assert.Contains(t, err.Error(), "kv.value")
}

func TestWrapKeepsExistingKind(t *testing.T) {
	inner := New(KindCorruption, "bad checksum on page %d", 7)
	err := Wrap(KindIO, "read", inner)

	require.True(t, errors.Is(err, ErrCorruption))
	assert.True(t, IsFatal(err))

	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "read", de.Op)
}

func TestWrapPlainError(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindIO, "commit", cause)

	assert.True(t, errors.Is(err, ErrIO))
	assert.True(t, errors.Is(err, cause))
	assert.Nil(t, Wrap(KindIO, "commit", nil))
	assert.Equal(t, KindUnknown, KindOf(cause))
}

func TestWithSQL(t *testing.T) {
	err := WithSQL(New(KindSyntax, "near %q", "SELEC"), "SELEC 1")
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "SELEC 1", de.SQL)
	assert.Equal(t, "SyntaxError: near \"SELEC\"", de.Error())
}
