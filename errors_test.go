package serverbox

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := WrapError(KindStoreError, "failed to persist", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, KindStoreError, KindOf(err))
}

func TestIsKind(t *testing.T) {
	err := NewError(KindInstanceNotFound, "nope")
	require.True(t, IsKind(err, KindInstanceNotFound))
	require.False(t, IsKind(err, KindMissingAuth))
	require.False(t, IsKind(errors.New("plain"), KindInstanceNotFound))
}

func TestHTTPStatusMapping(t *testing.T) {
	require.Equal(t, http.StatusNotFound, HTTPStatus(KindInstanceNotFound))
	require.Equal(t, http.StatusNotFound, HTTPStatus(KindSandboxNotFound))
	require.Equal(t, http.StatusConflict, HTTPStatus(KindInstanceNotRunning))
	require.Equal(t, http.StatusBadRequest, HTTPStatus(KindInvalidConfig))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(KindStoreError))
}
