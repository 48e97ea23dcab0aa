package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeletionBlocked_CarriesReasons(t *testing.T) {
	err := NewDeletionBlocked("employee", 7, []string{"has payroll", "is manager"})

	wrapped := fmt.Errorf("delete: %w", err)

	assert.True(t, IsDeletionBlocked(wrapped))
	assert.Equal(t, []string{"has payroll", "is manager"}, Reasons(wrapped))
	assert.Equal(t, http.StatusUnprocessableEntity, GetHTTPStatus(wrapped))
}

func TestReasons_OtherCodes(t *testing.T) {
	assert.Nil(t, Reasons(NewManifestNotFound("k")))
	assert.Nil(t, Reasons(errors.New("plain")))
}

func TestTransactionFailure_KeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewTransactionFailure("delete", cause)

	assert.ErrorIs(t, err, cause)
	assert.True(t, HasCode(err, CodeTransactionFailure))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestGetHTTPStatus_PlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("boom")))
	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(NewManifestNotFound("abc")))
	assert.Equal(t, http.StatusNotFound, GetHTTPStatus(NewNotFound("employees", "7")))
}
