package errors_test

import (
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/ku-nlp/ChatCollectionFramework/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestAppError_Is(t *testing.T) {
	wrapped := fmt.Errorf("poll room_1: %w", apperrors.ErrExpired)

	assert.True(t, errors.Is(wrapped, apperrors.ErrExpired))
	assert.False(t, errors.Is(wrapped, apperrors.ErrNotFound))
	assert.True(t, apperrors.IsExpired(wrapped))
	assert.Equal(t, apperrors.ErrCodeExpired, apperrors.Code(wrapped))
}

func TestAppError_Wrap(t *testing.T) {
	cause := errors.New("disk full")
	err := apperrors.Wrap(cause, apperrors.ErrCodeArchiveFailed, "write transcript")

	assert.True(t, apperrors.IsArchiveFailed(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[ARCHIVE_FAILED] write transcript: disk full", err.Error())
}

func TestAppError_WithDetails(t *testing.T) {
	detailed := apperrors.ErrDuplicateSession.WithDetails("session abc")

	assert.Equal(t, "session abc", detailed.Details)
	// 預定義錯誤本身不能被改到
	assert.Empty(t, apperrors.ErrDuplicateSession.Details)
	assert.True(t, apperrors.IsDuplicateSession(detailed))
}

func TestCode_PlainError(t *testing.T) {
	assert.Equal(t, "", apperrors.Code(errors.New("boom")))
	assert.False(t, apperrors.IsNoop(nil))
}
