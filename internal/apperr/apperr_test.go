package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStatus はKindからHTTPステータスへの変換を検証する。
func TestStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want int
	}{
		{name: "入力エラー", err: Validation(CodeMissingField, "x"), want: http.StatusBadRequest},
		{name: "重複は400", err: Conflict(CodeEmailAlreadyUsed, "x"), want: http.StatusBadRequest},
		{name: "認証エラー", err: Unauthorized("x"), want: http.StatusUnauthorized},
		{name: "存在しない", err: NotFound(CodeUserNotFound, "x"), want: http.StatusNotFound},
		{name: "ボディ過大", err: TooLarge(nil), want: http.StatusRequestEntityTooLarge},
		{name: "転送先に接続できない", err: Upstream(CodeUpstreamUnreachable, errors.New("refused")), want: http.StatusBadGateway},
		{name: "転送先のタイムアウト", err: Upstream(CodeUpstreamTimeout, context.DeadlineExceeded), want: http.StatusGatewayTimeout},
		{name: "永続化エラー", err: Persistence(errors.New("disk")), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Status())
		})
	}
}

// TestUpstream は転送エラーの詳細が保持されることを検証する。
func TestUpstream(t *testing.T) {
	t.Parallel()

	err := Upstream(CodeUpstreamUnreachable, errors.New("dial tcp 127.0.0.1:8001: connection refused"))
	assert.Equal(t, "dial tcp 127.0.0.1:8001: connection refused", err.Detail)
	assert.Equal(t, KindUpstream, err.Kind)

	timeout := Upstream(CodeUpstreamTimeout, nil)
	assert.Empty(t, timeout.Detail)
	assert.NotEqual(t, err.Message, timeout.Message)
}

// TestAs はラップされたエラーからの取り出しを検証する。
func TestAs(t *testing.T) {
	t.Parallel()

	cause := errors.New("constraint")
	wrapped := fmt.Errorf("登録処理: %w", Conflict(CodeEmailAlreadyUsed, "重複"))

	got, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeEmailAlreadyUsed, got.Code)
	assert.True(t, IsCode(wrapped, CodeEmailAlreadyUsed))
	assert.False(t, IsCode(wrapped, CodeUserNotFound))
	assert.False(t, IsCode(cause, CodeEmailAlreadyUsed))

	_, ok = As(cause)
	assert.False(t, ok)

	p := Persistence(cause)
	assert.ErrorIs(t, p, cause)
}

// TestFrom は未分類のエラーが永続化エラーになることを検証する。
func TestFrom(t *testing.T) {
	t.Parallel()

	nf := NotFound(CodeUserNotFound, "x")
	assert.Same(t, nf, From(fmt.Errorf("wrap: %w", nf)))

	raw := errors.New("boom")
	got := From(raw)
	assert.Equal(t, KindPersistence, got.Kind)
	assert.Equal(t, CodePersistence, got.Code)
	assert.ErrorIs(t, got, raw)
}
