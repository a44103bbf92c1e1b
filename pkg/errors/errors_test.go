package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		code      int
		wantType  ErrorType
		retryable bool
	}{
		{401, ErrorTypeAuth, false},
		{403, ErrorTypeAuth, false},
		{404, ErrorTypeNotFound, false},
		{410, ErrorTypeNotFound, false},
		{400, ErrorTypeClient, false},
		{429, ErrorTypeRateLimit, true},
		{500, ErrorTypeServerError, true},
		{503, ErrorTypeServerError, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.code), func(t *testing.T) {
			err := FromStatus(tt.code, "boom")
			assert.Equal(t, tt.wantType, err.Type)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.retryable, IsRetryableError(err))
		})
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	err := Wrap(ErrorTypeNetwork, io.ErrUnexpectedEOF, "reading body")
	assert.Equal(t, "network error: reading body: unexpected EOF", err.Error())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	coded := FromStatus(404, "image gone")
	assert.Equal(t, "not_found error (code 404): image gone", coded.Error())
}

func TestRetryAfterHint(t *testing.T) {
	throttled := FromStatus(429, "slow down")
	throttled.RetryAfter = 12 * time.Second

	assert.Equal(t, 12*time.Second, RetryAfter(fmt.Errorf("page 2: %w", throttled)))
	assert.Zero(t, RetryAfter(FromStatus(500, "boom")))
	assert.Zero(t, RetryAfter(stderrors.New("plain")))
	assert.Zero(t, RetryAfter(nil))
}

func TestTypeOfWrapped(t *testing.T) {
	inner := New(ErrorTypeRateLimit, "slow down")
	outer := fmt.Errorf("page 3: %w", inner)

	assert.Equal(t, ErrorTypeRateLimit, TypeOf(outer))
	assert.True(t, IsRetryableError(outer))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(stderrors.New("plain")))
	assert.False(t, IsRetryableError(stderrors.New("plain")))
	assert.False(t, IsRetryableError(nil))
}

func TestNamedErrors(t *testing.T) {
	cause := FromStatus(502, "bad gateway")

	enum := &EnumerationError{User: "alice", Page: 2, Err: cause}
	var asEnum *EnumerationError
	require.ErrorAs(t, fmt.Errorf("run: %w", enum), &asEnum)
	assert.Equal(t, "alice", asEnum.User)
	assert.Equal(t, ErrorTypeServerError, TypeOf(enum))

	state := &CorruptStateError{Path: "/x/progress.json", Err: io.ErrUnexpectedEOF}
	assert.ErrorIs(t, state, io.ErrUnexpectedEOF)
	assert.Contains(t, state.Error(), "/x/progress.json")

	inj := &InjectionError{ImageID: "42", Err: stderrors.New("not a jpeg")}
	assert.Contains(t, inj.Error(), "image 42")

	pp := &PostProcessError{SequenceID: "s1", Step: "archive", Err: io.ErrShortWrite}
	assert.Equal(t, "archive of sequence s1 failed: short write", pp.Error())
	pp.Path = "a.jpg"
	assert.Contains(t, pp.Error(), "archive of a.jpg in sequence s1")
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(FromStatus(401, "bad token")))
	assert.True(t, IsFatal(&EnumerationError{Err: stderrors.New("x")}))
	assert.True(t, IsFatal(fmt.Errorf("load: %w", &CorruptStateError{Err: stderrors.New("x")})))

	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(FromStatus(404, "gone")))
	assert.False(t, IsFatal(&InjectionError{Err: stderrors.New("x")}))
	assert.False(t, IsFatal(&PostProcessError{Err: stderrors.New("x")}))
}
