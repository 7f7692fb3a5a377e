package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := E(KindPathOutsideRoot, "resolve_path", nil)
	wrapped := fmt.Errorf("handling request: %w", base)

	assert.Equal(t, KindPathOutsideRoot, KindOf(base))
	assert.Equal(t, KindPathOutsideRoot, KindOf(wrapped))
	assert.Equal(t, KindIo, KindOf(errors.New("plain")))
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := Ef(KindExecDenied, "exec", "command %q not allowed", "rm")
	assert.True(t, errors.Is(err, &Error{Kind: KindExecDenied}))
	assert.False(t, errors.Is(err, &Error{Kind: KindExecTimeout}))
}

func TestMessageDoesNotLeakUnclassifiedDetail(t *testing.T) {
	leaky := fmt.Errorf("open /secret/token: permission denied")
	assert.Equal(t, "Io", Message(leaky))

	classified := E(KindNotFound, "fs_read", errors.New("no such file"))
	assert.Contains(t, Message(classified), "NotFound")
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindUnauthorized, http.StatusUnauthorized},
		{KindOriginDenied, http.StatusForbidden},
		{KindRequestTooLarge, http.StatusRequestEntityTooLarge},
		{KindResponseTooLarge, http.StatusInternalServerError},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindToolNotFound, http.StatusNotFound},
		{KindInvalidParams, http.StatusBadRequest},
		{KindPathOutsideRoot, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindExecDenied, http.StatusForbidden},
		{KindExecTimeout, http.StatusGatewayTimeout},
		{KindIo, http.StatusInternalServerError},
		{KindParse, http.StatusBadRequest},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.HTTPStatus(), string(tt.kind))
	}
}

func TestRPCCodeMapping(t *testing.T) {
	assert.Equal(t, CodeParse, KindParse.RPCCode())
	assert.Equal(t, CodeMethodNotFound, KindToolNotFound.RPCCode())
	assert.Equal(t, CodeInvalidParams, KindInvalidParams.RPCCode())
	assert.Equal(t, CodeInternal, KindExecTimeout.RPCCode())
	assert.Equal(t, CodeInternal, KindIo.RPCCode())
}
