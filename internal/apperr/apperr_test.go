package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without cause",
			err:  DataQuality("aggregate", "no observations", nil),
			want: "[DATA_QUALITY] aggregate: no observations",
		},
		{
			name: "with cause",
			err:  DataSource("fetch", "request failed", errors.New("connection refused")),
			want: "[DATA_SOURCE] fetch: request failed: connection refused",
		},
		{
			name: "without op",
			err:  New(KindSampler, "", "compile failed", nil),
			want: "[SAMPLER] compile failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIsKindThroughWrapping(t *testing.T) {
	base := ModelInput("build", "negative cumulative count", nil)
	wrapped := fmt.Errorf("stage build: %w", base)

	assert.True(t, IsKind(wrapped, KindModelInput))
	assert.False(t, IsKind(wrapped, KindSampler))

	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindModelInput, kind)
}

func TestUnwrapReachesCause(t *testing.T) {
	sentinel := errors.New("no matching parameters")
	err := Sampler("run", "summary has no reproduction-number entries", sentinel)

	assert.ErrorIs(t, err, sentinel)
	assert.False(t, IsKind(sentinel, KindSampler))
}
