package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoke(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("lookup_order", func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"order": args["order_number"], "status": "shipped"}, nil
	}))
	require.NoError(t, reg.Register("flaky", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, errors.New("upstream unreachable")
	}))
	require.NoError(t, reg.Register("panicky", func(_ context.Context, _ map[string]any) (any, error) {
		panic("boom")
	}))

	tests := []struct {
		name       string
		tool       string
		args       map[string]any
		wantStatus string
		wantErr    string
	}{
		{
			name:       "successful invocation",
			tool:       "lookup_order",
			args:       map[string]any{"order_number": "AB123456"},
			wantStatus: StatusOK,
		},
		{
			name:       "tool error becomes error result",
			tool:       "flaky",
			wantStatus: StatusError,
			wantErr:    "upstream unreachable",
		},
		{
			name:       "unknown tool",
			tool:       "missing",
			wantStatus: StatusError,
			wantErr:    "tool not found: missing",
		},
		{
			name:       "panic is recovered into error result",
			tool:       "panicky",
			wantStatus: StatusError,
			wantErr:    "panicked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := reg.Invoke(context.Background(), tt.tool, tt.args)
			assert.Equal(t, tt.wantStatus, result.Status)
			if tt.wantErr != "" {
				assert.Contains(t, result.Error, tt.wantErr)
			}
			if tt.wantStatus == StatusOK {
				assert.NotNil(t, result.Result)
			}
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register("a", func(context.Context, map[string]any) (any, error) { return nil, nil }))
	assert.Error(t, reg.Register("a", func(context.Context, map[string]any) (any, error) { return nil, nil }))
	assert.Error(t, reg.Register("", func(context.Context, map[string]any) (any, error) { return nil, nil }))
	assert.Error(t, reg.Register("b", nil))

	assert.True(t, reg.Has("a"))
	assert.False(t, reg.Has("b"))
	assert.Equal(t, []string{"a"}, reg.Names())
}
