package services_test

import (
	"context"
	"errors"
	"testing"

	"arena-control-backend/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnostics(t *testing.T) {
	diag := services.NewDiagnostics()
	diag.Register("echo", func(ctx context.Context) (any, error) { return "ok", nil })
	diag.Register("broken", func(ctx context.Context) (any, error) { return nil, errors.New("down") })
	diag.Register("panics", func(ctx context.Context) (any, error) { panic("boom") })

	assert.Equal(t, []string{"broken", "echo", "panics"}, diag.Names())

	result, ok, err := diag.Run(context.Background(), "echo")
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	_, ok, err = diag.Run(context.Background(), "broken")
	assert.True(t, ok)
	assert.EqualError(t, err, "down")

	_, ok, err = diag.Run(context.Background(), "panics")
	assert.True(t, ok)
	assert.ErrorContains(t, err, "boom")

	_, ok, _ = diag.Run(context.Background(), "missing")
	assert.False(t, ok)
}
