package bootstrap

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cart_sentinel/internal/mock"
)

func TestRun_WrappedCancellationIsCleanShutdown(t *testing.T) {
	a := &App{Logger: mock.NewNopLogger()}

	err := a.Run(RunnerFunc(func(ctx context.Context) error {
		return fmt.Errorf("event hub: %w", context.Canceled)
	}))
	assert.NoError(t, err)
}

func TestRun_RunnerFailureStopsSiblings(t *testing.T) {
	a := &App{Logger: mock.NewNopLogger()}

	siblingStopped := make(chan struct{})
	err := a.Run(
		RunnerFunc(func(ctx context.Context) error {
			return fmt.Errorf("listen: port in use")
		}),
		RunnerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			close(siblingStopped)
			return ctx.Err()
		}),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port in use")

	select {
	case <-siblingStopped:
	default:
		t.Fatal("sibling runner was not cancelled")
	}
}
