package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestNewLoadsDefaults(t *testing.T) {
	rt, err := New(t.Context(), "catalog")
	require.NoError(t, err)
	assert.Equal(t, "catalog", rt.Service)
	assert.Equal(t, "library.events", rt.Config.AMQP.Exchange)
	require.NotNil(t, rt.Registry)
	assert.NoError(t, rt.Close(t.Context()))
}

func TestCloseRunsInReverseAndCombinesErrors(t *testing.T) {
	rt := &Runtime{}
	var order []string
	rt.OnClose(func(context.Context) error { order = append(order, "db"); return errors.New("db close") })
	rt.OnClose(func(context.Context) error { order = append(order, "redis"); return nil })
	rt.OnClose(func(context.Context) error { order = append(order, "amqp"); return errors.New("amqp close") })

	err := rt.Close(t.Context())
	assert.Equal(t, []string{"amqp", "redis", "db"}, order)
	assert.Len(t, multierr.Errors(err), 2)

	assert.NoError(t, rt.Close(t.Context()), "closers run once")
}

func TestRunAllStopsSiblingsOnFailure(t *testing.T) {
	boom := errors.New("consumer died")
	err := RunAll(t.Context(),
		func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		func(context.Context) error { return boom },
	)
	assert.ErrorIs(t, err, boom)
}

func TestRunAllIgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := RunAll(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, err)
}
