package red

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDBNotifier(t *testing.T) {
	t.Parallel()

	r := &Red{
		config:          DefaultConfig(),
		logger:          testLogger(t),
		triggerResyncCh: make(chan struct{}, 1),
	}

	notifier, err := newDBNotifier(r)
	require.NoError(t, err)
	_, ok := notifier.(*sqliteNotifier)
	assert.True(t, ok)
	assert.Len(t, notifier.ID(), 16)
	assert.Equal(t, "", notifier.ResyncChannelName())

	r.config.DatabaseType = dbTypePostgres
	notifier, err = newDBNotifier(r)
	require.NoError(t, err)
	_, ok = notifier.(*postgresNotifier)
	assert.True(t, ok)
	assert.Equal(t, NotifyChannelResync, notifier.ResyncChannelName())

	r.config.DatabaseType = "bogus"
	_, err = newDBNotifier(r)
	assert.Error(t, err)
}

func TestSQLiteNotifierResync(t *testing.T) {
	t.Parallel()

	r := &Red{
		config:          DefaultConfig(),
		logger:          testLogger(t),
		triggerResyncCh: make(chan struct{}, 1),
	}
	notifier, err := newDBNotifier(r)
	require.NoError(t, err)

	assert.True(t, notifier.NotifyResync(context.Background()))

	select {
	case <-r.triggerResyncCh:
		//
	default:
		t.Fatal("expected a resync signal")
	}

	// channel full and context canceled: times out instead of blocking
	r.triggerResyncCh <- struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, notifier.NotifyResync(ctx))
}
