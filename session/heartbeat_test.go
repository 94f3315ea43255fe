package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jlaneve/jute/wire"
)

func fastHeartbeat() []HeartbeatOption {
	return []HeartbeatOption{
		WithInterval(50 * time.Millisecond),
		WithTimeout(100 * time.Millisecond),
		WithMaxFailures(3),
	}
}

func TestHeartbeat_WaitFirst(t *testing.T) {
	k := startKernel(t)

	var deaths atomic.Int32
	hb := NewHeartbeat(k.Endpoint(wire.Heartbeat), func(error) { deaths.Add(1) }, fastHeartbeat()...)
	hb.Start(context.Background())
	defer hb.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, hb.WaitFirst(ctx))

	assert.GreaterOrEqual(t, hb.Beats(), uint64(1))
	assert.Equal(t, 0, hb.Failures())
	assert.Equal(t, int32(0), deaths.Load())
}

func TestHeartbeat_DeclaresDeathOnce(t *testing.T) {
	k := startKernel(t)

	var deaths atomic.Int32
	var cause atomic.Value
	hb := NewHeartbeat(k.Endpoint(wire.Heartbeat), func(err error) {
		deaths.Add(1)
		cause.Store(err)
	}, fastHeartbeat()...)
	hb.Start(context.Background())
	defer hb.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, hb.WaitFirst(ctx))

	k.PauseHeartbeat(true)

	select {
	case <-hb.Dead():
	case <-time.After(5 * time.Second):
		t.Fatal("kernel was not declared dead")
	}

	// Give a buggy monitor the chance to fire again
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), deaths.Load())
	assert.ErrorIs(t, cause.Load().(error), ErrHeartbeatTimeout)
}

func TestHeartbeat_ClosedPortFailsWithinTimeout(t *testing.T) {
	k := startKernel(t)

	hb := NewHeartbeat(k.Endpoint(wire.Heartbeat), nil,
		WithInterval(50*time.Millisecond),
		WithTimeout(200*time.Millisecond),
		WithMaxFailures(3))
	hb.Start(context.Background())
	defer hb.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, hb.WaitFirst(ctx))

	require.NoError(t, k.Close())
	closed := time.Now()

	select {
	case <-hb.Dead():
	case <-time.After(5 * time.Second):
		t.Fatal("kernel was not declared dead")
	}

	// One timed out probe, then redials that are refused at once
	assert.Less(t, time.Since(closed), time.Second)
}

func TestHeartbeat_StopBeforeFirstBeat(t *testing.T) {
	var deaths atomic.Int32
	hb := NewHeartbeat("tcp://127.0.0.1:1", func(error) { deaths.Add(1) }, fastHeartbeat()...)
	hb.Start(context.Background())

	time.Sleep(100 * time.Millisecond)
	hb.Stop()

	err := hb.WaitFirst(context.Background())
	assert.ErrorIs(t, err, ErrHeartbeatStopped)
	assert.Equal(t, int32(0), deaths.Load())

	// Unreachable kernels never arm the failure count
	assert.Equal(t, 0, hb.Failures())
}

func TestHeartbeat_StopWithoutStart(t *testing.T) {
	hb := NewHeartbeat("tcp://127.0.0.1:1", nil)
	hb.Stop()
	hb.Stop()

	hb.Start(context.Background()) // no effect after Stop
	assert.ErrorIs(t, hb.WaitFirst(context.Background()), ErrHeartbeatStopped)
}
