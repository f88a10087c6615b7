package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langchou/bouncegazer/internal/api/bouncie"
)

func TestMachine_TripLifecycle(t *testing.T) {
	t.Parallel()

	m := NewMachine("123", nil)
	assert.Equal(t, StateDisconnected, m.Current())

	assert.True(t, m.Apply(bouncie.EventConnect))
	assert.Equal(t, StateConnected, m.Current())

	assert.True(t, m.Apply(bouncie.EventTripStart))
	assert.Equal(t, StateTrip, m.Current())

	assert.True(t, m.Apply(bouncie.EventTripEnd))
	assert.Equal(t, StateConnected, m.Current())

	assert.True(t, m.Apply(bouncie.EventDisconnect))
	assert.Equal(t, StateDisconnected, m.Current())
}

func TestMachine_TripStartWithoutConnect(t *testing.T) {
	t.Parallel()

	// 漏掉 connect 的设备直接开始行程
	m := NewMachine("123", nil)
	assert.True(t, m.Apply(bouncie.EventTripStart))
	assert.Equal(t, StateTrip, m.Current())
}

func TestMachine_OutOfOrderEventsIgnored(t *testing.T) {
	t.Parallel()

	m := NewMachine("123", nil)

	assert.False(t, m.Apply(bouncie.EventTripEnd))
	assert.Equal(t, StateDisconnected, m.Current())

	assert.False(t, m.Apply(bouncie.EventDisconnect))
	assert.Equal(t, StateDisconnected, m.Current())

	// 非状态机事件同样不转换
	assert.False(t, m.Apply(bouncie.EventBattery))
}

func TestMachine_OnStateChangeCallback(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions [][2]string

	m := NewMachine("123", func(imei, from, to string) {
		assert.Equal(t, "123", imei)
		mu.Lock()
		transitions = append(transitions, [2]string{from, to})
		mu.Unlock()
	})

	require.True(t, m.Apply(bouncie.EventConnect))
	require.True(t, m.Apply(bouncie.EventTripStart))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][2]string{
		{StateDisconnected, StateConnected},
		{StateConnected, StateTrip},
	}, transitions)
}

func TestManager_GetOrCreate(t *testing.T) {
	t.Parallel()

	mgr := NewManager(nil)

	m1 := mgr.GetOrCreate("111")
	m2 := mgr.GetOrCreate("111")
	assert.Same(t, m1, m2)

	_, ok := mgr.Get("222")
	assert.False(t, ok)

	mgr.GetOrCreate("222").Apply(bouncie.EventConnect)

	states := mgr.States()
	assert.Equal(t, StateDisconnected, states["111"])
	assert.Equal(t, StateConnected, states["222"])
}
