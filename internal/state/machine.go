package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/langchou/bouncegazer/internal/api/bouncie"
)

// 车辆连接状态常量
const (
	StateDisconnected = "disconnected"
	StateConnected    = "connected"
	StateTrip         = "trip"
)

// Machine 单辆车的连接/行程状态机，由 webhook 事件驱动
type Machine struct {
	mu            sync.Mutex
	imei          string
	fsm           *fsm.FSM
	since         time.Time
	onStateChange func(imei, from, to string)
}

// NewMachine 创建状态机
func NewMachine(imei string, onStateChange func(imei, from, to string)) *Machine {
	m := &Machine{
		imei:          imei,
		since:         time.Now(),
		onStateChange: onStateChange,
	}

	m.fsm = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: bouncie.EventConnect, Src: []string{StateDisconnected}, Dst: StateConnected},
			{Name: bouncie.EventDisconnect, Src: []string{StateConnected, StateTrip}, Dst: StateDisconnected},

			// 设备可能漏报 connect，允许从 disconnected 直接进入行程
			{Name: bouncie.EventTripStart, Src: []string{StateConnected, StateDisconnected}, Dst: StateTrip},
			{Name: bouncie.EventTripEnd, Src: []string{StateTrip}, Dst: StateConnected},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.imei, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// Current 当前状态
func (m *Machine) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Current()
}

// Since 当前状态的起始时间
func (m *Machine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Apply 应用一个 webhook 事件
// webhook 可能乱序到达，不合法的转换返回 false 而不报错
func (m *Machine) Apply(eventType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.fsm.Can(eventType) {
		return false
	}
	if err := m.fsm.Event(context.Background(), eventType); err != nil {
		return false
	}
	m.since = time.Now()
	return true
}

// Trigger 强制触发事件，不合法的转换返回错误
func (m *Machine) Trigger(eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), eventType); err != nil {
		return fmt.Errorf("trigger event %s: %w", eventType, err)
	}
	m.since = time.Now()
	return nil
}

// Manager 状态机管理器，按 IMEI 索引
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	onChange func(imei, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(imei, from, to string)) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(imei string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[imei]; ok {
		return machine
	}

	machine := NewMachine(imei, m.onChange)
	m.machines[imei] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(imei string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[imei]
	return machine, ok
}

// States 返回所有车辆的当前连接状态
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.machines))
	for imei, machine := range m.machines {
		states[imei] = machine.Current()
	}
	return states
}
