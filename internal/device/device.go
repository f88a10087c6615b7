package device

import (
	"encoding/json"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// 进度跟踪专用的状态键
const (
	KeyPreviousMilesFromHome = "previousMilesFromHome"
	KeyCurrentMilesFromHome  = "currentMilesFromHome"
)

// StateUpdate 一条有序的状态更新
// 值可能是字符串、数字（json.Number）、布尔或原始 JSON 字符串
type StateUpdate struct {
	Key   string
	Value any
}

// StateSink 设备状态写入能力（宿主侧实现）
type StateSink interface {
	PublishStates(imei string, updates []StateUpdate)
	State(imei, key string) (any, bool)
}

// Store 设备查询能力（宿主侧实现）
type Store interface {
	Lookup(imei string) (*Device, bool)
	List() []*Device
}

// Device 一辆车对应的有状态设备
type Device struct {
	IMEI string
	Name string

	mu     sync.RWMutex
	states map[string]any
}

func newDevice(imei, name string) *Device {
	return &Device{
		IMEI:   imei,
		Name:   name,
		states: make(map[string]any),
	}
}

// State 读取单个状态值
func (d *Device) State(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.states[key]
	return v, ok
}

// States 返回状态表的副本
func (d *Device) States() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]any, len(d.states))
	for k, v := range d.states {
		out[k] = v
	}
	return out
}

// MilesFromHome 返回进度跟踪的两个里程数
func (d *Device) MilesFromHome() (previous, current float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return AsFloat(d.states[KeyPreviousMilesFromHome]), AsFloat(d.states[KeyCurrentMilesFromHome])
}

func (d *Device) apply(updates []StateUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range updates {
		d.states[u.Key] = u.Value
	}
}

// Registry 内存设备表，按 IMEI 索引
// 实现 StateSink 和 Store
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	order    []string
	onUpdate func(imei string, updates []StateUpdate)
	logger   *zap.Logger
}

// NewRegistry 创建设备表
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		logger:  logger,
	}
}

// SetUpdateHook 设置状态发布回调（用于 WebSocket 广播等）
func (r *Registry) SetUpdateHook(fn func(imei string, updates []StateUpdate)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpdate = fn
}

// Ensure 获取或创建设备
func (r *Registry) Ensure(imei, name string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[imei]; ok {
		if name != "" {
			d.Name = name
		}
		return d
	}

	d := newDevice(imei, name)
	r.devices[imei] = d
	r.order = append(r.order, imei)
	r.logger.Info("Device registered", zap.String("imei", imei), zap.String("name", name))
	return d
}

// Remove 删除设备，不存在时为空操作
func (r *Registry) Remove(imei string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[imei]; !ok {
		return
	}
	delete(r.devices, imei)
	for i, id := range r.order {
		if id == imei {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Lookup 按 IMEI 查找设备
func (r *Registry) Lookup(imei string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[imei]
	return d, ok
}

// List 按注册顺序返回所有设备
func (r *Registry) List() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.order))
	for _, imei := range r.order {
		out = append(out, r.devices[imei])
	}
	return out
}

// PublishStates 按序应用状态更新并触发回调
// 目标设备不存在时记录日志并忽略
func (r *Registry) PublishStates(imei string, updates []StateUpdate) {
	d, ok := r.Lookup(imei)
	if !ok {
		r.logger.Debug("No matching device for state publish", zap.String("imei", imei))
		return
	}

	d.apply(updates)

	r.mu.RLock()
	hook := r.onUpdate
	r.mu.RUnlock()
	if hook != nil {
		hook(imei, updates)
	}
}

// State 读取指定设备的单个状态值
func (r *Registry) State(imei, key string) (any, bool) {
	d, ok := r.Lookup(imei)
	if !ok {
		return nil, false
	}
	return d.State(key)
}

// AsFloat 把状态值尽力转换为 float64，无法转换时为 0
func AsFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
