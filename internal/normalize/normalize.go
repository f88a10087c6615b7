// Package normalize 将车辆快照和 webhook payload 拍平成有序的状态更新
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/langchou/bouncegazer/internal/api/bouncie"
	"github.com/langchou/bouncegazer/internal/device"
)

// jsonObject 单层 JSON 对象，键按原文精确查找
// 结构体标签解码会把大小写不同的键也匹配上，来源字段检查必须逐字符一致，
// 所以拍平时不走结构体，逐层保留原始键名
type jsonObject map[string]json.RawMessage

// object 取嵌套对象字段，缺失或非对象时返回 false
func (o jsonObject) object(key string) (jsonObject, bool) {
	raw, ok := o[key]
	if !ok {
		return nil, false
	}
	var nested jsonObject
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, false
	}
	return nested, true
}

// value 取字段值，缺失或 null 视为不存在
func (o jsonObject) value(key string) (any, bool) {
	raw, ok := o[key]
	if !ok {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || v == nil {
		return nil, false
	}
	return v, true
}

// FlattenSnapshot 把 /vehicles 响应拍平成状态更新列表
// 首条永远是 vehicleJSON（原始响应原样保存），之后每个来源字段只在存在时才产出对应键，
// 缺失字段不产出任何条目（设备上的旧值保持不变）
// 整体解析失败返回 nil，按"本轮无可用数据"处理
func FlattenSnapshot(raw []byte) []device.StateUpdate {
	var records []jsonObject
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil
	}

	updates := []device.StateUpdate{{Key: "vehicleJSON", Value: string(raw)}}

	emit := func(obj jsonObject, field, key string) {
		if v, ok := obj.value(field); ok {
			updates = append(updates, device.StateUpdate{Key: key, Value: v})
		}
	}

	for _, rec := range records {
		if model, ok := rec.object("model"); ok {
			emit(model, "make", "model-make")
			emit(model, "name", "model-name")
			emit(model, "year", "model-year")
		}
		emit(rec, "nickname", "nickname")
		emit(rec, "standardEngine", "standardEngine")
		emit(rec, "vin", "vin")
		emit(rec, "imei", "imei")

		stats, ok := rec.object("stats")
		if !ok {
			continue
		}
		emit(stats, "localTimezone", "stats-localTimezone")
		emit(stats, "lastUpdated", "stats-lastUpdated")
		if loc, ok := stats.object("location"); ok {
			emit(loc, "lat", "stats-location-lat")
			// 来源字段叫 lon，状态键历史上一直是 long
			emit(loc, "lon", "stats-location-long")
			emit(loc, "heading", "stats-location-heading")
			emit(loc, "address", "stats-location-address")
		}
		emit(stats, "fuelLevel", "stats-fuelLevel")
		emit(stats, "isRunning", "stats-isRunning")
		emit(stats, "speed", "stats-speed")
		if mil, ok := stats.object("mil"); ok {
			emit(mil, "milOn", "mil-milOn")
			emit(mil, "lastUpdated", "mil-lastUpdated")
		}
		if bat, ok := stats.object("battery"); ok {
			emit(bat, "status", "battery-status")
			emit(bat, "lastUpdated", "battery-lastUpdated")
		}
	}

	return updates
}

// FlattenWebhook 解析 webhook payload 并产出状态更新
// 每次产出一条 webHookJSON-<eventType>，值为 payload 原文；
// tripStart / tripEnd 事件额外把两个里程数清零（每个行程重新开始进度跟踪）；
// 未知事件类型同样产出通用条目，由调用方记录诊断日志
func FlattenWebhook(payload []byte) (bouncie.WebhookEvent, []device.StateUpdate, error) {
	var evt bouncie.WebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return bouncie.WebhookEvent{}, nil, fmt.Errorf("parse webhook payload: %w", err)
	}
	if evt.EventType == "" {
		return bouncie.WebhookEvent{}, nil, fmt.Errorf("webhook payload has no eventType")
	}

	var updates []device.StateUpdate

	switch evt.EventType {
	case bouncie.EventTripStart, bouncie.EventTripEnd:
		updates = append(updates,
			device.StateUpdate{Key: device.KeyPreviousMilesFromHome, Value: 0.0},
			device.StateUpdate{Key: device.KeyCurrentMilesFromHome, Value: 0.0},
		)
	}

	updates = append(updates, device.StateUpdate{
		Key:   "webHookJSON-" + evt.EventType,
		Value: string(payload),
	})

	return evt, updates, nil
}
