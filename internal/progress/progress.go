// Package progress 回家进度跟踪与 ETA 计算
package progress

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 事件时间戳的两种格式：带与不带小数秒
const (
	layoutFractional = "2006-01-02T15:04:05.999999Z"
	layoutWhole      = "2006-01-02T15:04:05Z"
)

// PercentChange 距离变化百分比
// previous 为 0 时定义为 0（刻意的退化情形，避免除零，不是错误）
func PercentChange(previous, current float64) float64 {
	if previous == 0 {
		return 0
	}
	return (previous - current) / previous * 100
}

// Evaluate 根据相邻两次离家距离判定是否触发 approaching_home
// 变化超过 50% 视为明显朝家行进：记录新基准并触发；
// 到家（current == 0）只记录基准不触发；
// 其余情况基准不动，避免小幅正负波动引起误报。
// previous 为 0 是首次读数，current 直接成为基准。
func Evaluate(previous, current float64) (fire bool, newPrevious float64) {
	if previous == 0 {
		return false, current
	}

	pc := PercentChange(previous, current)
	if pc > 50.0 || current == 0.0 {
		return pc > 50.0, current
	}
	return false, previous
}

// ParseEventTime 解析事件时间戳，可选的 ±HHMM 偏移按小时折算
func ParseEventTime(ts, tzOffset string) (time.Time, error) {
	layout := layoutWhole
	if strings.Contains(ts, ".") {
		layout = layoutFractional
	}

	t, err := time.Parse(layout, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse event time %q: %w", ts, err)
	}

	if len(tzOffset) >= 4 {
		hours, err := strconv.Atoi(tzOffset[len(tzOffset)-4 : len(tzOffset)-2])
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timezone offset %q: %w", tzOffset, err)
		}
		if tzOffset[0] == '-' {
			hours = -hours
		}
		t = t.Add(time.Duration(hours) * time.Hour)
	}

	return t, nil
}

// ComposeETA 到达时间 = 位置读数时间（含偏移）+ 路程耗时
func ComposeETA(ts, tzOffset string, durationSeconds int) (time.Time, error) {
	t, err := ParseEventTime(ts, tzOffset)
	if err != nil {
		return time.Time{}, err
	}
	return t.Add(time.Duration(durationSeconds) * time.Second), nil
}
