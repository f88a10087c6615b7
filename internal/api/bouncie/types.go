package bouncie

import "encoding/json"

// Webhook 事件类型常量
const (
	EventConnect     = "connect"
	EventDisconnect  = "disconnect"
	EventBattery     = "battery"
	EventMIL         = "mil"
	EventTripStart   = "tripStart"
	EventTripData    = "tripData"
	EventTripMetrics = "tripMetrics"
	EventTripEnd     = "tripEnd"
)

// KnownEventType 判断是否为已知的 webhook 事件类型
func KnownEventType(eventType string) bool {
	switch eventType {
	case EventConnect, EventDisconnect, EventBattery, EventMIL,
		EventTripStart, EventTripData, EventTripMetrics, EventTripEnd:
		return true
	}
	return false
}

// Vehicle /vehicles 接口返回的单条车辆记录
// 所有字段均为可选，缺失字段必须与零值区分，因此统一用指针
type Vehicle struct {
	Model          *Model  `json:"model"`
	Nickname       *string `json:"nickname"`
	StandardEngine *string `json:"standardEngine"`
	VIN            *string `json:"vin"`
	IMEI           *string `json:"imei"`
	Stats          *Stats  `json:"stats"`

	// 车辆列表展示用，部分响应里是 nickName
	DisplayNickName *string `json:"nickName"`
}

// Model 车型信息
type Model struct {
	Make *string      `json:"make"`
	Name *string      `json:"name"`
	Year *json.Number `json:"year"`
}

// Stats 车辆实时统计
type Stats struct {
	LocalTimezone *string      `json:"localTimezone"`
	LastUpdated   *string      `json:"lastUpdated"`
	Location      *Location    `json:"location"`
	FuelLevel     *json.Number `json:"fuelLevel"`
	IsRunning     *bool        `json:"isRunning"`
	Speed         *json.Number `json:"speed"`
	MIL           *MIL         `json:"mil"`
	Battery       *Battery     `json:"battery"`
}

// Location GPS 位置
type Location struct {
	Lat     *json.Number `json:"lat"`
	Lon     *json.Number `json:"lon"`
	Heading *json.Number `json:"heading"`
	Address *string      `json:"address"`
}

// MIL 故障指示灯状态
type MIL struct {
	MilOn       *bool   `json:"milOn"`
	LastUpdated *string `json:"lastUpdated"`
}

// Battery 电瓶状态
type Battery struct {
	Status      *string `json:"status"`
	LastUpdated *string `json:"lastUpdated"`
}

// WebhookEnvelope webhook 投递信封，payload 本身是再次编码过的 JSON 字符串
type WebhookEnvelope struct {
	Headers map[string]string `json:"headers"`
	Request map[string]any    `json:"request"`
	Payload string            `json:"payload"`
}

// WebhookEvent webhook payload 的公共字段
type WebhookEvent struct {
	EventType string `json:"eventType"`
	IMEI      string `json:"imei"`
	VIN       string `json:"vin"`
}

// TripDataEvent tripData 事件 payload
type TripDataEvent struct {
	EventType string          `json:"eventType"`
	IMEI      string          `json:"imei"`
	Data      []TripDataPoint `json:"data"`
}

// TripDataPoint 行程轨迹点
type TripDataPoint struct {
	Timestamp string   `json:"timestamp"`
	Timezone  string   `json:"timezone"`
	Speed     *float64 `json:"speed"`
	GPS       *TripGPS `json:"gps"`
}

// TripGPS 轨迹点 GPS 数据
type TripGPS struct {
	Lat     json.Number `json:"lat"`
	Lon     json.Number `json:"lon"`
	Heading *int        `json:"heading"`
}

// DisplayName 车辆展示名：优先昵称，否则 "品牌 型号 年份"
func (v *Vehicle) DisplayName() string {
	if v.DisplayNickName != nil && *v.DisplayNickName != "" {
		return *v.DisplayNickName
	}
	if v.Nickname != nil && *v.Nickname != "" {
		return *v.Nickname
	}
	if v.Model != nil {
		name := ""
		if v.Model.Make != nil {
			name = *v.Model.Make
		}
		if v.Model.Name != nil {
			name += " " + *v.Model.Name
		}
		if v.Model.Year != nil {
			name += " " + v.Model.Year.String()
		}
		return name
	}
	return ""
}
