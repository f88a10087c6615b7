package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/bouncegazer/internal/api/bouncie"
	"github.com/langchou/bouncegazer/internal/api/gmaps"
	"github.com/langchou/bouncegazer/internal/config"
	"github.com/langchou/bouncegazer/internal/device"
	"github.com/langchou/bouncegazer/internal/normalize"
	"github.com/langchou/bouncegazer/internal/progress"
	"github.com/langchou/bouncegazer/internal/state"
	"github.com/langchou/bouncegazer/internal/trigger"
)

// 无法定位时的占位值
const unknownValue = "Unknown"

// VehicleService 车辆服务：轮询循环 + webhook 处理 + ETA/地址动作
type VehicleService struct {
	cfg           *config.Config
	logger        *zap.Logger
	bouncieClient *bouncie.Client
	mapsClient    *gmaps.Client
	devices       *device.Registry
	triggers      *trigger.Registry
	stateManager  *state.Manager

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewVehicleService 创建车辆服务
func NewVehicleService(
	cfg *config.Config,
	logger *zap.Logger,
	bouncieClient *bouncie.Client,
	mapsClient *gmaps.Client,
	devices *device.Registry,
	triggers *trigger.Registry,
) *VehicleService {
	svc := &VehicleService{
		cfg:           cfg,
		logger:        logger,
		bouncieClient: bouncieClient,
		mapsClient:    mapsClient,
		devices:       devices,
		triggers:      triggers,
	}

	// 连接状态变化发布到设备状态
	svc.stateManager = state.NewManager(func(imei, from, to string) {
		logger.Info("Vehicle connection state changed",
			zap.String("imei", imei),
			zap.String("from", from),
			zap.String("to", to))
		devices.PublishStates(imei, []device.StateUpdate{{Key: "connectionState", Value: to}})
	})

	return svc
}

// Start 启动服务
func (s *VehicleService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Vehicle service already running, skipping start")
		return nil
	}
	s.stopCh = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	s.logger.Info("Starting vehicle service",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Bool("use_webhooks", s.cfg.UseWebhooks))

	// 同步车辆列表（失败不阻止启动，轮询时还会重试各设备）
	if err := s.SyncVehicles(ctx); err != nil {
		s.logger.Warn("Initial vehicle sync failed", zap.Error(err))
	}

	s.wg.Add(1)
	go s.pollLoop(ctx)

	s.logger.Info("Vehicle service started, polling loop running")
	return nil
}

// Stop 停止服务
func (s *VehicleService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping vehicle service")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Vehicle service stopped")
}

// SyncVehicles 从 Bouncie 拉取车辆列表并注册设备
func (s *VehicleService) SyncVehicles(ctx context.Context) error {
	data := s.bouncieClient.RequestVehicles(ctx)
	if data == "" {
		return fmt.Errorf("no vehicle data from bouncie")
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var vehicles []bouncie.Vehicle
	if err := dec.Decode(&vehicles); err != nil {
		return fmt.Errorf("decode vehicles: %w", err)
	}

	for i := range vehicles {
		v := &vehicles[i]
		if v.IMEI == nil || *v.IMEI == "" {
			s.logger.Warn("Vehicle record without imei, skipping")
			continue
		}
		s.devices.Ensure(*v.IMEI, v.DisplayName())
		s.stateManager.GetOrCreate(*v.IMEI)
		s.logger.Info("Synced vehicle",
			zap.String("imei", *v.IMEI),
			zap.String("name", v.DisplayName()))
	}

	return nil
}

// pollLoop 单个后台轮询循环，固定间隔，直到取消信号
func (s *VehicleService) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	// 启动时立即执行一次轮询
	s.pollAllVehicles(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollAllVehicles(ctx)
		}
	}
}

// pollAllVehicles 轮询所有已注册设备
// 任何单台设备的失败只记日志并跳过，循环必须无限存活
func (s *VehicleService) pollAllVehicles(ctx context.Context) {
	for _, dev := range s.devices.List() {
		imei := dev.IMEI
		if imei == "" {
			s.logger.Error("Problem with device configuration, unable to get imei")
			continue
		}

		data := s.bouncieClient.RequestVehicle(ctx, imei)
		if data == "" {
			s.logger.Error("Problem getting vehicle data", zap.String("imei", imei))
			continue
		}

		updates := normalize.FlattenSnapshot([]byte(data))
		if updates == nil {
			s.logger.Error("Unparseable vehicle snapshot", zap.String("imei", imei))
			continue
		}

		s.devices.PublishStates(imei, updates)
	}
}

// HandleWebhook 处理一个 webhook 投递信封
// 信封的 payload 字段本身是 JSON 字符串，需要二次解析
func (s *VehicleService) HandleWebhook(ctx context.Context, raw []byte) error {
	var envelope bouncie.WebhookEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("parse webhook envelope: %w", err)
	}

	evt, updates, err := normalize.FlattenWebhook([]byte(envelope.Payload))
	if err != nil {
		return err
	}

	s.logger.Debug("Webhook received",
		zap.String("event_type", evt.EventType),
		zap.String("imei", evt.IMEI))

	dev, ok := s.devices.Lookup(evt.IMEI)
	if !ok {
		s.logger.Debug("No matching device for webhook imei", zap.String("imei", evt.IMEI))
		return nil
	}

	if !bouncie.KnownEventType(evt.EventType) {
		s.logger.Debug("Unknown webhook eventType",
			zap.String("device", dev.Name),
			zap.String("event_type", evt.EventType),
			zap.String("payload", envelope.Payload))
	}

	s.devices.PublishStates(evt.IMEI, updates)

	// 连接/行程状态机，乱序事件忽略
	machine := s.stateManager.GetOrCreate(evt.IMEI)
	if bouncie.KnownEventType(evt.EventType) && !machine.Apply(evt.EventType) {
		s.logger.Debug("Webhook event did not transition connection state",
			zap.String("imei", evt.IMEI),
			zap.String("event_type", evt.EventType),
			zap.String("state", machine.Current()))
	}

	s.triggers.Dispatch(evt.EventType, evt.IMEI)
	return nil
}

// latLongReading 一次位置读数
type latLongReading struct {
	CSV       string
	Timestamp string
	Timezone  string
}

// latLongData 取设备最近的位置读数
// 优先用 tripData webhook 的首个轨迹点，否则退回快照里的 stats-location
func (s *VehicleService) latLongData(dev *device.Device) (latLongReading, bool) {
	if raw, ok := dev.State("webHookJSON-" + bouncie.EventTripData); ok {
		var tripData bouncie.TripDataEvent
		if err := json.Unmarshal([]byte(fmt.Sprintf("%v", raw)), &tripData); err == nil &&
			len(tripData.Data) > 0 && tripData.Data[0].GPS != nil {
			point := tripData.Data[0]
			return latLongReading{
				CSV:       fmt.Sprintf("%v,%v", point.GPS.Lat, point.GPS.Lon),
				Timestamp: point.Timestamp,
				Timezone:  point.Timezone,
			}, true
		}
	}

	lat, latOK := dev.State("stats-location-lat")
	long, longOK := dev.State("stats-location-long")
	if !latOK || !longOK {
		return latLongReading{}, false
	}

	timestamp := ""
	if v, ok := dev.State("stats-lastUpdated"); ok {
		timestamp = fmt.Sprintf("%v", v)
	}

	return latLongReading{
		CSV:       fmt.Sprintf("%v,%v", lat, long),
		Timestamp: timestamp,
		Timezone:  "",
	}, true
}

// UpdateETA 计算到家 ETA 并发布到设备状态
// 所有失败都以 ETA=Unknown 收场，从不返回错误到轮询路径
func (s *VehicleService) UpdateETA(ctx context.Context, imei string) string {
	dev, ok := s.devices.Lookup(imei)
	if !ok {
		return unknownValue
	}

	s.logger.Debug("Updating ETA", zap.String("device", dev.Name))

	reading, ok := s.latLongData(dev)
	if !ok {
		s.devices.PublishStates(imei, []device.StateUpdate{{Key: "ETA", Value: unknownValue}})
		return unknownValue
	}

	matrix, raw, err := s.mapsClient.DistanceMatrix(ctx, reading.CSV, s.cfg.HomeAddress)
	if err != nil {
		s.logger.Error("Location unknown, distance matrix calculation failed", zap.Error(err))
		s.devices.PublishStates(imei, []device.StateUpdate{{Key: "ETA", Value: unknownValue}})
		return unknownValue
	}

	s.devices.PublishStates(imei, []device.StateUpdate{{Key: "googleapis-distancematrix", Value: raw}})

	// 响应能解析但没有可用元素（配额拒绝、起终点无法匹配）不算一次读数，
	// 否则 0 英里会被当作到家，误触发 approaching_home
	miles, ok := matrix.Miles()
	if !ok {
		s.logger.Error("Distance matrix response has no usable element",
			zap.String("device", dev.Name),
			zap.String("status", matrix.Status))
		s.devices.PublishStates(imei, []device.StateUpdate{{Key: "ETA", Value: unknownValue}})
		return unknownValue
	}
	s.devices.PublishStates(imei, []device.StateUpdate{{Key: device.KeyCurrentMilesFromHome, Value: miles}})

	// 进度跟踪：与上次记录的距离比较，合格的改善触发 approaching_home
	previous, _ := dev.MilesFromHome()
	fire, newPrevious := progress.Evaluate(previous, miles)
	if newPrevious != previous {
		s.devices.PublishStates(imei, []device.StateUpdate{{Key: device.KeyPreviousMilesFromHome, Value: newPrevious}})
	}
	if fire {
		s.triggers.Dispatch(trigger.EventApproachingHome, imei)
	} else if newPrevious == previous {
		s.logger.Debug("Skipping due to lack of progress towards home",
			zap.Float64("percent_change", progress.PercentChange(previous, miles)))
	}

	durationText, durationSeconds, ok := matrix.Duration()
	if !ok {
		s.devices.PublishStates(imei, []device.StateUpdate{{Key: "ETA", Value: unknownValue}})
		return unknownValue
	}

	arrival, err := progress.ComposeETA(reading.Timestamp, reading.Timezone, durationSeconds)
	if err != nil {
		s.logger.Error("ETA calculation failed", zap.Error(err))
		s.devices.PublishStates(imei, []device.StateUpdate{{Key: "ETA", Value: unknownValue}})
		return unknownValue
	}

	eta := fmt.Sprintf("%s / %v miles from home, ETA %s", durationText, miles, arrival.Format("03:04 PM"))

	updates := []device.StateUpdate{{Key: "ETA", Value: eta}}
	if origin, ok := matrix.Origin(); ok {
		updates = append(updates, device.StateUpdate{Key: "formatted_address", Value: origin})
	}
	s.devices.PublishStates(imei, updates)

	s.logger.Debug("ETA updated", zap.String("device", dev.Name), zap.String("eta", eta))
	return eta
}

// UpdateAddress 逆地理编码当前位置并发布街道名
func (s *VehicleService) UpdateAddress(ctx context.Context, imei string) string {
	dev, ok := s.devices.Lookup(imei)
	if !ok {
		return unknownValue
	}

	s.logger.Debug("Updating address", zap.String("device", dev.Name))

	reading, ok := s.latLongData(dev)
	if !ok {
		s.devices.PublishStates(imei, []device.StateUpdate{{Key: "currentStreet", Value: unknownValue}})
		return unknownValue
	}

	geocode, raw, err := s.mapsClient.Geocode(ctx, reading.CSV)
	if err != nil {
		s.logger.Error("Location unknown, geocode failed", zap.Error(err))
		s.devices.PublishStates(imei, []device.StateUpdate{{Key: "currentStreet", Value: unknownValue}})
		return unknownValue
	}

	updates := []device.StateUpdate{{Key: "googleapis-geocode", Value: raw}}
	if formatted, ok := geocode.FormattedAddress(); ok {
		updates = append(updates, device.StateUpdate{Key: "formatted_address", Value: formatted})
	}

	street := unknownValue
	if route, ok := geocode.Route(); ok {
		street = route
	}
	updates = append(updates, device.StateUpdate{Key: "currentStreet", Value: street})

	s.devices.PublishStates(imei, updates)

	s.logger.Debug("Address updated", zap.String("device", dev.Name), zap.String("street", street))
	return street
}

// ConnectionStates 所有车辆的连接状态
func (s *VehicleService) ConnectionStates() map[string]string {
	return s.stateManager.States()
}
