package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/langchou/bouncegazer/internal/api/bouncie"
	"github.com/langchou/bouncegazer/internal/config"
	"github.com/langchou/bouncegazer/internal/device"
	"github.com/langchou/bouncegazer/internal/service"
	"github.com/langchou/bouncegazer/internal/trigger"
	"github.com/langchou/bouncegazer/pkg/ws"
)

// Handler HTTP 处理器
type Handler struct {
	logger         *zap.Logger
	cfg            *config.Config
	devices        *device.Registry
	triggers       *trigger.Registry
	bouncieClient  *bouncie.Client
	vehicleService *service.VehicleService
	wsHub          *ws.Hub
	upgrader       websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(
	logger *zap.Logger,
	cfg *config.Config,
	devices *device.Registry,
	triggers *trigger.Registry,
	bouncieClient *bouncie.Client,
	vehicleService *service.VehicleService,
	wsHub *ws.Hub,
) *Handler {
	return &Handler{
		logger:         logger,
		cfg:            cfg,
		devices:        devices,
		triggers:       triggers,
		bouncieClient:  bouncieClient,
		vehicleService: vehicleService,
		wsHub:          wsHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// Webhook 接收端（仅在启用时暴露）
	if h.cfg.UseWebhooks {
		r.POST("/bouncie-webhook", h.HandleWebhook)
	}

	api := r.Group("/api")
	{
		// 设备
		api.GET("/devices", h.ListDevices)
		api.GET("/devices/:imei/state", h.GetDeviceState)
		api.GET("/devices/:imei/trips", h.GetDeviceTrips)

		// 动作
		api.POST("/devices/:imei/eta", h.UpdateETA)
		api.POST("/devices/:imei/address", h.UpdateAddress)

		// 触发器
		api.GET("/triggers", h.ListTriggers)
		api.POST("/triggers", h.RegisterTrigger)
		api.DELETE("/triggers/:id", h.UnregisterTrigger)

		// 授权
		api.GET("/auth/url", h.AuthorizationURL)
		api.POST("/auth/exchange", h.ExchangeToken)
	}

	// WebSocket
	r.GET("/ws", h.HandleWebSocket)

	// 健康检查
	r.GET("/health", h.HealthCheck)
}

// HandleWebhook 接收 webhook 投递信封
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}

	if err := h.vehicleService.HandleWebhook(c.Request.Context(), body); err != nil {
		h.logger.Warn("Webhook rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook envelope"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListDevices 获取设备列表
func (h *Handler) ListDevices(c *gin.Context) {
	type deviceInfo struct {
		IMEI string `json:"imei"`
		Name string `json:"name"`
	}

	devices := h.devices.List()
	out := make([]deviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceInfo{IMEI: d.IMEI, Name: d.Name})
	}

	c.JSON(http.StatusOK, gin.H{"data": out})
}

// GetDeviceState 获取设备状态表
func (h *Handler) GetDeviceState(c *gin.Context) {
	dev, ok := h.devices.Lookup(c.Param("imei"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": dev.States()})
}

// GetDeviceTrips 透传 Bouncie 行程数据
func (h *Handler) GetDeviceTrips(c *gin.Context) {
	imei := c.Param("imei")
	if _, ok := h.devices.Lookup(imei); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	data := h.bouncieClient.RequestTrips(c.Request.Context(), imei)
	if data == "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Problem getting trips data"})
		return
	}

	c.Data(http.StatusOK, "application/json", []byte(data))
}

// UpdateETA 计算并返回到家 ETA
func (h *Handler) UpdateETA(c *gin.Context) {
	imei := c.Param("imei")
	if _, ok := h.devices.Lookup(imei); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	eta := h.vehicleService.UpdateETA(c.Request.Context(), imei)
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"eta": eta}})
}

// UpdateAddress 逆地理编码当前位置并返回街道名
func (h *Handler) UpdateAddress(c *gin.Context) {
	imei := c.Param("imei")
	if _, ok := h.devices.Lookup(imei); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	street := h.vehicleService.UpdateAddress(c.Request.Context(), imei)
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"currentStreet": street}})
}

// ListTriggers 获取触发器列表
func (h *Handler) ListTriggers(c *gin.Context) {
	type triggerInfo struct {
		ID        string `json:"id"`
		EventType string `json:"eventType"`
		IMEI      string `json:"imei"`
	}

	triggers := h.triggers.List()
	out := make([]triggerInfo, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, triggerInfo{ID: t.ID, EventType: t.EventType, IMEI: t.IMEI})
	}

	c.JSON(http.StatusOK, gin.H{"data": out})
}

// RegisterTrigger 注册触发器
func (h *Handler) RegisterTrigger(c *gin.Context) {
	var req struct {
		ID        string `json:"id" binding:"required"`
		EventType string `json:"eventType" binding:"required"`
		IMEI      string `json:"imei" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	h.triggers.Register(trigger.Trigger{ID: req.ID, EventType: req.EventType, IMEI: req.IMEI})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// UnregisterTrigger 注销触发器
func (h *Handler) UnregisterTrigger(c *gin.Context) {
	h.triggers.Unregister(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AuthorizationURL 返回交互式授权地址
func (h *Handler) AuthorizationURL(c *gin.Context) {
	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = h.cfg.ClientID
	}
	if clientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "clientId required"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"url": h.bouncieClient.AuthorizationURL(clientID)}})
}

// ExchangeToken 用授权码（或回调 URL）换取访问令牌
func (h *Handler) ExchangeToken(c *gin.Context) {
	var req struct {
		Code         string `json:"code"`
		CallbackURL  string `json:"callbackURL"`
		ClientID     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	code := req.Code
	if code == "" {
		extracted, ok := bouncie.ExtractAuthCode(req.CallbackURL)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid URL format, code not found"})
			return
		}
		code = extracted
	}

	if err := h.bouncieClient.AdoptAuthorization(c.Request.Context(), code, req.ClientID, req.ClientSecret); err != nil {
		h.logger.Error("Authorization code exchange failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Unable to save access token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleWebSocket WebSocket 升级
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Register()

	go client.WritePump()
	go client.ReadPump()
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"devices": len(h.devices.List()),
	})
}
