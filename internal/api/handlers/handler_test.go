package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/langchou/bouncegazer/internal/api/bouncie"
	"github.com/langchou/bouncegazer/internal/api/gmaps"
	"github.com/langchou/bouncegazer/internal/config"
	"github.com/langchou/bouncegazer/internal/device"
	"github.com/langchou/bouncegazer/internal/service"
	"github.com/langchou/bouncegazer/internal/trigger"
	"github.com/langchou/bouncegazer/pkg/ws"
)

func newTestRouter(t *testing.T, cfg *config.Config, apiHost, authHost string) (*gin.Engine, *device.Registry, *trigger.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	if cfg == nil {
		cfg = &config.Config{
			PollInterval: 5 * time.Second,
			UseWebhooks:  true,
			ClientID:     "client-id",
		}
	}

	tokens := bouncie.NewTokenStore(filepath.Join(t.TempDir(), "token.json"), logger)
	require.NoError(t, tokens.Save([]byte(`{"access_token":"test-token"}`)))
	bouncieClient := bouncie.NewClient(apiHost, authHost, "client-id", "client-secret", "auth-code", tokens, logger)
	mapsClient := gmaps.NewClient("", logger)

	devices := device.NewRegistry(logger)
	triggers := trigger.NewRegistry(trigger.NewLogExecutor(logger), logger)
	svc := service.NewVehicleService(cfg, logger, bouncieClient, mapsClient, devices, triggers)

	h := NewHandler(logger, cfg, devices, triggers, bouncieClient, svc, ws.NewHub(logger))

	r := gin.New()
	h.RegisterRoutes(r)
	return r, devices, triggers
}

func perform(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	r, devices, _ := newTestRouter(t, nil, "http://unused", "http://unused")
	devices.Ensure("12345", "car")

	w := perform(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(1), resp["devices"])
}

func TestWebhookEndpoint(t *testing.T) {
	r, devices, _ := newTestRouter(t, nil, "http://unused", "http://unused")
	devices.Ensure("X", "car")

	envelope, err := json.Marshal(bouncie.WebhookEnvelope{
		Payload: `{"eventType":"connect","imei":"X"}`,
	})
	require.NoError(t, err)

	w := perform(r, http.MethodPost, "/bouncie-webhook", string(envelope))
	assert.Equal(t, http.StatusOK, w.Code)

	dev, ok := devices.Lookup("X")
	require.True(t, ok)
	stored, ok := dev.State("webHookJSON-connect")
	require.True(t, ok)
	assert.Equal(t, `{"eventType":"connect","imei":"X"}`, stored)
}

func TestWebhookEndpointRejectsGarbage(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, "http://unused", "http://unused")

	w := perform(r, http.MethodPost, "/bouncie-webhook", "not json at all")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRouteAbsentWhenDisabled(t *testing.T) {
	cfg := &config.Config{PollInterval: 5 * time.Second, UseWebhooks: false}
	r, _, _ := newTestRouter(t, cfg, "http://unused", "http://unused")

	w := perform(r, http.MethodPost, "/bouncie-webhook", "{}")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeviceEndpoints(t *testing.T) {
	r, devices, _ := newTestRouter(t, nil, "http://unused", "http://unused")
	devices.Ensure("12345", "My Car")
	devices.PublishStates("12345", []device.StateUpdate{{Key: "vin", Value: "V123"}})

	w := perform(r, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"imei":"12345"`)
	assert.Contains(t, w.Body.String(), `"name":"My Car"`)

	w = perform(r, http.MethodGet, "/api/devices/12345/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"vin":"V123"`)

	w = perform(r, http.MethodGet, "/api/devices/unknown/state", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTripsEndpoint(t *testing.T) {
	trips := `[{"transactionId":"t-1","distance":6.7,"gps":{"type":"LineString","coordinates":[]}}]`
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.Equal(t, "/trips", req.URL.Path)
		assert.Equal(t, "12345", req.URL.Query().Get("imei"))
		assert.Equal(t, "geojson", req.URL.Query().Get("gps-format"))
		w.Write([]byte(trips))
	}))
	defer api.Close()

	r, devices, _ := newTestRouter(t, nil, api.URL, "http://unused")
	devices.Ensure("12345", "car")

	w := perform(r, http.MethodGet, "/api/devices/12345/trips", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, trips, w.Body.String())

	w = perform(r, http.MethodGet, "/api/devices/missing/trips", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestETAEndpointUnknownDevice(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, "http://unused", "http://unused")

	w := perform(r, http.MethodPost, "/api/devices/nope/eta", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestETAEndpointWithoutLocation(t *testing.T) {
	r, devices, _ := newTestRouter(t, nil, "http://unused", "http://unused")
	devices.Ensure("12345", "car")

	w := perform(r, http.MethodPost, "/api/devices/12345/eta", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"eta":"Unknown"`)
}

func TestTriggerCRUD(t *testing.T) {
	r, _, triggers := newTestRouter(t, nil, "http://unused", "http://unused")

	w := perform(r, http.MethodPost, "/api/triggers", `{"id":"t1","eventType":"tripEnd","imei":"X"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, triggers.List(), 1)

	w = perform(r, http.MethodGet, "/api/triggers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"eventType":"tripEnd"`)

	w = perform(r, http.MethodPost, "/api/triggers", `{"id":"t2"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(r, http.MethodDelete, "/api/triggers/t1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, triggers.List())

	// 注销不存在的触发器也返回 ok
	w = perform(r, http.MethodDelete, "/api/triggers/missing", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthorizationURLEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, "http://unused", "http://unused")

	w := perform(r, http.MethodGet, "/api/auth/url", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "client_id=client-id")
	assert.Contains(t, w.Body.String(), "initBouncieAuth")
}

func TestExchangeTokenEndpoint(t *testing.T) {
	var gotForm url.Values
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseForm())
		gotForm = req.PostForm
		w.Write([]byte(`{"access_token":"fresh-token"}`))
	}))
	defer auth.Close()

	r, _, _ := newTestRouter(t, nil, "http://unused", auth.URL)

	w := perform(r, http.MethodPost, "/api/auth/exchange",
		`{"callbackURL":"http://localhost/?code=abc123&state=initBouncieAuth"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", gotForm.Get("code"))
	assert.Equal(t, "authorization_code", gotForm.Get("grant_type"))
}

func TestExchangeTokenEndpointBadCallback(t *testing.T) {
	r, _, _ := newTestRouter(t, nil, "http://unused", "http://unused")

	w := perform(r, http.MethodPost, "/api/auth/exchange", `{"callbackURL":"http://localhost/?state=x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
