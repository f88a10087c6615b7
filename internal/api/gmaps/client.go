// Package gmaps Google Maps 距离矩阵与地理编码客户端
package gmaps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const baseURL = "https://maps.googleapis.com/maps/api"

// Client Google Maps API 客户端
type Client struct {
	apiKey     string
	host       string
	httpClient *http.Client
	logger     *zap.Logger

	// 地理编码缓存：避免重复请求相同坐标
	cache   map[string]*geocodeEntry
	cacheMu sync.RWMutex
}

type geocodeEntry struct {
	resp *GeocodeResponse
	raw  string
}

// DistanceMatrixResponse 距离矩阵响应
type DistanceMatrixResponse struct {
	DestinationAddresses []string `json:"destination_addresses"`
	OriginAddresses      []string `json:"origin_addresses"`
	Rows                 []Row    `json:"rows"`
	Status               string   `json:"status"`
}

// Row 距离矩阵行
type Row struct {
	Elements []Element `json:"elements"`
}

// Element 单个起终点对的结果
type Element struct {
	Distance TextValue `json:"distance"`
	Duration TextValue `json:"duration"`
	Status   string    `json:"status"`
}

// TextValue 带文本表示的数值
type TextValue struct {
	Text  string `json:"text"`
	Value int    `json:"value"`
}

// GeocodeResponse 地理编码响应
type GeocodeResponse struct {
	Results []GeocodeResult `json:"results"`
	Status  string          `json:"status"`
}

// GeocodeResult 单条地理编码结果
type GeocodeResult struct {
	FormattedAddress  string             `json:"formatted_address"`
	AddressComponents []AddressComponent `json:"address_components"`
}

// AddressComponent 地址组成部分
type AddressComponent struct {
	LongName  string   `json:"long_name"`
	ShortName string   `json:"short_name"`
	Types     []string `json:"types"`
}

// NewClient 创建 Google Maps 客户端
func NewClient(apiKey string, logger *zap.Logger) *Client {
	return &Client{
		apiKey: apiKey,
		host:   baseURL,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		logger: logger,
		cache:  make(map[string]*geocodeEntry),
	}
}

// SetHost 覆盖 API 地址（测试用）
func (c *Client) SetHost(host string) {
	c.host = host
}

// IsConfigured 检查是否已配置 API Key
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// DistanceMatrix 查询起点到目的地的距离与耗时（英制单位）
// 返回解析后的响应和原始响应体
func (c *Client) DistanceMatrix(ctx context.Context, origins, destination string) (*DistanceMatrixResponse, string, error) {
	if c.apiKey == "" {
		return nil, "", fmt.Errorf("google maps api key not configured")
	}

	apiURL := fmt.Sprintf(
		"%s/distancematrix/json?origins=%s&destinations=%s&key=%s&units=imperial",
		c.host,
		url.QueryEscape(origins),
		url.QueryEscape(destination),
		url.QueryEscape(c.apiKey),
	)

	raw, err := c.get(ctx, apiURL)
	if err != nil {
		return nil, "", err
	}

	var result DistanceMatrixResponse
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, raw, fmt.Errorf("decode distance matrix response: %w", err)
	}

	c.logger.Debug("Distance matrix lookup",
		zap.String("origins", origins),
		zap.String("status", result.Status))

	return &result, raw, nil
}

// Geocode 根据 "lat,lng" 查询结构化地址
func (c *Client) Geocode(ctx context.Context, latlng string) (*GeocodeResponse, string, error) {
	if c.apiKey == "" {
		return nil, "", fmt.Errorf("google maps api key not configured")
	}

	// 检查缓存
	c.cacheMu.RLock()
	if entry, ok := c.cache[latlng]; ok {
		c.cacheMu.RUnlock()
		return entry.resp, entry.raw, nil
	}
	c.cacheMu.RUnlock()

	apiURL := fmt.Sprintf(
		"%s/geocode/json?latlng=%s&key=%s",
		c.host,
		url.QueryEscape(latlng),
		url.QueryEscape(c.apiKey),
	)

	raw, err := c.get(ctx, apiURL)
	if err != nil {
		return nil, "", err
	}

	var result GeocodeResponse
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, raw, fmt.Errorf("decode geocode response: %w", err)
	}

	// 存入缓存，超过上限清空（简单策略）
	c.cacheMu.Lock()
	if len(c.cache) > 10000 {
		c.cache = make(map[string]*geocodeEntry)
	}
	c.cache[latlng] = &geocodeEntry{resp: &result, raw: raw}
	c.cacheMu.Unlock()

	c.logger.Debug("Geocode lookup",
		zap.String("latlng", latlng),
		zap.String("status", result.Status))

	return &result, raw, nil
}

func (c *Client) get(ctx context.Context, apiURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("google maps api returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return string(body), nil
}

// Miles 提取首个元素的距离，单位非英里时为 0
// 距离文本形如 "6.7 mi"；响应没有可用元素（rows 为空、元素缺 distance、
// 数值解析失败）时 ok 为 false，调用方不得把这种响应当作一次有效读数
func (r *DistanceMatrixResponse) Miles() (miles float64, ok bool) {
	el, found := r.firstElement()
	if !found || el.Distance.Text == "" {
		return 0, false
	}

	parts := strings.Fields(el.Distance.Text)
	if len(parts) != 2 || parts[1] != "mi" {
		return 0, true
	}

	miles, err := strconv.ParseFloat(strings.ReplaceAll(parts[0], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return miles, true
}

// Duration 提取首个元素的耗时文本与秒数
func (r *DistanceMatrixResponse) Duration() (text string, seconds int, ok bool) {
	el, found := r.firstElement()
	if !found {
		return "", 0, false
	}
	return el.Duration.Text, el.Duration.Value, true
}

// Origin 首个起点地址
func (r *DistanceMatrixResponse) Origin() (string, bool) {
	if len(r.OriginAddresses) == 0 {
		return "", false
	}
	return r.OriginAddresses[0], true
}

func (r *DistanceMatrixResponse) firstElement() (*Element, bool) {
	if len(r.Rows) == 0 || len(r.Rows[0].Elements) == 0 {
		return nil, false
	}
	return &r.Rows[0].Elements[0], true
}

// Route 首条结果中类型为 route 的地址组成部分（即街道名）
func (g *GeocodeResponse) Route() (string, bool) {
	if len(g.Results) == 0 {
		return "", false
	}
	for _, component := range g.Results[0].AddressComponents {
		if len(component.Types) > 0 && component.Types[0] == "route" {
			return component.LongName, true
		}
	}
	return "", false
}

// FormattedAddress 首条结果的格式化地址
func (g *GeocodeResponse) FormattedAddress() (string, bool) {
	if len(g.Results) == 0 {
		return "", false
	}
	return g.Results[0].FormattedAddress, true
}
