package bouncie

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxRequestAttempts = 3

// 回调 URL 中提取授权码
var authCodeRe = regexp.MustCompile(`code=([0-9a-zA-Z]*)`)

// Client Bouncie API 客户端
// 数据请求统一返回字符串，失败（超时、401 重试耗尽、任何传输错误）时返回空串，
// 错误从不向轮询循环传播
type Client struct {
	httpClient *http.Client
	apiHost    string
	authHost   string
	tokens     *TokenStore
	logger     *zap.Logger

	// 授权配置，续期需要三者齐备
	mu           sync.Mutex
	clientID     string
	clientSecret string
	authCode     string
}

// NewClient 创建 Bouncie API 客户端
func NewClient(apiHost, authHost, clientID, clientSecret, authCode string, tokens *TokenStore, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
		apiHost:      apiHost,
		authHost:     authHost,
		clientID:     clientID,
		clientSecret: clientSecret,
		authCode:     authCode,
		tokens:       tokens,
		logger:       logger,
	}
}

// RequestData 执行带认证的 GET 请求
// 最多 3 次尝试；收到 401 时同步续期一次访问令牌后重试
func (c *Client) RequestData(ctx context.Context, target string, params url.Values) string {
	for attempt := 0; attempt < maxRequestAttempts; attempt++ {
		cred, ok := c.tokens.Get()
		if !ok {
			c.logger.Error("No access token available, please authorize", zap.String("target", target))
			return ""
		}

		reqURL := c.apiHost + "/" + target
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			c.logger.Error("Failed to build request", zap.String("target", target), zap.Error(err))
			return ""
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", cred.AccessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Error("Bouncie request failed", zap.String("target", target), zap.Error(err))
			return ""
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			c.logger.Error("Failed to read response body", zap.String("target", target), zap.Error(err))
			return ""
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return string(body)
		case resp.StatusCode == http.StatusUnauthorized:
			// 访问令牌过期？续期后重试
			c.RenewAccessToken(ctx)
		default:
			c.logger.Warn("Bouncie request returned non-200",
				zap.String("target", target),
				zap.Int("status", resp.StatusCode))
		}
	}

	return ""
}

// RequestVehicle 获取单辆车的快照
func (c *Client) RequestVehicle(ctx context.Context, imei string) string {
	params := url.Values{}
	params.Set("imei", imei)
	return c.RequestData(ctx, "vehicles", params)
}

// RequestVehicles 获取全部车辆
func (c *Client) RequestVehicles(ctx context.Context) string {
	return c.RequestData(ctx, "vehicles", nil)
}

// RequestTrips 获取行程数据
// gps-format 可为 geojson 或 polyline，这里固定 geojson
func (c *Client) RequestTrips(ctx context.Context, imei string) string {
	params := url.Values{}
	params.Set("imei", imei)
	params.Set("gps-format", "geojson")
	return c.RequestData(ctx, "trips", params)
}

// ExchangeAuthorizationCode 用授权码换取访问令牌
// 返回令牌接口的原始响应体，失败返回空串
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code, clientID, clientSecret string) string {
	form := url.Values{}
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", "http://localhost/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authHost+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		c.logger.Error("Failed to build token request", zap.Error(err))
		return ""
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", "bouncegazer/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Token request failed", zap.Error(err))
		return ""
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("Failed to read token response", zap.Error(err))
		return ""
	}

	return string(body)
}

// RenewAccessToken 用已保存的授权配置续期访问令牌
// 失败只记日志，后续请求会继续收到 401 直到重新授权
func (c *Client) RenewAccessToken(ctx context.Context) bool {
	c.mu.Lock()
	code, clientID, clientSecret := c.authCode, c.clientID, c.clientSecret
	c.mu.Unlock()

	if code == "" || clientID == "" || clientSecret == "" {
		c.logger.Error("Cannot renew access token: authorization not configured")
		return false
	}

	data := c.ExchangeAuthorizationCode(ctx, code, clientID, clientSecret)

	if err := c.tokens.Save([]byte(data)); err != nil {
		c.logger.Error("Unable to automatically renew access token, please re-authorize", zap.Error(err))
		return false
	}

	c.logger.Info("Access token renewed")
	return true
}

// SetAuthorization 更新授权配置（交互式授权完成后调用）
func (c *Client) SetAuthorization(code, clientID, clientSecret string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authCode = code
	if clientID != "" {
		c.clientID = clientID
	}
	if clientSecret != "" {
		c.clientSecret = clientSecret
	}
}

// AdoptAuthorization 换取并保存访问令牌，成功后记住授权配置用于后续续期
func (c *Client) AdoptAuthorization(ctx context.Context, code, clientID, clientSecret string) error {
	if clientID == "" || clientSecret == "" {
		c.mu.Lock()
		if clientID == "" {
			clientID = c.clientID
		}
		if clientSecret == "" {
			clientSecret = c.clientSecret
		}
		c.mu.Unlock()
	}

	data := c.ExchangeAuthorizationCode(ctx, code, clientID, clientSecret)
	if data == "" {
		return fmt.Errorf("token endpoint returned no data")
	}

	if err := c.tokens.Save([]byte(data)); err != nil {
		return err
	}

	c.SetAuthorization(code, clientID, clientSecret)
	return nil
}

// AuthorizationURL 构造交互式授权地址，在浏览器中打开
func (c *Client) AuthorizationURL(clientID string) string {
	return fmt.Sprintf(
		"%s/dialog/authorize?client_id=%s&redirect_uri=http://localhost/&response_type=code&state=initBouncieAuth",
		c.authHost, url.QueryEscape(clientID),
	)
}

// ExtractAuthCode 从回调 URL 中提取授权码
func ExtractAuthCode(callbackURL string) (string, bool) {
	m := authCodeRe.FindStringSubmatch(callbackURL)
	if m == nil || m[1] == "" {
		return "", false
	}
	return m[1], true
}
