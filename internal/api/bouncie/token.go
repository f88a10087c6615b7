package bouncie

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Credential 当前访问凭证，整体替换、从不局部修改
type Credential struct {
	AccessToken string `json:"access_token"`

	// 令牌接口的原始响应，原样持久化
	Raw string `json:"-"`
}

// TokenStore 凭证存储
// 凭证以 token 接口返回的原始 JSON 形式落盘（单个不透明 blob）
type TokenStore struct {
	mu     sync.Mutex
	path   string
	cred   *Credential
	logger *zap.Logger
}

// NewTokenStore 创建凭证存储
func NewTokenStore(path string, logger *zap.Logger) *TokenStore {
	return &TokenStore{
		path:   path,
		logger: logger,
	}
}

// Load 从磁盘加载已有凭证
// 文件缺失或内容不可解析时视为无凭证，不算错误
func (s *TokenStore) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	cred, err := parseCredential(data)
	if err != nil {
		s.logger.Warn("Stored token blob is not usable", zap.Error(err))
		return nil
	}

	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
	return nil
}

// Get 返回当前凭证，不存在时 ok 为 false
func (s *TokenStore) Get() (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred == nil {
		return Credential{}, false
	}
	return *s.cred, true
}

// Save 校验并持久化新的令牌响应
// access_token 缺失或为空时返回错误，已有凭证保持不变
func (s *TokenStore) Save(raw []byte) error {
	cred, err := parseCredential(raw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.path, raw, 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	s.cred = cred
	return nil
}

func parseCredential(raw []byte) (*Credential, error) {
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}
	cred.Raw = string(raw)
	return &cred, nil
}
