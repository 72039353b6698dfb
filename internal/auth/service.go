package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"AgentHive-Chain/pkg/logger"
)

// Service 负责根据 API Key 校验请求身份。
type Service struct {
	mode  Mode
	keys  map[string]*Subject
	audit *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:  mode,
		keys:  make(map[string]*Subject),
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeAPIKey:
		if len(cfg.Keys) == 0 {
			return nil, errors.New("apikey mode requires at least one key")
		}
		for _, key := range cfg.Keys {
			raw := strings.TrimSpace(key.Key)
			if raw == "" {
				return nil, fmt.Errorf("api key for %q is empty", key.Name)
			}
			digest := hashKey(raw)
			if _, ok := svc.keys[digest]; ok {
				return nil, fmt.Errorf("duplicate api key for %q", key.Name)
			}
			subject := &Subject{
				Name:     key.Name,
				Scopes:   append([]string(nil), key.Scopes...),
				Disabled: key.Disabled,
			}
			subject.normalise()
			svc.keys[digest] = subject
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 校验 Authorization 头并返回对应的主体信息。
func (s *Service) AuthenticateRequest(authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	subject, ok := s.keys[hashKey(token)]
	if !ok {
		return nil, ErrInvalidToken
	}
	if subject.Disabled {
		return nil, ErrSubjectRevoked
	}
	return subject.Clone(), nil
}

// hashKey 使用 SHA-256 摘要避免在内存中保留明文密钥索引。
func hashKey(key string) string {
	digest := sha256.Sum256([]byte(key))
	return hex.EncodeToString(digest[:])
}
