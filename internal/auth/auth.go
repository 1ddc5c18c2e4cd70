package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "AgentTreasury/internal/errors"
	"AgentTreasury/pkg/logger"
)

const jwtHeaderJSON = `{"alg":"HS256","typ":"JWT"}`

var encodedJWTHeader = base64.RawURLEncoding.EncodeToString([]byte(jwtHeaderJSON))

// Config 描述运营人员令牌服务的配置。
type Config struct {
	TokenSecret string
	TokenTTL    time.Duration
	OperatorIDs []string
}

// claims 是令牌负载。
type claims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Service 为熔断恢复等运营操作签发与校验短时令牌。
// 只有配置中列出的运营人员能够获得令牌。
type Service struct {
	secret    []byte
	ttl       time.Duration
	operators map[string]struct{}
	now       func() time.Time
}

// NewService 构造令牌服务。
func NewService(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运营令牌密钥不能为空")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 15 * time.Minute
	}
	operators := make(map[string]struct{}, len(cfg.OperatorIDs))
	for _, id := range cfg.OperatorIDs {
		if id = strings.TrimSpace(id); id != "" {
			operators[id] = struct{}{}
		}
	}
	return &Service{
		secret:    []byte(cfg.TokenSecret),
		ttl:       cfg.TokenTTL,
		operators: operators,
		now:       time.Now,
	}, nil
}

// WithClock 覆盖时间源，用于测试。
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssueToken 为运营人员签发短时令牌。
func (s *Service) IssueToken(operatorID string) (string, error) {
	if _, ok := s.operators[operatorID]; !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未授权的运营人员",
			xerrors.WithMetadata("operator_id", operatorID))
	}
	now := s.now()
	payload, err := json.Marshal(claims{
		Subject:   operatorID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	body := encodedJWTHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + s.sign(body), nil
}

// Authenticate 校验请求头中的 Bearer 令牌并返回运营人员标识。
// 任何失败都会写安全审计日志。
func (s *Service) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", s.reject(r, "missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))

	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != encodedJWTHeader {
		return "", s.reject(r, "malformed token")
	}
	if !hmac.Equal([]byte(s.sign(parts[0]+"."+parts[1])), []byte(parts[2])) {
		return "", s.reject(r, "bad signature")
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", s.reject(r, "malformed claims")
	}
	var c claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return "", s.reject(r, "malformed claims")
	}
	if s.now().Unix() >= c.ExpiresAt {
		return "", s.reject(r, "token expired")
	}
	if _, ok := s.operators[c.Subject]; !ok {
		return "", s.reject(r, "operator revoked")
	}
	return c.Subject, nil
}

func (s *Service) sign(body string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Service) reject(r *http.Request, reason string) error {
	logger.Security().Warn("operator authentication failed",
		slog.String("path", r.URL.Path),
		slog.String("remote", r.RemoteAddr),
		slog.String("reason", reason))
	return xerrors.New(xerrors.CodeInvalidArgument, "运营令牌无效")
}
