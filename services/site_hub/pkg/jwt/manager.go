package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/EthanQC/fieldsync/pkg/protocol"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims subject 为 userId，附带展示名与角色
type Claims struct {
	UserName string        `json:"name,omitempty"`
	Role     protocol.Role `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Manager 负责 JWT 的签发与解析
type Manager struct {
	secret []byte
	issuer string
}

// NewManager 用给定的 secret 构造 Manager
func NewManager(secret, issuer string) *Manager {
	return &Manager{secret: []byte(secret), issuer: issuer}
}

// Generate 签发 token，只用于开发环境与测试，生产 token 由外部身份服务签发
func (m *Manager) Generate(userID, userName string, role protocol.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserName: userName,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Parse 验签并解析，subject 不能为空
func (m *Manager) Parse(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return claims, nil
}
