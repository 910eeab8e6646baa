package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 预定义错误
var (
	ErrInvalidConfig  = errors.New("auth: invalid config")
	ErrMissingToken   = errors.New("auth: token missing")
	ErrInvalidToken   = errors.New("auth: token invalid")
	ErrMissingSubject = errors.New("auth: token has no subject")
)

// Claims 令牌声明，sub 为用户 ID
type Claims struct {
	jwt.RegisteredClaims
}

// Config JWT 鉴权配置
type Config struct {
	Secret         string        // HMAC 密钥
	Issuer         string        // 签发方，非空时校验 iss
	QueryParam     string        // 查询参数名，浏览器无法设置 Authorization 头时使用
	AllowAnonymous bool          // 未携带令牌时按匿名连接放行
	Leeway         time.Duration // 时间校验容差
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		QueryParam:     "token",
		AllowAnonymous: true,
		Leeway:         5 * time.Second,
	}
}

// JWTAuthenticator HS256 令牌鉴权
type JWTAuthenticator struct {
	secret []byte
	config Config
	parser *jwt.Parser
}

// NewJWTAuthenticator 创建鉴权器
func NewJWTAuthenticator(cfg Config) (*JWTAuthenticator, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("%w: secret is required", ErrInvalidConfig)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &JWTAuthenticator{
		secret: []byte(cfg.Secret),
		config: cfg,
		parser: jwt.NewParser(opts...),
	}, nil
}

// ParseToken 校验令牌并返回用户 ID
func (a *JWTAuthenticator) ParseToken(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}
	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrMissingSubject
	}
	return claims.Subject, nil
}

// Authenticate 从 Authorization 头或查询参数读取令牌
func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	tokenString := TokenFromRequest(r, a.config.QueryParam)
	if tokenString == "" {
		if a.config.AllowAnonymous {
			return "", nil
		}
		return "", ErrMissingToken
	}
	return a.ParseToken(tokenString)
}

// IssueToken 签发令牌
func (a *JWTAuthenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// TokenFromRequest 提取 Bearer 令牌，缺省时回退到查询参数
func TokenFromRequest(r *http.Request, queryParam string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if queryParam != "" {
		return r.URL.Query().Get(queryParam)
	}
	return ""
}
