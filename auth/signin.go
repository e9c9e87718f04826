// Package auth 实现 StandX 登录换取访问令牌的流程：
// 生成会话 ed25519 密钥 → prepare-signin → 钱包 personal_sign → login。
// 会话公钥的 base58 作为 requestId，login 返回的 token 与会话私钥一起
// 写入 auth 文件供网关签名使用。
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Config 登录服务配置。
type Config struct {
	BaseURL        string `yaml:"base_url"`
	Chain          string `yaml:"chain"`
	ExpiresSeconds int    `yaml:"expires_seconds"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DefaultConfig 线上默认值。
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://api.standx.com",
		Chain:          "bsc",
		ExpiresSeconds: 604800,
		TimeoutSeconds: 15,
	}
}

// SessionKey 一次登录会话的 ed25519 密钥对。
// RequestID 是公钥的 base58，服务端以此绑定后续请求签名。
type SessionKey struct {
	RequestID string
	Seed      []byte
	Private   ed25519.PrivateKey
}

// NewSessionKey 生成新的会话密钥。
func NewSessionKey() (*SessionKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate session key")
	}
	return &SessionKey{
		RequestID: base58.Encode(pub),
		Seed:      priv.Seed(),
		Private:   priv,
	}, nil
}

// Client 登录客户端。
type Client struct {
	cfg  Config
	http *resty.Client
	log  *zap.Logger
}

// NewClient 创建登录客户端。
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 15
	}
	return &Client{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second),
		log: log,
	}
}

// PrepareSignin 获取待签名的 signedData（JWT 形式）。
func (c *Client) PrepareSignin(ctx context.Context, address, requestID string) (string, error) {
	var out struct {
		SignedData string `json:"signedData"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("chain", c.cfg.Chain).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"address":   address,
			"requestId": requestID,
		}).
		SetResult(&out).
		Post("/v1/offchain/prepare-signin")
	if err != nil {
		return "", errors.Wrap(err, "prepare-signin")
	}
	if resp.StatusCode() != 200 {
		return "", errors.Errorf("prepare-signin status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.SignedData == "" {
		return "", errors.New("prepare-signin returned no signedData")
	}
	return out.SignedData, nil
}

// MessageFromSignedData 从 signedData 的 JWT payload 中取出待签消息。
// 只解析，不校验签名：消息正文会原样交给用户钱包确认。
func MessageFromSignedData(signedData string) (string, error) {
	parts := strings.Split(signedData, ".")
	if len(parts) < 2 {
		return "", errors.New("signedData is not a JWT")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return "", errors.Wrap(err, "decode signedData payload")
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", errors.Wrap(err, "parse signedData payload")
	}
	if payload.Message == "" {
		return "", errors.New("signedData payload has no message")
	}
	return payload.Message, nil
}

// SignPersonal 用 EVM 钱包私钥对消息做 personal_sign。
func SignPersonal(message, walletKeyHex string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(walletKeyHex, "0x"))
	if err != nil {
		return "", errors.Wrap(err, "parse wallet key")
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", errors.Wrap(err, "sign message")
	}
	// recovery id 按以太坊惯例加 27
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// LoginResult login 响应。
type LoginResult struct {
	Token   string `json:"token"`
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

// Login 提交钱包签名换取访问令牌。
func (c *Client) Login(ctx context.Context, signature, signedData string) (*LoginResult, error) {
	var out LoginResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("chain", c.cfg.Chain).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{
			"signature":      signature,
			"signedData":     signedData,
			"expiresSeconds": c.cfg.ExpiresSeconds,
		}).
		SetResult(&out).
		Post("/v1/offchain/login")
	if err != nil {
		return nil, errors.Wrap(err, "login")
	}
	if resp.StatusCode() != 200 {
		return nil, errors.Errorf("login status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Token == "" {
		return nil, errors.New("login returned no token")
	}
	return &out, nil
}

// GenerateToken 跑完整个登录流程，返回访问令牌与本次会话密钥。
func (c *Client) GenerateToken(ctx context.Context, address, walletKeyHex string) (string, *SessionKey, error) {
	session, err := NewSessionKey()
	if err != nil {
		return "", nil, err
	}
	c.log.Info("session key generated", zap.String("request_id", session.RequestID))

	signedData, err := c.PrepareSignin(ctx, address, session.RequestID)
	if err != nil {
		return "", nil, err
	}
	message, err := MessageFromSignedData(signedData)
	if err != nil {
		return "", nil, err
	}
	signature, err := SignPersonal(message, walletKeyHex)
	if err != nil {
		return "", nil, err
	}
	res, err := c.Login(ctx, signature, signedData)
	if err != nil {
		return "", nil, err
	}
	c.log.Info("access token received",
		zap.String("address", res.Address),
		zap.String("chain", res.Chain))
	return res.Token, session, nil
}

type authFile struct {
	AccessToken string `json:"access_token"`
	SigningKey  string `json:"signing_key"`
}

// WriteAuthFile 原子写入 auth 文件（先写临时文件再改名），
// 让正在运行的网关通过 fsnotify 看到一次完整替换。
func WriteAuthFile(path, token string, session *SessionKey) error {
	raw, err := json.MarshalIndent(authFile{
		AccessToken: token,
		SigningKey:  hex.EncodeToString(session.Seed),
	}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal auth file")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrap(err, "write auth file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "replace auth file")
	}
	return nil
}
