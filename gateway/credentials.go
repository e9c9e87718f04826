package gateway

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Credentials 访问令牌与会话签名私钥。
type Credentials struct {
	AccessToken string
	SigningKey  ed25519.PrivateKey
}

type authFile struct {
	AccessToken string `json:"access_token"`
	SigningKey  string `json:"signing_key"` // hex 编码的 ed25519 seed
}

// LoadCredentials 从 auth JSON 文件读取凭据。
func LoadCredentials(path string) (*Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read auth file")
	}
	var af authFile
	if err := json.Unmarshal(raw, &af); err != nil {
		return nil, errors.Wrap(err, "parse auth file")
	}
	if af.AccessToken == "" || af.SigningKey == "" {
		return nil, errors.New("auth file missing access_token or signing_key")
	}
	seed, err := hex.DecodeString(af.SigningKey)
	if err != nil {
		return nil, errors.Wrap(err, "decode signing_key")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.Errorf("signing_key seed length %d, want %d", len(seed), ed25519.SeedSize)
	}
	return &Credentials{
		AccessToken: af.AccessToken,
		SigningKey:  ed25519.NewKeyFromSeed(seed),
	}, nil
}

// CredentialStore 持有当前凭据，令牌刷新后热替换，进行中的请求不受影响。
type CredentialStore struct {
	path string
	cur  atomic.Pointer[Credentials]
}

// NewCredentialStore 立即加载一次凭据。
func NewCredentialStore(path string) (*CredentialStore, error) {
	c, err := LoadCredentials(path)
	if err != nil {
		return nil, err
	}
	s := &CredentialStore{path: path}
	s.cur.Store(c)
	return s, nil
}

// Current 返回当前凭据。
func (s *CredentialStore) Current() *Credentials { return s.cur.Load() }

// Reload 重新读取凭据文件。
func (s *CredentialStore) Reload() error {
	c, err := LoadCredentials(s.path)
	if err != nil {
		return err
	}
	s.cur.Store(c)
	return nil
}

// Watch 监听凭据文件变化（gentoken 刷新令牌后无需重启进程）。
// 阻塞直到 ctx 结束。
func (s *CredentialStore) Watch(ctx context.Context, log *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer watcher.Close()

	// 监听目录而不是文件本身：编辑器/重写会先删后建
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return errors.Wrap(err, "watch auth dir")
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				log.Warn("auth file changed but reload failed", zap.Error(err))
				continue
			}
			log.Info("credentials reloaded", zap.String("path", s.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("auth watcher error", zap.Error(err))
		}
	}
}
