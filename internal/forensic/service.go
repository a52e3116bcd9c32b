package forensic

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Hara602/captureSentry/internal/cryptoutil"
	"github.com/Hara602/captureSentry/internal/device"
	"github.com/Hara602/captureSentry/internal/model"
	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
)

type Options struct {
	AppID       string
	TokenSecret string
	DeviceSalt  string
	TokenLength int
	Cipher      cryptoutil.Cipher
	Clock       clockwork.Clock
}

// Service 载荷构建 / 加密 / 令牌
type Service struct {
	appID       string
	tokenSecret string
	deviceSalt  string
	tokenLength int
	cipher      cryptoutil.Cipher
	clock       clockwork.Clock

	boundUser atomic.Value // string
}

func NewService(opts Options) (*Service, error) {
	if opts.TokenSecret == "" {
		return nil, errors.New("token secret is required")
	}
	if opts.Cipher == nil {
		return nil, errors.New("cipher is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.TokenLength == 0 {
		opts.TokenLength = DefaultTokenLength
	}
	s := &Service{
		appID:       orSentinel(opts.AppID),
		tokenSecret: opts.TokenSecret,
		deviceSalt:  opts.DeviceSalt,
		tokenLength: clampTokenLength(opts.TokenLength),
		cipher:      opts.Cipher,
		clock:       opts.Clock,
	}
	s.boundUser.Store("")
	return s, nil
}

// BindUser 绑定当前登录用户，调用方未提供 uid 时使用
func (s *Service) BindUser(uid string) {
	uid = strings.TrimSpace(uid)
	if uid == "" || uid == Sentinel {
		return
	}
	s.boundUser.Store(uid)
}

func (s *Service) BoundUser() string {
	return s.boundUser.Load().(string)
}

func (s *Service) TokenLength() int { return s.tokenLength }

// Build 组装载荷；空白或未知字段一律使用 "-"
func (s *Service) Build(fp device.Fingerprint, uid, contentID string, action model.EventKind) Payload {
	uid = strings.TrimSpace(uid)
	if uid == "" || uid == Sentinel {
		uid = s.BoundUser()
	}
	quality := string(fp.MacQuality)
	if quality == "" {
		quality = string(device.MacNone)
	}
	return Payload{
		Ver:        SchemaVersion,
		App:        s.appID,
		UID:        orSentinel(uid),
		DeviceID:   device.DeviceID(fp, s.deviceSalt),
		MacQuality: quality,
		VM:         fp.VMSuspect,
		ContentID:  orSentinel(contentID),
		Action:     model.EventKind(orSentinel(string(action))),
		TS:         s.clock.Now().Format(time.RFC3339),
	}
}

func (s *Service) Token(p Payload) string {
	return VisibleToken(p, s.tokenSecret, s.tokenLength)
}

// Encrypt JSON 序列化后加密
func (s *Service) Encrypt(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return s.cipher.Encrypt(raw)
}

// Watermark 可见水印文本，例如 "AIDT 3f9a1c0b2e7d"
func Watermark(prefix, token string) string {
	if prefix == "" {
		return token
	}
	return prefix + " " + token
}
