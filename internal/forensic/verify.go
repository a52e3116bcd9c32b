package forensic

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Hara602/captureSentry/internal/cryptoutil"
	"github.com/Hara602/captureSentry/internal/metrics"
	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	ErrMalformed = errors.New("malformed forensic event")
	ErrMismatch  = errors.New("forensic token mismatch")
)

// EventRequest /event 请求体
type EventRequest struct {
	Token        string `json:"token"`
	EncPayload   string `json:"encPayload"`
	AgentTs      int64  `json:"agentTs"`
	AgentVersion string `json:"agentVersion"`
}

// TraceStore 只保存已验证事件的加密载荷与接收时间，不保存 token
type TraceStore interface {
	RecordVerified(ctx context.Context, encPayload string, agentTs int64, receivedAt time.Time) error
	VerifiedBetween(ctx context.Context, from, to time.Time) ([]string, error)
}

type VerifierOptions struct {
	TokenSecret string
	TokenLength int
	Cipher      cryptoutil.Cipher
	Store       TraceStore // 可为 nil
	TraceWindow time.Duration
	Clock       clockwork.Clock
	Log         *zap.Logger
}

type Verifier struct {
	secret      string
	tokenLength int
	cipher      cryptoutil.Cipher
	store       TraceStore
	traceWindow time.Duration
	clock       clockwork.Clock
	log         *zap.Logger
}

func NewVerifier(opts VerifierOptions) *Verifier {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.TokenLength == 0 {
		opts.TokenLength = DefaultTokenLength
	}
	if opts.TraceWindow <= 0 {
		opts.TraceWindow = 24 * time.Hour
	}
	return &Verifier{
		secret:      opts.TokenSecret,
		tokenLength: clampTokenLength(opts.TokenLength),
		cipher:      opts.Cipher,
		store:       opts.Store,
		traceWindow: opts.TraceWindow,
		clock:       opts.Clock,
		log:         opts.Log,
	}
}

// DecodeRequest 请求体可能整体经过传输加密，解密失败则按原始 JSON 处理
func (v *Verifier) DecodeRequest(body []byte) (EventRequest, error) {
	raw := body
	if trimmed := strings.TrimSpace(string(body)); trimmed != "" && !strings.HasPrefix(trimmed, "{") {
		if plain, err := v.cipher.Decrypt(trimmed); err == nil {
			raw = plain
		}
	}

	var req EventRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return EventRequest{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Token == "" || req.EncPayload == "" {
		return EventRequest{}, fmt.Errorf("%w: token and encPayload are required", ErrMalformed)
	}
	return req, nil
}

// Verify 解密载荷、重建 canonical、重算 HMAC 并与 token 比较 (忽略大小写)
func (v *Verifier) Verify(ctx context.Context, req EventRequest) (Payload, error) {
	p, err := v.open(req.EncPayload)
	if err != nil {
		metrics.VerifyResults.WithLabelValues("malformed").Inc()
		return Payload{}, err
	}

	expected := hmacHex(CanonicalString(p), v.secret, v.tokenLength)
	got := strings.ToLower(strings.TrimSpace(req.Token))
	if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		metrics.VerifyResults.WithLabelValues("mismatch").Inc()
		v.log.Warn("forensic token mismatch",
			zap.String("token", req.Token),
			zap.String("uid", p.UID),
			zap.String("deviceId", p.DeviceID),
			zap.String("action", string(p.Action)),
			zap.String("ts", p.TS),
		)
		return p, ErrMismatch
	}

	metrics.VerifyResults.WithLabelValues("accepted").Inc()
	v.log.Info("forensic event verified",
		zap.String("uid", p.UID),
		zap.String("deviceId", p.DeviceID),
		zap.String("action", string(p.Action)),
		zap.String("ts", p.TS),
		zap.String("agentVersion", req.AgentVersion),
	)

	if v.store != nil {
		if err := v.store.RecordVerified(ctx, req.EncPayload, req.AgentTs, v.clock.Now()); err != nil {
			v.log.Warn("record verified event failed", zap.Error(err))
		}
	}
	return p, nil
}

func (v *Verifier) open(enc string) (Payload, error) {
	plain, err := v.cipher.Decrypt(enc)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return p, nil
}

// Trace 在时间窗口内对已验证载荷重算 token，返回匹配者
func (v *Verifier) Trace(ctx context.Context, token string, from, to time.Time) ([]Payload, error) {
	if v.store == nil {
		return nil, errors.New("trace store not configured")
	}
	token = strings.ToLower(strings.TrimSpace(token))
	if len(token) < MinTokenLength {
		return nil, fmt.Errorf("%w: token too short", ErrMalformed)
	}
	if to.Before(from) || to.Sub(from) > v.traceWindow {
		return nil, fmt.Errorf("%w: window must be within %s", ErrMalformed, v.traceWindow)
	}

	encs, err := v.store.VerifiedBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var out []Payload
	for _, enc := range encs {
		p, err := v.open(enc)
		if err != nil {
			v.log.Debug("skip undecodable trace entry", zap.Error(err))
			continue
		}
		if hmacHex(CanonicalString(p), v.secret, len(token)) == token {
			out = append(out, p)
		}
	}
	return out, nil
}
