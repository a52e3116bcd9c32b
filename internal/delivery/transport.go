// Package delivery sends spooled lines and forensic events to the remote
// collector and drains the offline spool on an adaptive schedule.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Hara602/captureSentry/internal/cryptoutil"
	"github.com/Hara602/captureSentry/internal/forensic"
	"github.com/Hara602/captureSentry/internal/metrics"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var ErrStatus = errors.New("unexpected response status")

// Transport 投递一条日志行，返回 nil 表示对端已接收
type Transport interface {
	Send(ctx context.Context, body string) error
}

type HTTPOptions struct {
	BaseURL        string
	Path           string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// Cipher 非空时逐行加密后再发送
	Cipher cryptoutil.Cipher

	BreakerFailures uint32
	BreakerOpenFor  time.Duration

	Log *zap.Logger
}

// NewHTTPClient 所有出站请求都必须有明确的连接与读取超时
func NewHTTPClient(connect, read time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: connect + read,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   connect,
			ResponseHeaderTimeout: read,
			MaxIdleConns:          4,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// HTTPTransport POST <base><path>，任何 2xx 视为成功。熔断器打开时直接失败，
// 由重试调度负责退避。
type HTTPTransport struct {
	url    string
	client *http.Client
	cipher cryptoutil.Cipher
	cb     *gobreaker.CircuitBreaker[struct{}]
	log    *zap.Logger
}

func NewHTTPTransport(opts HTTPOptions) *HTTPTransport {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerOpenFor <= 0 {
		opts.BreakerOpenFor = 30 * time.Second
	}
	log := opts.Log
	failures := opts.BreakerFailures

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "log-delivery",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &HTTPTransport{
		url:    joinURL(opts.BaseURL, opts.Path),
		client: NewHTTPClient(opts.ConnectTimeout, opts.ReadTimeout),
		cipher: opts.Cipher,
		cb:     cb,
		log:    log,
	}
}

func (t *HTTPTransport) URL() string { return t.url }

func (t *HTTPTransport) Send(ctx context.Context, body string) error {
	payload := body
	if t.cipher != nil {
		enc, err := cryptoutil.EncryptString(t.cipher, body)
		if err != nil {
			return fmt.Errorf("encrypt line: %w", err)
		}
		payload = enc
	}

	start := time.Now()
	_, err := t.cb.Execute(func() (struct{}, error) {
		return struct{}{}, postText(ctx, t.client, t.url, "text/plain; charset=UTF-8", []byte(payload))
	})
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())
	return err
}

func postText(ctx context.Context, client *http.Client, url, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	return nil
}

func joinURL(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// EventSender 取证事件直接发送 (不进入 spool)
type EventSender struct {
	url     string
	client  *http.Client
	cipher  cryptoutil.Cipher // 非空时整体加密请求体
	version string
	log     *zap.Logger
}

type EventSenderOptions struct {
	BaseURL        string
	Path           string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Cipher         cryptoutil.Cipher
	AgentVersion   string
	Log            *zap.Logger
}

func NewEventSender(opts EventSenderOptions) *EventSender {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &EventSender{
		url:     joinURL(opts.BaseURL, opts.Path),
		client:  NewHTTPClient(opts.ConnectTimeout, opts.ReadTimeout),
		cipher:  opts.Cipher,
		version: opts.AgentVersion,
		log:     opts.Log,
	}
}

func (s *EventSender) SendEvent(ctx context.Context, token, encPayload string) error {
	req := forensic.EventRequest{
		Token:        token,
		EncPayload:   encPayload,
		AgentTs:      time.Now().UnixMilli(),
		AgentVersion: s.version,
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}

	contentType := "application/json; charset=UTF-8"
	if s.cipher != nil {
		enc, err := s.cipher.Encrypt(raw)
		if err != nil {
			return fmt.Errorf("encrypt event: %w", err)
		}
		raw = []byte(enc)
		contentType = "text/plain; charset=UTF-8"
	}

	if err := postText(ctx, s.client, s.url, contentType, raw); err != nil {
		metrics.ForensicSent.WithLabelValues("failure").Inc()
		return err
	}
	metrics.ForensicSent.WithLabelValues("success").Inc()
	return nil
}
