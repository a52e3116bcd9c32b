// Package server is the agent's local control surface: log receipt, forensic
// event verification, retry flush, fault injection and status.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Hara602/captureSentry/internal/cryptoutil"
	"github.com/Hara602/captureSentry/internal/forensic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var ErrNoPort = errors.New("no free port in range")

// Flusher 由 delivery.RetryWorker 实现
type Flusher interface {
	FlushNow()
}

// Verifier 由 forensic.Verifier 实现
type Verifier interface {
	DecodeRequest(body []byte) (forensic.EventRequest, error)
	Verify(ctx context.Context, req forensic.EventRequest) (forensic.Payload, error)
	Trace(ctx context.Context, token string, from, to time.Time) ([]forensic.Payload, error)
}

// UserBinder 由 forensic.Service 实现
type UserBinder interface {
	BindUser(uid string)
}

type Options struct {
	Host           string
	PortStart      int
	PortEnd        int
	Version        string
	Cipher         cryptoutil.Cipher // /log 请求体解密，可为 nil
	EventRateLimit int
	AllowedOrigins []string
	Clock          clockwork.Clock
	Log            *zap.Logger
}

type Server struct {
	opts     Options
	flusher  Flusher
	verifier Verifier
	binder   UserBinder
	faults   *FaultInjector
	clock    clockwork.Clock
	log      *zap.Logger

	handler   http.Handler
	startedAt time.Time
	ln        net.Listener
	port      int
}

func New(flusher Flusher, verifier Verifier, binder UserBinder, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.EventRateLimit <= 0 {
		opts.EventRateLimit = 120
	}
	s := &Server{
		opts:      opts,
		flusher:   flusher,
		verifier:  verifier,
		binder:    binder,
		faults:    NewFaultInjector(opts.Clock),
		clock:     opts.Clock,
		log:       opts.Log,
		startedAt: opts.Clock.Now(),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Client-Id", "X-Requested-With"},
		MaxAge:         600,
	}))

	r.Get("/status", s.handleStatus)
	r.Post("/log", s.handleLog)
	r.With(httprate.LimitByIP(s.opts.EventRateLimit, time.Minute)).Post("/event", s.handleEvent)
	r.Get("/flush", s.handleFlush)
	r.Post("/flush", s.handleFlush)
	r.Get("/net/fail", s.handleNetFail)
	r.Post("/net/fail", s.handleNetFail)
	r.Get("/trace", s.handleTrace)
	r.Post("/bind-session", s.handleBindSession)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) Handler() http.Handler  { return s.handler }
func (s *Server) Faults() *FaultInjector { return s.faults }
func (s *Server) String() string         { return "control-server" }
func (s *Server) Port() int              { return s.port }
func (s *Server) URL() string            { return "http://localhost:" + strconv.Itoa(s.port) }

// Listen 绑定范围内第一个可用端口
func (s *Server) Listen() (int, error) {
	for port := s.opts.PortStart; port <= s.opts.PortEnd; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.opts.Host, strconv.Itoa(port)))
		if err != nil {
			s.log.Debug("port busy", zap.Int("port", port), zap.Error(err))
			continue
		}
		s.ln, s.port = ln, port
		return port, nil
	}
	return 0, fmt.Errorf("%w: %d-%d", ErrNoPort, s.opts.PortStart, s.opts.PortEnd)
}

// Serve 需先调用 Listen；ctx 结束后在 5 秒内优雅关闭
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("server: Listen must be called before Serve")
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(s.ln) }()
	s.log.Info("🚀 control server listening", zap.Int("port", s.port), zap.String("version", s.opts.Version))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("server shutdown", zap.Error(err))
		}
		return nil
	}
}
