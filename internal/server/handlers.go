package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Hara602/captureSentry/internal/forensic"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

type statusResponse struct {
	Version     string `json:"version"`
	StartedAt   string `json:"startedAt"`
	HeartbeatID string `json:"heartbeatId"`
	Port        int    `json:"port"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Version:     s.opts.Version,
		StartedAt:   s.startedAt.UTC().Format(time.RFC3339),
		HeartbeatID: strconv.FormatInt(s.clock.Now().UnixMilli(), 10),
		Port:        s.port,
	})
}

// handleLog 接收加密日志行；可被故障注入改变行为
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if mode, failing := s.faults.Failing(); failing {
		switch mode {
		case Fault500:
			w.WriteHeader(http.StatusInternalServerError)
			return
		case FaultTimeout:
			// 超过客户端读超时后直接断开连接，不发送响应
			select {
			case <-r.Context().Done():
			case <-s.clock.After(s.faults.Sleep()):
			}
			panic(http.ErrAbortHandler)
		case FaultPercent:
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	line := strings.TrimSpace(string(body))
	if s.opts.Cipher != nil {
		if plain, err := s.opts.Cipher.Decrypt(line); err == nil {
			line = string(plain)
		} else {
			s.log.Debug("log line not encrypted", zap.Error(err))
		}
	}
	s.log.Info("📥 log received", zap.String("line", line))
	w.WriteHeader(http.StatusOK)
}

// handleEvent 验证取证事件：200 匹配 / 400 不匹配或格式错误 / 500 内部错误
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	req, err := s.verifier.DecodeRequest(body)
	if err != nil {
		s.log.Info("invalid /event body", zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	_, err = s.verifier.Verify(r.Context(), req)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, forensic.ErrMismatch), errors.Is(err, forensic.ErrMalformed):
		w.WriteHeader(http.StatusBadRequest)
	default:
		s.log.Error("verify failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *Server) handleFlush(w http.ResponseWriter, _ *http.Request) {
	if s.flusher != nil {
		s.flusher.FlushNow()
	}
	writeText(w, http.StatusOK, "FLUSH_TRIGGERED")
}

// handleNetFail ?mode=off|500|timeout|percent&forSec=&rate=&sleepMs=
func (s *Server) handleNetFail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ints := map[string]int{"forSec": 0, "rate": 50, "sleepMs": 0}
	for k := range ints {
		v := q.Get(k)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			writeText(w, http.StatusBadRequest, "invalid "+k)
			return
		}
		ints[k] = n
	}

	msg := s.faults.Set(ParseFaultMode(q.Get("mode")), ints["forSec"], ints["rate"],
		time.Duration(ints["sleepMs"])*time.Millisecond)
	s.log.Info("net/fail", zap.String("state", msg))
	writeText(w, http.StatusOK, msg)
}

// handleTrace ?token=&from=&to= (RFC3339)，按时间窗口重算 token 反查
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err1 := time.Parse(time.RFC3339, q.Get("from"))
	to, err2 := time.Parse(time.RFC3339, q.Get("to"))
	if err1 != nil || err2 != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from/to must be RFC3339"})
		return
	}

	matches, err := s.verifier.Trace(r.Context(), q.Get("token"), from, to)
	if err != nil {
		if errors.Is(err, forensic.ErrMalformed) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		s.log.Error("trace failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "trace failed"})
		return
	}
	if matches == nil {
		matches = []forensic.Payload{}
	}
	writeJSON(w, http.StatusOK, matches)
}

type bindRequest struct {
	MemberID string `json:"memberId"`
}

// handleBindSession 前端登录后绑定当前用户
func (s *Server) handleBindSession(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "err": "bad_json"})
		return
	}
	if s.binder != nil {
		s.binder.BindUser(req.MemberID)
	}
	s.log.Info("session bound", zap.String("memberId", req.MemberID))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
