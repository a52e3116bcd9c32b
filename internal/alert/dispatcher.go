// Package alert formats detector decisions and sensor events into log lines
// and routes them to the offline spool, the retry worker and the verifier.
package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/Hara602/captureSentry/internal/detector"
	"github.com/Hara602/captureSentry/internal/model"
	"go.uber.org/zap"
)

// Spool 只需要追加能力
type Spool interface {
	Append(body string) error
}

// Flusher 由 delivery.RetryWorker 实现
type Flusher interface {
	FlushNow()
}

// Consumer 由 detector.Detector 实现
type Consumer interface {
	Consume(ev model.Event)
}

// ForensicSender 由 delivery.EventSender 实现
type ForensicSender interface {
	SendEvent(ctx context.Context, token, encPayload string) error
}

type Dispatcher struct {
	spool    Spool
	flusher  Flusher
	sender   ForensicSender
	consumer Consumer
	log      *zap.Logger
}

func NewDispatcher(spool Spool, flusher Flusher, sender ForensicSender, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{spool: spool, flusher: flusher, sender: sender, log: log}
}

// Attach 绑定检测器。检测器持有 Dispatcher 作为 Sink，因此两者分两步构建。
func (d *Dispatcher) Attach(c Consumer) {
	d.consumer = c
}

// Alert 实现 detector.Sink
func (d *Dispatcher) Alert(a detector.Alert) {
	line := FormatAlert(a)
	d.log.Warn(line,
		zap.String("user", a.SubjectID),
		zap.String("type", string(a.Kind)),
	)
	d.submit(line)
}

// Emit 写出人类可读的日志行，然后把结构化事件交给检测器
func (d *Dispatcher) Emit(ev model.Event, line string) {
	if line == "" {
		line = FormatEvent(ev)
	}
	d.log.Info(line)
	d.submit(line)
	if d.consumer != nil {
		d.consumer.Consume(ev)
	}
}

// SendForensic 取证事件直接发送，失败只记录日志
func (d *Dispatcher) SendForensic(ctx context.Context, token, encPayload string) {
	if d.sender == nil {
		return
	}
	if err := d.sender.SendEvent(ctx, token, encPayload); err != nil {
		d.log.Warn("forensic event not delivered", zap.String("token", token), zap.Error(err))
	}
}

// submit spool 写入失败不向上传播
func (d *Dispatcher) submit(line string) {
	if d.spool != nil {
		if err := d.spool.Append(line); err != nil {
			d.log.Error("spool append failed", zap.Error(err))
			return
		}
	}
	if d.flusher != nil {
		d.flusher.FlushNow()
	}
}

// FormatAlert
//
//	[ALERT] user=u1 type=CAPTURE count=5 within=30s sample=PrintScreen
//	[ALERT] user=u1 type=RECORDING duration=30s source=obs
func FormatAlert(a detector.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[ALERT] user=%s type=%s", orDash(a.SubjectID), a.Kind)
	if a.IsSession() {
		fmt.Fprintf(&b, " duration=%ds", int(a.Duration.Seconds()))
		if a.Source != "" {
			b.WriteString(" source=" + a.Source)
		}
		return b.String()
	}
	fmt.Fprintf(&b, " count=%d within=%ds", a.Count, int(a.Window.Seconds()))
	if a.Sample != "" {
		b.WriteString(" sample=" + a.Sample)
	}
	return b.String()
}

// FormatEvent [STEGO_IMAGE] user=u1 source=png ref=/path note=...
func FormatEvent(ev model.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] user=%s source=%s", ev.Kind, orDash(ev.SubjectID), orDash(ev.Source))
	if ev.ContentRef != "" {
		b.WriteString(" ref=" + ev.ContentRef)
	}
	if ev.Note != "" {
		b.WriteString(" note=" + ev.Note)
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
