// Package detector turns the stream of typed security events into alert
// decisions. Count-type kinds are tracked in per (subject, kind) sliding
// windows, duration-type kinds in per-subject sessions, and every key has its
// own cooldown. State for different keys never shares a lock.
package detector

import (
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Hara602/captureSentry/internal/metrics"
	"github.com/Hara602/captureSentry/internal/model"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Alert 检测器的告警决策
type Alert struct {
	At        time.Time
	SubjectID string
	Kind      model.EventKind

	// 计数型
	Count  int
	Window time.Duration
	Sample string

	// 持续型
	Duration time.Duration
	Source   string
}

// IsSession 是否为会话(持续型)告警
func (a Alert) IsSession() bool { return a.Kind == model.KindRecording }

// Sink 接收告警，由 alert.Dispatcher 实现
type Sink interface {
	Alert(a Alert)
}

type key struct {
	subject string
	kind    model.EventKind
}

// keyState 单个 key 的全部状态，由自身的 mu 保护
type keyState struct {
	mu sync.Mutex

	window []time.Time
	// 最近一次告警时间，零值表示从未告警
	lastAlert time.Time
	// 计数型：本轮冷却期内是否已输出过抑制日志 (对应 lastAlert)
	suppressedFor time.Time
	// 会话整体替换，不做原地修改
	session *Session
}

type Detector struct {
	cfg   Config
	sink  Sink
	clock clockwork.Clock
	log   *zap.Logger

	states sync.Map // key -> *keyState
}

func New(cfg Config, sink Sink, clock clockwork.Clock, log *zap.Logger) *Detector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		cfg:   cfg,
		sink:  sink,
		clock: clock,
		log:   log,
	}
}

// Consume 处理一个事件。不会向调用方抛出错误或 panic；未知类型直接忽略。
func (d *Detector) Consume(ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("detector panic recovered", zap.Any("panic", r), zap.String("kind", string(ev.Kind)))
		}
	}()

	if rule, ok := d.cfg.CountRules[ev.Kind]; ok {
		metrics.EventsConsumed.WithLabelValues(string(ev.Kind)).Inc()
		d.consumeCount(ev, rule)
		return
	}
	if ev.Kind == model.KindRecording {
		metrics.EventsConsumed.WithLabelValues(string(ev.Kind)).Inc()
		d.consumeSession(ev)
	}
}

func (d *Detector) state(k key) *keyState {
	if st, ok := d.states.Load(k); ok {
		return st.(*keyState)
	}
	st, _ := d.states.LoadOrStore(k, &keyState{})
	return st.(*keyState)
}

func (d *Detector) cooldownOK(last, now time.Time) bool {
	return last.IsZero() || now.Sub(last) >= d.cfg.Cooldown
}

func (d *Detector) remainingSec(last, now time.Time) int {
	left := d.cfg.Cooldown - now.Sub(last)
	if left < 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

func (d *Detector) consumeCount(ev model.Event, rule CountRule) {
	k := key{subject: ev.SubjectID, kind: ev.Kind}
	st := d.state(k)
	now := d.clock.Now()

	var (
		fire      *Alert
		suppress  bool
		remaining int
		size      int
	)

	st.mu.Lock()
	st.window = append(st.window, now)
	cutoff := now.Add(-rule.Window)
	drop := 0
	for drop < len(st.window) && st.window[drop].Before(cutoff) {
		drop++
	}
	st.window = st.window[drop:]
	size = len(st.window)

	if size >= rule.Threshold {
		if d.cooldownOK(st.lastAlert, now) {
			fire = &Alert{
				At:        now,
				SubjectID: ev.SubjectID,
				Kind:      ev.Kind,
				Count:     size,
				Window:    rule.Window,
				Sample:    sample(ev),
			}
			st.lastAlert = now
			// 清空窗口，防止同一波事件立即再次触发
			st.window = nil
		} else if !st.suppressedFor.Equal(st.lastAlert) {
			// 抑制时不清空窗口，冷却结束后下一次事件会重新评估
			suppress = true
			remaining = d.remainingSec(st.lastAlert, now)
			st.suppressedFor = st.lastAlert
		}
	}
	st.mu.Unlock()

	if suppress {
		metrics.AlertsSuppressed.WithLabelValues(string(ev.Kind)).Inc()
		d.log.Info("alert suppressed by cooldown",
			zap.String("user", ev.SubjectID),
			zap.String("type", string(ev.Kind)),
			zap.Int("count", size),
			zap.Int("remaining_sec", remaining),
		)
	}
	if fire != nil {
		d.emit(*fire)
	}
}

func (d *Detector) consumeSession(ev model.Event) {
	k := key{subject: ev.SubjectID, kind: model.KindRecording}
	st := d.state(k)
	now := d.clock.Now()

	var (
		fire      *Alert
		suppress  bool
		remaining int
	)

	st.mu.Lock()
	prev := st.session
	var next Session
	if prev == nil || now.Sub(prev.LastSeen) > d.cfg.Session.InactivityGap {
		next = Session{Start: now, LastSeen: now, Source: ev.Source}
	} else {
		next = prev.extend(now)
	}

	if next.Duration() >= d.cfg.Session.AlertAfter {
		ok := d.cooldownOK(st.lastAlert, now)
		switch {
		case !next.Alerted && ok:
			fire = &Alert{
				At:        now,
				SubjectID: ev.SubjectID,
				Kind:      model.KindRecording,
				Duration:  next.Duration(),
				Source:    next.Source,
			}
			next.Alerted = true
			st.lastAlert = now
		case !ok && !next.SuppressionLogged:
			// 每个会话最多一条抑制日志
			suppress = true
			remaining = d.remainingSec(st.lastAlert, now)
			next.SuppressionLogged = true
		}
	}
	st.session = &next
	st.mu.Unlock()

	if suppress {
		metrics.AlertsSuppressed.WithLabelValues(string(model.KindRecording)).Inc()
		d.log.Info("alert suppressed by cooldown",
			zap.String("user", ev.SubjectID),
			zap.String("type", string(model.KindRecording)),
			zap.Int("duration_sec", int(next.Duration().Seconds())),
			zap.Int("remaining_sec", remaining),
		)
	}
	if fire != nil {
		d.emit(*fire)
	}
}

func (d *Detector) emit(a Alert) {
	metrics.AlertsEmitted.WithLabelValues(string(a.Kind)).Inc()
	if d.sink != nil {
		d.sink.Alert(a)
	}
}

// Session 返回 subject 当前会话的快照
func (d *Detector) Session(subject string) (Session, bool) {
	v, ok := d.states.Load(key{subject: subject, kind: model.KindRecording})
	if !ok {
		return Session{}, false
	}
	st := v.(*keyState)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.session == nil {
		return Session{}, false
	}
	return *st.session, true
}

// WindowSize 返回 (subject, kind) 窗口中当前的事件数
func (d *Detector) WindowSize(subject string, kind model.EventKind) int {
	v, ok := d.states.Load(key{subject: subject, kind: kind})
	if !ok {
		return 0
	}
	st := v.(*keyState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.window)
}

const maxSampleLen = 64

func sample(ev model.Event) string {
	s := ev.Source
	if ev.ContentRef != "" && ev.ContentRef != "-" {
		s += "@" + ev.ContentRef
	}
	if utf8.RuneCountInString(s) <= maxSampleLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxSampleLen])
}
