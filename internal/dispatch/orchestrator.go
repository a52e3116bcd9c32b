// Package dispatch turns filesystem notifications for new images and
// documents into tagged content: it waits for the producer to release the
// file, de-duplicates notifications, embeds the forensic payload and reports
// the result.
package dispatch

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/captureSentry/internal/analysis"
	"github.com/Hara602/captureSentry/internal/device"
	"github.com/Hara602/captureSentry/internal/forensic"
	"github.com/Hara602/captureSentry/internal/metrics"
	"github.com/Hara602/captureSentry/internal/model"
	"github.com/Hara602/captureSentry/internal/tagging"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Outcome 单次 Process 的结果
type Outcome string

const (
	OutcomeLocked         Outcome = "locked" // 被占用且调度器已停止
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeAbandoned      Outcome = "abandoned"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeTagged         Outcome = "already_tagged"
	OutcomeUnsupported    Outcome = "unsupported"
	OutcomeEncoded        Outcome = "encoded"
	OutcomeEncodeFailed   Outcome = "encode_failed"
	OutcomeMissing        Outcome = "missing"
)

// LockState 写锁探测结果
type LockState int

const (
	LockFree LockState = iota
	LockHeld
	LockMissing
)

func (p LockState) String() string {
	switch p {
	case LockFree:
		return "writable"
	case LockHeld:
		return "locked"
	case LockMissing:
		return "missing"
	}
	return "unknown"
}

// Classifier 由 analysis.TypeInspector 实现
type Classifier interface {
	Classify(path string) (analysis.Category, *analysis.Result, error)
}

// TagChecker 由 tagging.Checker 实现
type TagChecker interface {
	AlreadyTagged(ctx context.Context, path string) (bool, error)
}

// PayloadService 由 forensic.Service 实现
type PayloadService interface {
	Build(fp device.Fingerprint, uid, contentID string, action model.EventKind) forensic.Payload
	Token(p forensic.Payload) string
	Encrypt(p forensic.Payload) (string, error)
}

// Recorder 由 ledger.Ledger 实现
type Recorder interface {
	RecordTagged(ctx context.Context, path, sha string, at time.Time) error
}

// Sink 由 alert.Dispatcher 实现
type Sink interface {
	Emit(ev model.Event, line string)
	SendForensic(ctx context.Context, token, encPayload string)
}

type Options struct {
	MaxAttempts     int
	RetryDelay      time.Duration
	DedupTTL        time.Duration
	DedupCapacity   uint64
	Opacity         float64
	WatermarkPrefix string
	SendTimeout     time.Duration

	Fingerprint device.Fingerprint
	TryLock     func(path string) LockState
	Clock       clockwork.Clock
	Log         *zap.Logger
}

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = 30 * time.Second
	}
	if o.DedupCapacity == 0 {
		o.DedupCapacity = 10_000
	}
	if o.Opacity <= 0 {
		o.Opacity = 0.5
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.TryLock == nil {
		o.TryLock = TryExclusive
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

type retry struct {
	path string
	due  time.Time
}

type Orchestrator struct {
	opts       Options
	classifier Classifier
	checker    TagChecker
	payloads   PayloadService
	encoder    tagging.Encoder
	recorder   Recorder
	sink       Sink
	log        *zap.Logger
	clock      clockwork.Clock

	recent *ttlcache.Cache[string, struct{}]

	mu       sync.Mutex
	attempts map[string]int
	queue    []retry
	stopped  bool
	wake     chan struct{}
}

func New(classifier Classifier, checker TagChecker, payloads PayloadService, encoder tagging.Encoder,
	recorder Recorder, sink Sink, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		opts:       opts,
		classifier: classifier,
		checker:    checker,
		payloads:   payloads,
		encoder:    encoder,
		recorder:   recorder,
		sink:       sink,
		log:        opts.Log,
		clock:      opts.Clock,
		recent: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](opts.DedupTTL),
			ttlcache.WithCapacity[string, struct{}](opts.DedupCapacity),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		attempts: make(map[string]int),
		wake:     make(chan struct{}, 1),
	}
}

func (o *Orchestrator) String() string { return "dispatch" }

// Process 每个文件通知调用一次；重复调用只会产生一次标记
func (o *Orchestrator) Process(path string) Outcome {
	out := o.process(path)
	metrics.DispatchOutcomes.WithLabelValues(string(out)).Inc()
	return out
}

func (o *Orchestrator) process(path string) Outcome {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if !analysis.IsCandidateName(abs) {
		return OutcomeUnsupported
	}

	// 1. 写锁：生产者（浏览器等）仍持有文件时延迟重试
	switch o.opts.TryLock(abs) {
	case LockMissing:
		o.forget(abs)
		return OutcomeMissing
	case LockHeld:
		return o.scheduleRetry(abs, "locked")
	}

	// 2. 去重
	if _, found := o.recent.GetOrSet(abs, struct{}{}); found {
		return OutcomeDuplicate
	}

	out := o.tag(abs)
	if out == outcomeNotReady {
		// 内容未写完：释放去重位，和写锁一样走有限次重试
		o.recent.Delete(abs)
		return o.scheduleRetry(abs, "incomplete")
	}
	o.forget(abs)
	return out
}

// outcomeNotReady 仅在内部使用，最终转成重试结果
const outcomeNotReady Outcome = "not_ready"

func (o *Orchestrator) tag(abs string) Outcome {
	// 3. 内容类型
	cat, res, err := o.classifier.Classify(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return OutcomeMissing
		}
		o.log.Warn("classify failed", zap.String("path", abs), zap.Error(err))
		return OutcomeUnsupported
	}
	if res != nil && res.Incomplete {
		return outcomeNotReady
	}
	if res != nil && res.IsMasquerade {
		o.log.Warn("🚨 masquerading file refused",
			zap.String("path", abs),
			zap.String("declared", res.DeclaredExt),
			zap.String("real", res.RealExt),
			zap.String("risk", res.RiskLevel),
		)
		return OutcomeUnsupported
	}
	var action model.EventKind
	switch cat {
	case analysis.CategoryImage:
		action = model.KindTagImage
	case analysis.CategoryDocument:
		action = model.KindTagDocument
	default:
		return OutcomeUnsupported
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.opts.SendTimeout)
	defer cancel()

	// 4. 已带标记
	if o.checker != nil {
		tagged, err := o.checker.AlreadyTagged(ctx, abs)
		if err != nil {
			o.log.Warn("tag check failed, treating as untagged", zap.String("path", abs), zap.Error(err))
		} else if tagged {
			o.log.Info("already tagged, skip", zap.String("path", abs))
			return OutcomeTagged
		}
	}

	// 5. 构建载荷并嵌入
	p := o.payloads.Build(o.opts.Fingerprint, "", filepath.Base(abs), action)
	token := o.payloads.Token(p)
	enc, err := o.payloads.Encrypt(p)
	if err != nil {
		o.log.Error("payload encryption failed", zap.String("path", abs), zap.Error(err))
		return OutcomeEncodeFailed
	}
	if err := o.encoder.Embed(abs, abs, enc, forensic.Watermark(o.opts.WatermarkPrefix, token), o.opts.Opacity); err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return OutcomeMissing
		case errors.Is(err, tagging.ErrIncomplete):
			o.log.Debug("content not fully written", zap.String("path", abs), zap.Error(err))
			return outcomeNotReady
		}
		o.log.Error("❌ tagging failed", zap.String("path", abs), zap.Error(err))
		return OutcomeEncodeFailed
	}

	if o.recorder != nil {
		if sum, err := tagging.FileSHA256(abs); err != nil {
			o.log.Warn("hash tagged file failed", zap.String("path", abs), zap.Error(err))
		} else if err := o.recorder.RecordTagged(ctx, abs, sum, o.clock.Now()); err != nil {
			o.log.Warn("ledger record failed", zap.String("path", abs), zap.Error(err))
		}
	}

	o.log.Info("🏷️ file tagged", zap.String("path", abs), zap.String("token", token))
	if o.sink != nil {
		o.sink.SendForensic(ctx, token, enc)
		o.sink.Emit(model.Event{
			Timestamp:  o.clock.Now(),
			SubjectID:  p.UID,
			Kind:       action,
			Source:     strings.TrimPrefix(strings.ToLower(filepath.Ext(abs)), "."),
			ContentRef: abs,
			Note:       "token=" + token,
		}, "")
	}
	return OutcomeEncoded
}

// forget 结束对该路径的重试跟踪
func (o *Orchestrator) forget(path string) {
	o.mu.Lock()
	delete(o.attempts, path)
	o.mu.Unlock()
}

// scheduleRetry 写锁未释放或内容未写完时排队重试，reason 仅用于日志
func (o *Orchestrator) scheduleRetry(path, reason string) Outcome {
	o.mu.Lock()
	if o.stopped {
		delete(o.attempts, path)
		o.mu.Unlock()
		return OutcomeLocked
	}
	for _, r := range o.queue {
		// 已在队列中的重复通知不消耗重试次数
		if r.path == path {
			o.mu.Unlock()
			return OutcomeRetryScheduled
		}
	}
	n := o.attempts[path] + 1
	if n > o.opts.MaxAttempts {
		delete(o.attempts, path)
		o.mu.Unlock()
		o.log.Warn("file still not ready, giving up",
			zap.String("path", path), zap.String("reason", reason), zap.Int("attempts", n-1))
		return OutcomeAbandoned
	}
	o.attempts[path] = n
	o.queue = append(o.queue, retry{path: path, due: o.clock.Now().Add(o.opts.RetryDelay)})
	o.mu.Unlock()

	o.log.Debug("file not ready, retry scheduled",
		zap.String("path", path), zap.String("reason", reason), zap.Int("attempt", n))
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return OutcomeRetryScheduled
}

// Attempts 当前记录的重试次数
func (o *Orchestrator) Attempts(path string) int {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts[path]
}

// Pending 等待中的重试数
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Serve 单线程重试调度器，同时驱动去重缓存的过期清理
// 仅在 ctx 结束时才停止接收重试；panic 后由 supervisor 重启时恢复
func (o *Orchestrator) Serve(ctx context.Context) error {
	o.mu.Lock()
	o.stopped = false
	o.mu.Unlock()

	go o.recent.Start()
	defer o.recent.Stop()
	defer func() {
		o.mu.Lock()
		o.stopped = ctx.Err() != nil
		o.queue = nil
		o.attempts = make(map[string]int)
		o.mu.Unlock()
	}()

	for {
		wait, ok := o.nextWait()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-o.wake:
				continue
			}
		}

		timer := o.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-o.wake:
			timer.Stop()
		case <-timer.Chan():
			for _, path := range o.popDue() {
				if ctx.Err() != nil {
					return nil
				}
				o.Process(path)
			}
			// 本轮重新入队已在下一次循环中计入
			select {
			case <-o.wake:
			default:
			}
		}
	}
}

func (o *Orchestrator) nextWait() (time.Duration, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return 0, false
	}
	earliest := o.queue[0].due
	for _, r := range o.queue[1:] {
		if r.due.Before(earliest) {
			earliest = r.due
		}
	}
	return max(earliest.Sub(o.clock.Now()), 0), true
}

func (o *Orchestrator) popDue() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clock.Now()
	sort.SliceStable(o.queue, func(i, j int) bool { return o.queue[i].due.Before(o.queue[j].due) })
	var due []string
	i := 0
	for ; i < len(o.queue) && !o.queue[i].due.After(now); i++ {
		due = append(due, o.queue[i].path)
	}
	o.queue = append(o.queue[:0], o.queue[i:]...)
	return due
}
