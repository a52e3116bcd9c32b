package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hara602/captureSentry/internal/metrics"
	"github.com/Hara602/captureSentry/internal/spool"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type RetryOptions struct {
	BatchSize    int
	InitialDelay time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Clock        clockwork.Clock
	Log          *zap.Logger
}

func (o *RetryOptions) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	if o.InitialDelay < 0 {
		o.InitialDelay = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 30 * time.Second
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}

// RetryWorker 按自适应间隔把 spool 中的记录依序投递出去。
// 同一时刻最多只有一个周期在运行；遇到第一次失败即停止本批次。
type RetryWorker struct {
	store     spool.Store
	transport Transport
	opts      RetryOptions
	log       *zap.Logger

	running atomic.Bool
	flush   chan struct{}

	mu    sync.Mutex
	delay time.Duration
}

func NewRetryWorker(store spool.Store, transport Transport, opts RetryOptions) *RetryWorker {
	opts.defaults()
	w := &RetryWorker{
		store:     store,
		transport: transport,
		opts:      opts,
		log:       opts.Log,
		flush:     make(chan struct{}, 1),
		delay:     opts.BaseDelay,
	}
	metrics.RetryDelaySeconds.Set(opts.BaseDelay.Seconds())
	return w
}

func (w *RetryWorker) String() string { return "retry-worker" }

// Delay 下一次周期的计划延迟
func (w *RetryWorker) Delay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.delay
}

// FlushNow 立即触发一次周期，打断当前等待
func (w *RetryWorker) FlushNow() {
	select {
	case w.flush <- struct{}{}:
	default:
	}
}

// Serve 实现 suture.Service；ctx 取消时立即返回
func (w *RetryWorker) Serve(ctx context.Context) error {
	timer := w.opts.Clock.NewTimer(w.opts.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.flush:
			if !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}
		case <-timer.Chan():
		}

		next := w.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		timer.Reset(next)
	}
}

// RunCycle 执行一个周期并返回下一次延迟。已有周期在运行时跳过。
func (w *RetryWorker) RunCycle(ctx context.Context) time.Duration {
	if !w.running.CompareAndSwap(false, true) {
		w.log.Debug("retry cycle already running, skipped")
		return w.Delay()
	}
	defer w.running.Store(false)

	attempted, failed := w.drain(ctx)

	w.mu.Lock()
	w.delay = nextDelay(w.delay, attempted, failed, w.opts.BaseDelay, w.opts.MaxDelay)
	next := w.delay
	w.mu.Unlock()

	metrics.RetryDelaySeconds.Set(next.Seconds())
	if attempted > 0 {
		w.log.Debug("retry cycle finished",
			zap.Int("attempted", attempted),
			zap.Bool("failed", failed),
			zap.Duration("next", next),
		)
	}
	return next
}

// nextDelay 未尝试或全部成功 -> base；有失败 -> min(cur*2, max)
func nextDelay(cur time.Duration, attempted int, failed bool, base, max time.Duration) time.Duration {
	if attempted == 0 || !failed {
		return base
	}
	next := cur * 2
	if next < base {
		next = base
	}
	if next > max {
		next = max
	}
	return next
}

func (w *RetryWorker) drain(ctx context.Context) (attempted int, failed bool) {
	records, err := w.store.ListReady(w.opts.BatchSize)
	if err != nil {
		w.log.Error("list ready records failed", zap.Error(err))
		return 0, true
	}

	for _, r := range records {
		if ctx.Err() != nil {
			return attempted, failed
		}

		sending, err := w.store.MarkSending(r)
		if err != nil {
			if errors.Is(err, spool.ErrNotFound) {
				continue
			}
			w.log.Error("claim record failed", zap.String("name", r.Name), zap.Error(err))
			return attempted, true
		}

		body, err := w.store.Read(sending)
		switch {
		case errors.Is(err, spool.ErrCorrupt):
			// 损坏的记录永远无法投递，丢弃以免阻塞队列
			w.log.Error("dropping corrupt spool record", zap.String("name", r.Name), zap.Error(err))
			if err := w.store.MarkDone(sending); err != nil {
				w.log.Error("drop record failed", zap.String("name", r.Name), zap.Error(err))
			}
			continue
		case errors.Is(err, spool.ErrNotFound):
			continue
		case err != nil:
			// 暂时性读取失败按一次失败的投递计：放回 ready，本轮结束并退避
			w.log.Warn("read spool record failed, backing off", zap.String("name", r.Name), zap.Error(err))
			if err := w.store.MarkFailed(sending); err != nil {
				w.log.Error("restore record failed", zap.String("name", r.Name), zap.Error(err))
			}
			return attempted + 1, true
		}

		attempted++
		if err := w.transport.Send(ctx, body); err != nil {
			metrics.DeliveryAttempts.WithLabelValues("failure").Inc()
			w.log.Warn("delivery failed, backing off", zap.String("name", r.Name), zap.Error(err))
			if err := w.store.MarkFailed(sending); err != nil {
				w.log.Error("restore record failed", zap.String("name", r.Name), zap.Error(err))
			}
			return attempted, true
		}

		metrics.DeliveryAttempts.WithLabelValues("success").Inc()
		if err := w.store.MarkDone(sending); err != nil {
			w.log.Error("remove delivered record failed", zap.String("name", r.Name), zap.Error(err))
		}
	}
	return attempted, false
}
