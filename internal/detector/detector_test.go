package detector

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Hara602/captureSentry/internal/model"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *recordingSink) Alert(a Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *recordingSink) all() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

func newTestDetector(t *testing.T) (*Detector, *recordingSink, clockwork.FakeClock, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	sink := &recordingSink{}
	clock := clockwork.NewFakeClock()
	d := New(DefaultConfig(), sink, clock, zap.New(core))
	return d, sink, clock, logs
}

func suppressions(logs *observer.ObservedLogs) int {
	return logs.FilterMessage("alert suppressed by cooldown").Len()
}

func capture(user string) model.Event {
	return model.Event{SubjectID: user, Kind: model.KindCapture, Source: "PrintScreen", ContentRef: "-"}
}

func recording(user string) model.Event {
	return model.Event{SubjectID: user, Kind: model.KindRecording, Source: "obs"}
}

func TestCountBurstAlertsOnce(t *testing.T) {
	d, sink, clock, logs := newTestDetector(t)

	for i := 0; i < 5; i++ {
		d.Consume(capture("u1"))
		clock.Advance(time.Second)
	}

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.KindCapture, alerts[0].Kind)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 30*time.Second, alerts[0].Window)
	assert.Equal(t, "PrintScreen", alerts[0].Sample)
	assert.Equal(t, 0, suppressions(logs))
	// 告警后窗口被清空
	assert.Equal(t, 0, d.WindowSize("u1", model.KindCapture))
}

func TestCountBelowThresholdNoAlert(t *testing.T) {
	d, sink, clock, _ := newTestDetector(t)

	for i := 0; i < 4; i++ {
		d.Consume(capture("u1"))
		clock.Advance(time.Second)
	}
	assert.Empty(t, sink.all())
	assert.Equal(t, 4, d.WindowSize("u1", model.KindCapture))
}

func TestCountWindowEvictsOldEntries(t *testing.T) {
	d, sink, clock, _ := newTestDetector(t)

	// 每 10 秒一次，30 秒窗口内最多 4 个
	for i := 0; i < 10; i++ {
		d.Consume(capture("u1"))
		clock.Advance(10 * time.Second)
	}
	assert.Empty(t, sink.all())
	assert.LessOrEqual(t, d.WindowSize("u1", model.KindCapture), 4)
}

func TestAlertSuppressAlertPattern(t *testing.T) {
	d, sink, clock, logs := newTestDetector(t)

	// 第一波：告警
	for i := 0; i < 5; i++ {
		d.Consume(capture("u1"))
		clock.Advance(time.Second)
	}
	require.Len(t, sink.all(), 1)

	// 冷却期内的第二波 (多于阈值)：不告警，只有一条抑制日志
	for i := 0; i < 8; i++ {
		d.Consume(capture("u1"))
		clock.Advance(time.Second)
	}
	assert.Len(t, sink.all(), 1)
	assert.Equal(t, 1, suppressions(logs))

	entry := logs.FilterMessage("alert suppressed by cooldown").All()[0]
	assert.Greater(t, entry.ContextMap()["remaining_sec"], int64(0))

	// 冷却结束后的第三波：恰好一条新告警
	clock.Advance(20 * time.Second)
	for i := 0; i < 5; i++ {
		d.Consume(capture("u1"))
		clock.Advance(time.Second)
	}
	assert.Len(t, sink.all(), 2)
	assert.Equal(t, 1, suppressions(logs))
}

func TestSuppressionKeepsWindow(t *testing.T) {
	d, _, clock, _ := newTestDetector(t)

	for i := 0; i < 5; i++ {
		d.Consume(capture("u1"))
	}
	for i := 0; i < 6; i++ {
		clock.Advance(time.Second)
		d.Consume(capture("u1"))
	}
	// 被抑制时窗口不清空
	assert.Equal(t, 6, d.WindowSize("u1", model.KindCapture))
}

func TestKeysAreIndependent(t *testing.T) {
	d, sink, _, _ := newTestDetector(t)

	for i := 0; i < 5; i++ {
		d.Consume(capture("u1"))
		d.Consume(capture("u2"))
	}
	for i := 0; i < 10; i++ {
		d.Consume(model.Event{SubjectID: "u1", Kind: model.KindTagImage, Source: "png", ContentRef: "/tmp/a.png"})
	}

	alerts := sink.all()
	require.Len(t, alerts, 3)
	subjects := map[string]int{}
	for _, a := range alerts {
		subjects[a.SubjectID+"/"+string(a.Kind)]++
	}
	assert.Equal(t, 1, subjects["u1/CAPTURE"])
	assert.Equal(t, 1, subjects["u2/CAPTURE"])
	assert.Equal(t, 1, subjects["u1/STEGO_IMAGE"])
}

func TestUnknownKindIsNoop(t *testing.T) {
	d, sink, _, logs := newTestDetector(t)

	for i := 0; i < 50; i++ {
		d.Consume(model.Event{SubjectID: "u1", Kind: model.KindDecodeFail})
		d.Consume(model.Event{SubjectID: "u1", Kind: "BOGUS"})
	}
	assert.Empty(t, sink.all())
	assert.Equal(t, 0, logs.Len())
}

func TestSessionAlertsOncePerSession(t *testing.T) {
	d, sink, clock, logs := newTestDetector(t)

	// 每 5 秒一次，持续 30 秒触发告警
	for i := 0; i <= 6; i++ {
		d.Consume(recording("u1"))
		clock.Advance(5 * time.Second)
	}
	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.KindRecording, alerts[0].Kind)
	assert.Equal(t, 30*time.Second, alerts[0].Duration)
	assert.Equal(t, "obs", alerts[0].Source)

	// 同一会话继续，冷却期内最多一条抑制日志
	for i := 0; i < 10; i++ {
		d.Consume(recording("u1"))
		clock.Advance(time.Second)
	}
	assert.Len(t, sink.all(), 1)
	assert.Equal(t, 1, suppressions(logs))

	// 冷却之后同一会话仍不再告警
	for i := 0; i < 10; i++ {
		d.Consume(recording("u1"))
		clock.Advance(5 * time.Second)
	}
	assert.Len(t, sink.all(), 1)
	assert.Equal(t, 1, suppressions(logs))

	s, ok := d.Session("u1")
	require.True(t, ok)
	assert.True(t, s.Alerted)
	assert.True(t, s.SuppressionLogged)
}

func TestSessionResetsAfterGap(t *testing.T) {
	d, _, clock, _ := newTestDetector(t)

	d.Consume(recording("u1"))
	clock.Advance(10 * time.Second)
	d.Consume(recording("u1"))

	s, ok := d.Session("u1")
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, s.Duration())

	// 间隔超过 15 秒：新会话，从 0 开始
	clock.Advance(16 * time.Second)
	d.Consume(recording("u1"))

	s, ok = d.Session("u1")
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), s.Duration())
	assert.False(t, s.Alerted)
	assert.False(t, s.SuppressionLogged)
}

func TestNewSessionInsideCooldownSuppressedOnce(t *testing.T) {
	d, sink, clock, logs := newTestDetector(t)
	cfg := DefaultConfig()
	cfg.Cooldown = 2 * time.Minute
	d.cfg = cfg

	for i := 0; i <= 6; i++ {
		d.Consume(recording("u1"))
		clock.Advance(5 * time.Second)
	}
	require.Len(t, sink.all(), 1)
	logsBefore := suppressions(logs)

	// 间隔后新会话，再次达到 30 秒，但仍在 2 分钟冷却内
	clock.Advance(20 * time.Second)
	for i := 0; i <= 10; i++ {
		d.Consume(recording("u1"))
		clock.Advance(5 * time.Second)
	}
	assert.Len(t, sink.all(), 1)
	assert.Equal(t, logsBefore+1, suppressions(logs))
}

func TestSessionDurationMonotonic(t *testing.T) {
	d, _, clock, _ := newTestDetector(t)

	var last time.Duration
	for i := 0; i < 20; i++ {
		d.Consume(recording("u1"))
		s, _ := d.Session("u1")
		assert.GreaterOrEqual(t, s.Duration(), last)
		last = s.Duration()
		clock.Advance(3 * time.Second)
	}
}

func TestConcurrentSameKeyAlertsOnce(t *testing.T) {
	d, sink, _, _ := newTestDetector(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Consume(capture("u1"))
		}()
	}
	wg.Wait()

	// 50 个事件同一时刻：每 5 个清空一次窗口，但冷却只允许第一次
	assert.Len(t, sink.all(), 1)
}

func TestConcurrentDifferentKeys(t *testing.T) {
	d, sink, _, _ := newTestDetector(t)

	var wg sync.WaitGroup
	for u := 0; u < 20; u++ {
		user := fmt.Sprintf("user-%d", u)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				d.Consume(capture(user))
			}
		}()
	}
	wg.Wait()
	assert.Len(t, sink.all(), 20)
}

type panicSink struct{}

func (panicSink) Alert(Alert) { panic("boom") }

func TestConsumeNeverPanics(t *testing.T) {
	d := New(DefaultConfig(), panicSink{}, clockwork.NewFakeClock(), zap.NewNop())
	assert.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			d.Consume(capture("u1"))
		}
	})
}
