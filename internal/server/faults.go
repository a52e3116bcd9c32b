package server

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// FaultMode /log 的故障注入模式，仅用于测试网络异常
type FaultMode string

const (
	FaultOff     FaultMode = "OFF"
	Fault500     FaultMode = "HTTP_500"
	FaultTimeout FaultMode = "TIMEOUT"
	FaultPercent FaultMode = "PERCENT"
)

const defaultSleep = 7 * time.Second

// ParseFaultMode 未知模式视为 off
func ParseFaultMode(s string) FaultMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "500":
		return Fault500
	case "timeout":
		return FaultTimeout
	case "percent":
		return FaultPercent
	}
	return FaultOff
}

type FaultInjector struct {
	clock clockwork.Clock
	roll  func() int // [0,100)

	mu    sync.Mutex
	mode  FaultMode
	until time.Time // 零值表示不过期
	rate  int
	sleep time.Duration
}

func NewFaultInjector(clock clockwork.Clock) *FaultInjector {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FaultInjector{
		clock: clock,
		roll:  func() int { return rand.IntN(100) },
		mode:  FaultOff,
		sleep: defaultSleep,
	}
}

// Set 设置模式；forSec>0 时到期自动恢复。返回状态描述
func (f *FaultInjector) Set(mode FaultMode, forSec, rate int, sleep time.Duration) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.mode = mode
	f.rate = 0
	if mode == FaultPercent {
		f.rate = min(max(rate, 0), 100)
	}
	if sleep > 0 {
		f.sleep = sleep
	}
	f.until = time.Time{}
	if forSec > 0 {
		f.until = f.clock.Now().Add(time.Duration(forSec) * time.Second)
	}
	return fmt.Sprintf("mode=%s, forSec=%d, rate=%d, sleepMs=%d", f.mode, forSec, f.rate, f.sleep.Milliseconds())
}

// Failing 当前请求是否应失败；percent 模式按概率抽样
func (f *FaultInjector) Failing() (FaultMode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mode == FaultOff {
		return FaultOff, false
	}
	if !f.until.IsZero() && f.clock.Now().After(f.until) {
		f.mode, f.rate, f.until = FaultOff, 0, time.Time{}
		return FaultOff, false
	}
	if f.mode == FaultPercent {
		return f.mode, f.roll() < f.rate
	}
	return f.mode, true
}

func (f *FaultInjector) Sleep() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sleep
}
