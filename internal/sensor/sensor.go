// Package sensor polls the process table for screen-capture and recording
// tools and turns what it sees into security events.
package sensor

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/captureSentry/internal/model"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Emitter 由 alert.Dispatcher 实现
type Emitter interface {
	Emit(ev model.Event, line string)
}

type Options struct {
	ProcRoot       string
	Interval       time.Duration
	CaptureTools   []string
	RecordingTools []string
	UserID         string
	// Subject 非空时优先于 UserID，用于跟随 /bind-session 的绑定
	Subject func() string
	Clock   clockwork.Clock
	Log     *zap.Logger
}

// Sensor 截图工具新出现时产生一次 CAPTURE；录屏工具运行期间每轮产生 RECORDING
type Sensor struct {
	emitter   Emitter
	root      string
	interval  time.Duration
	capture   []string
	recording []string
	subject   func() string
	clock     clockwork.Clock
	log       *zap.Logger

	mu   sync.Mutex
	seen map[string]bool // 上一轮在运行的截图工具
}

func New(emitter Emitter, opts Options) *Sensor {
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Subject == nil {
		uid := opts.UserID
		opts.Subject = func() string { return uid }
	}
	return &Sensor{
		emitter:   emitter,
		root:      opts.ProcRoot,
		interval:  opts.Interval,
		capture:   lowerAll(opts.CaptureTools),
		recording: lowerAll(opts.RecordingTools),
		subject:   opts.Subject,
		clock:     opts.Clock,
		log:       opts.Log,
		seen:      make(map[string]bool),
	}
}

func (s *Sensor) String() string { return "process-sensor" }

func (s *Sensor) Serve(ctx context.Context) error {
	s.Poll()
	t := s.clock.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			s.Poll()
		}
	}
}

// Poll 扫描一次进程表，返回产生的事件数
func (s *Sensor) Poll() int {
	procs, err := listProcesses(s.root)
	if err != nil {
		s.log.Warn("process scan failed", zap.String("root", s.root), zap.Error(err))
		return 0
	}

	now := s.clock.Now()
	var events []model.Event

	s.mu.Lock()
	running := make(map[string]bool)
	for _, tool := range s.capture {
		pid, ok := find(procs, tool)
		if !ok {
			continue
		}
		running[tool] = true
		if s.seen[tool] {
			continue
		}
		events = append(events, s.event(model.KindCapture, tool, pid, now))
	}
	s.seen = running
	s.mu.Unlock()

	for _, tool := range s.recording {
		if pid, ok := find(procs, tool); ok {
			events = append(events, s.event(model.KindRecording, tool, pid, now))
		}
	}

	for _, ev := range events {
		s.log.Info("📸 capture tool running",
			zap.String("kind", string(ev.Kind)),
			zap.String("tool", ev.Source),
			zap.String("note", ev.Note),
		)
		s.emitter.Emit(ev, "")
	}
	return len(events)
}

func (s *Sensor) event(kind model.EventKind, tool string, pid int, now time.Time) model.Event {
	return model.Event{
		Timestamp:  now,
		SubjectID:  s.subject(),
		Kind:       kind,
		Source:     tool,
		ContentRef: "-",
		Note:       "pid=" + strconv.Itoa(pid),
	}
}

// commLen /proc/<pid>/comm 最多 15 个字符
const commLen = 15

func find(procs map[string]int, tool string) (int, bool) {
	if pid, ok := procs[tool]; ok {
		return pid, true
	}
	if len(tool) > commLen {
		if pid, ok := procs[tool[:commLen]]; ok {
			return pid, true
		}
	}
	return 0, false
}

// listProcesses 进程名(小写) -> 最小 pid
func listProcesses(root string) (map[string]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	pids := make([]int, 0, len(entries))
	for _, e := range entries {
		if pid, err := strconv.Atoi(e.Name()); err == nil && e.IsDir() {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)

	out := make(map[string]int, len(pids))
	for _, pid := range pids {
		name := getProcName(root, pid)
		if name == "" {
			continue
		}
		if _, dup := out[name]; !dup {
			out[name] = pid
		}
	}
	return out, nil
}

func getProcName(root string, pid int) string {
	b, err := os.ReadFile(filepath.Join(root, strconv.Itoa(pid), "comm"))
	if err != nil {
		// 进程已退出
		return ""
	}
	return strings.ToLower(strings.TrimSpace(string(b)))
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
