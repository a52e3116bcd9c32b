package sensor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Hara602/captureSentry/internal/model"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memEmitter struct {
	mu     sync.Mutex
	events []model.Event
}

func (m *memEmitter) Emit(ev model.Event, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *memEmitter) kinds() []model.EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.EventKind, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Kind)
	}
	return out
}

func startProc(t *testing.T, root string, pid int, comm string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
}

func stopProc(t *testing.T, root string, pid int) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(root, strconv.Itoa(pid))))
}

func newSensor(t *testing.T, clock clockwork.Clock) (*Sensor, *memEmitter, string) {
	t.Helper()
	root := t.TempDir()
	startProc(t, root, 1, "systemd")
	// 非 pid 目录忽略
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sys"), 0o755))

	em := &memEmitter{}
	s := New(em, Options{
		ProcRoot:       root,
		Interval:       5 * time.Second,
		CaptureTools:   []string{"flameshot", "Spectacle"},
		RecordingTools: []string{"obs", "simplescreenrecorder"},
		UserID:         "u1",
		Clock:          clock,
	})
	return s, em, root
}

func TestCaptureToolEmitsOncePerAppearance(t *testing.T) {
	s, em, root := newSensor(t, clockwork.NewFakeClock())

	assert.Zero(t, s.Poll())

	startProc(t, root, 4242, "flameshot")
	assert.Equal(t, 1, s.Poll())
	assert.Zero(t, s.Poll()) // 仍在运行，不重复

	stopProc(t, root, 4242)
	assert.Zero(t, s.Poll())

	startProc(t, root, 5000, "flameshot")
	assert.Equal(t, 1, s.Poll())

	require.Len(t, em.events, 2)
	ev := em.events[1]
	assert.Equal(t, model.KindCapture, ev.Kind)
	assert.Equal(t, "flameshot", ev.Source)
	assert.Equal(t, "u1", ev.SubjectID)
	assert.Equal(t, "pid=5000", ev.Note)
}

func TestRecorderEmitsEveryPoll(t *testing.T) {
	s, em, root := newSensor(t, clockwork.NewFakeClock())
	startProc(t, root, 77, "obs")

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, s.Poll())
	}
	assert.Equal(t, []model.EventKind{model.KindRecording, model.KindRecording, model.KindRecording}, em.kinds())
}

func TestTruncatedCommMatches(t *testing.T) {
	s, em, root := newSensor(t, clockwork.NewFakeClock())
	// 内核把 comm 截断为 15 个字符
	startProc(t, root, 900, "simplescreenrec")
	startProc(t, root, 901, "SPECTACLE")

	assert.Equal(t, 2, s.Poll())
	assert.ElementsMatch(t, []model.EventKind{model.KindCapture, model.KindRecording}, em.kinds())
}

func TestMissingProcRoot(t *testing.T) {
	s := New(&memEmitter{}, Options{ProcRoot: filepath.Join(t.TempDir(), "nope"), CaptureTools: []string{"x"}})
	assert.Zero(t, s.Poll())
}

func TestServePollsOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s, em, root := newSensor(t, clock)
	startProc(t, root, 77, "obs")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	clock.BlockUntil(1)
	assert.Len(t, em.kinds(), 1)

	clock.Advance(5 * time.Second)
	assert.Eventually(t, func() bool { return len(em.kinds()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestSubjectFollowsBinding(t *testing.T) {
	root := t.TempDir()
	startProc(t, root, 10, "scrot")
	uid := "u1"
	em := &memEmitter{}
	s := New(em, Options{
		ProcRoot:     root,
		CaptureTools: []string{"scrot"},
		UserID:       "ignored",
		Subject:      func() string { return uid },
	})

	s.Poll()
	stopProc(t, root, 10)
	s.Poll()
	uid = "u2"
	startProc(t, root, 11, "scrot")
	s.Poll()

	require.Len(t, em.events, 2)
	assert.Equal(t, "u1", em.events[0].SubjectID)
	assert.Equal(t, "u2", em.events[1].SubjectID)
}
