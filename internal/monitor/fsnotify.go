package monitor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/captureSentry/internal/model"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type fsMonitor struct {
	w      *fsnotify.Watcher
	log    *zap.Logger
	events chan model.FileEvent
	stop   chan struct{}

	mu    sync.Mutex
	roots map[string]bool
	once  sync.Once
}

func newMonitor(log *zap.Logger) (FileMonitor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify init failed: %w", err)
	}
	return &fsMonitor{
		w:      w,
		log:    log,
		events: make(chan model.FileEvent, 100),
		stop:   make(chan struct{}),
		roots:  make(map[string]bool),
	}, nil
}

func (m *fsMonitor) Start() {
	go func() {
		for {
			select {
			case <-m.stop:
				return
			case err, ok := <-m.w.Errors:
				if !ok {
					return
				}
				m.log.Warn("fsnotify error", zap.Error(err))
			case ev, ok := <-m.w.Events:
				if !ok {
					return
				}
				m.handle(ev)
			}
		}
	}()
}

func (m *fsMonitor) handle(ev fsnotify.Event) {
	op := getEventOp(ev.Op)
	if op == "" {
		return
	}

	if ev.Has(fsnotify.Create) {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			// 新建子目录也纳入监控
			if err := m.addTree(ev.Name); err != nil {
				m.log.Warn("watch new dir failed", zap.String("path", ev.Name), zap.Error(err))
			}
			return
		}
	}
	if Ignored(ev.Name) {
		return
	}

	select {
	case m.events <- model.FileEvent{FilePath: ev.Name, Operation: op, TimeStamp: time.Now()}:
	case <-m.stop:
	}
}

func (m *fsMonitor) AddWatch(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%s is not a directory", abs)
	}
	if err := m.addTree(abs); err != nil {
		return err
	}
	m.mu.Lock()
	m.roots[abs] = true
	m.mu.Unlock()
	return nil
}

func (m *fsMonitor) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// 无权限的子目录跳过
			if path != root && errors.Is(err, fs.ErrPermission) {
				return fs.SkipDir
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		return m.w.Add(path)
	})
}

func (m *fsMonitor) RemoveWatch(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return
	}
	prefix := abs + string(filepath.Separator)
	for _, p := range m.w.WatchList() {
		if p == abs || strings.HasPrefix(p, prefix) {
			_ = m.w.Remove(p)
		}
	}
	m.mu.Lock()
	delete(m.roots, abs)
	m.mu.Unlock()
}

func (m *fsMonitor) Stop() {
	m.once.Do(func() {
		close(m.stop)
		m.w.Close()
	})
}

func (m *fsMonitor) Events() <-chan model.FileEvent { return m.events }

// getEventOp 只关心产生新内容的操作；rename 的新名字以 CREATE 到达
func getEventOp(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "CREATE"
	case op.Has(fsnotify.Write):
		return "WRITE"
	}
	return ""
}
