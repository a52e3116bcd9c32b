// Package monitor watches download / capture directories and reports newly
// written files.
package monitor

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/Hara602/captureSentry/internal/model"
	"go.uber.org/zap"
)

type FileMonitor interface {
	Start()
	Stop()
	AddWatch(dir string) error // 递归添加目录
	RemoveWatch(dir string)
	Events() <-chan model.FileEvent
}

func New(log *zap.Logger) (FileMonitor, error) {
	return newMonitor(log)
}

// 下载中 / 编辑器临时文件
var partialSuffixes = []string{".tmp", ".crdownload", ".part", ".partial", ".download", ".swp", "~"}

// Ignored 临时文件和隐藏文件不产生事件
func Ignored(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return true
	}
	lower := strings.ToLower(name)
	for _, s := range partialSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// Forwarder 把文件事件交给 Handle，可由 supervisor 托管
type Forwarder struct {
	Monitor FileMonitor
	Handle  func(model.FileEvent)
}

func (f *Forwarder) String() string { return "file-monitor" }

func (f *Forwarder) Serve(ctx context.Context) error {
	events := f.Monitor.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			f.Handle(ev)
		}
	}
}
