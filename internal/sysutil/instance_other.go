//go:build !unix

package sysutil

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

var ErrAlreadyRunning = errors.New("another agent instance is running")

// AcquireSingleInstance 以独占创建锁文件代替 flock；异常退出后需手动删除
func AcquireSingleInstance(path string) (release func(), err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	return func() {
		f.Close()
		os.Remove(path)
	}, nil
}
