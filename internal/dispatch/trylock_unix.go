//go:build unix

package dispatch

import (
	"errors"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// TryExclusive 以非阻塞方式尝试获取独占写锁，立即释放
func TryExclusive(path string) LockState {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LockMissing
		}
		// EACCES / ETXTBSY 等：仍被占用或暂不可写
		return LockHeld
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return LockHeld
	}
	_ = unix.Flock(fd, unix.LOCK_UN)
	return LockFree
}
