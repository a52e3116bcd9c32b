//go:build !unix

package dispatch

import (
	"errors"
	"io/fs"
	"os"
)

// TryExclusive 非 unix 平台：其他进程独占打开时 OpenFile 会失败
func TryExclusive(path string) LockState {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return LockMissing
		}
		return LockHeld
	}
	f.Close()
	return LockFree
}
