package tagging

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// HashLookup 由 ledger.Ledger 实现
type HashLookup interface {
	IsTaggedHash(ctx context.Context, sha string) (bool, error)
}

// Checker 判断文件是否已带标记：先查内嵌标记，再查本地账本中的内容哈希
type Checker struct {
	ledger HashLookup
}

func NewChecker(ledger HashLookup) *Checker {
	return &Checker{ledger: ledger}
}

func (c *Checker) AlreadyTagged(ctx context.Context, path string) (bool, error) {
	if _, err := ExtractPayload(path); err == nil {
		return true, nil
	} else if !errors.Is(err, ErrNoPayload) && !errors.Is(err, ErrUnsupported) {
		return false, err
	}

	if c.ledger == nil {
		return false, nil
	}
	sum, err := FileSHA256(path)
	if err != nil {
		return false, err
	}
	return c.ledger.IsTaggedHash(ctx, sum)
}

var ErrNoPayload = errors.New("no embedded payload")

const pdfTailScan = 64 << 10

// ExtractPayload 读取内嵌的加密载荷
func ExtractPayload(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		texts, err := readPNGText(f)
		if v, ok := texts[Keyword]; ok && v != "" {
			return v, nil
		}
		if err != nil && !errors.Is(err, errBadPNG) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return "", err
		}
		return "", ErrNoPayload

	case ".jpg", ".jpeg":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		comments, _ := readJPEGComments(data)
		for _, c := range comments {
			if v, ok := strings.CutPrefix(c, Keyword+":"); ok && v != "" {
				return v, nil
			}
		}
		return "", ErrNoPayload

	case ".pdf":
		tail, err := readTail(path, pdfTailScan)
		if err != nil {
			return "", err
		}
		marker := []byte("%" + Keyword + ":")
		i := bytes.LastIndex(tail, marker)
		if i < 0 {
			return "", ErrNoPayload
		}
		rest := tail[i+len(marker):]
		if j := bytes.IndexAny(rest, "\r\n"); j >= 0 {
			rest = rest[:j]
		}
		if len(rest) == 0 {
			return "", ErrNoPayload
		}
		return string(rest), nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
}

func readTail(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	off := st.Size() - n
	if off < 0 {
		off = 0
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
