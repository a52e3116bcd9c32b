// Package spool implements the durable offline store for outbound log and
// alert lines.
//
// Layout:
//
//	<base>/ready/<seq>-<uuid>.log   eligible for delivery
//	<base>/sending/<seq>-<uuid>.log claimed by the retry worker
//
// Every state transition is a rename, so a record is visible in exactly one
// directory at any time. New records are written to a ".tmp" name first and
// renamed into place; ".tmp" files are never listed.
package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/captureSentry/internal/cryptoutil"
	"github.com/Hara602/captureSentry/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("spool record not found")

// ErrCorrupt 记录内容无法解密或解码，重试也不会成功
var ErrCorrupt = errors.New("spool record corrupt")

const (
	readyDirName   = "ready"
	sendingDirName = "sending"

	extPlain     = ".log"
	extEncrypted = ".elog"
	extTemp      = ".tmp"
)

type State int

const (
	StateReady State = iota
	StateSending
)

func (s State) String() string {
	if s == StateSending {
		return "sending"
	}
	return "ready"
}

// Record 一条 spool 记录的句柄
type Record struct {
	Name  string
	Path  string
	State State
}

// Store 离线存储接口
type Store interface {
	Append(body string) error
	ListReady(max int) ([]Record, error)
	Read(r Record) (string, error)
	MarkSending(r Record) (Record, error)
	MarkDone(r Record) error
	MarkFailed(r Record) error
	RecoverOrphanedSending() (int, error)
}

type FileStore struct {
	baseDir    string
	readyDir   string
	sendingDir string

	cipher        cryptoutil.Cipher
	encryptAtRest bool
	log           *zap.Logger

	mu      sync.Mutex
	lastSeq int64
}

// NewFileStore 创建目录结构；目录不可用时返回错误 (启动阶段致命)
func NewFileStore(baseDir string, cipher cryptoutil.Cipher, encryptAtRest bool, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if encryptAtRest && cipher == nil {
		return nil, errors.New("encrypt at rest requires a cipher")
	}
	s := &FileStore{
		baseDir:       baseDir,
		readyDir:      filepath.Join(baseDir, readyDirName),
		sendingDir:    filepath.Join(baseDir, sendingDirName),
		cipher:        cipher,
		encryptAtRest: encryptAtRest,
		log:           log,
	}
	for _, dir := range []string{s.readyDir, s.sendingDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create spool dir %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *FileStore) BaseDir() string { return s.baseDir }

// nextSeq 单调递增的纳秒序号，保证文件名字典序即写入顺序
func (s *FileStore) nextSeq() int64 {
	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *FileStore) ext() string {
	if s.encryptAtRest {
		return extEncrypted
	}
	return extPlain
}

// Append 先写临时文件，再原子重命名到 ready/
func (s *FileStore) Append(body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := body
	if s.encryptAtRest {
		enc, err := cryptoutil.EncryptString(s.cipher, body)
		if err != nil {
			return fmt.Errorf("encrypt spool record: %w", err)
		}
		data = enc
	}

	name := fmt.Sprintf("%019d-%s%s", s.nextSeq(), uuid.NewString(), s.ext())
	target := filepath.Join(s.readyDir, name)
	tmp := target + extTemp

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	if _, err := f.WriteString(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish record: %w", err)
	}
	metrics.SpoolAppended.Inc()
	return nil
}

// ListReady 按文件名排序返回最多 max 条 ready 记录
func (s *FileStore) ListReady(max int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(s.readyDir, StateReady, max)
}

func (s *FileStore) list(dir string, state State, max int) ([]Record, error) {
	// os.ReadDir 已按文件名排序
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []Record
	for _, e := range entries {
		if max > 0 && len(out) >= max {
			break
		}
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), extTemp) {
			continue
		}
		out = append(out, Record{Name: e.Name(), Path: filepath.Join(dir, e.Name()), State: state})
	}
	return out, nil
}

// Read 按扩展名判断是否需要解密，兼容混合目录
func (s *FileStore) Read(r Record) (string, error) {
	raw, err := os.ReadFile(r.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, r.Name)
	}
	if err != nil {
		return "", err
	}
	if strings.HasSuffix(strings.ToLower(r.Name), extEncrypted) {
		if s.cipher == nil {
			return "", fmt.Errorf("record %s is encrypted but no cipher configured", r.Name)
		}
		body, err := cryptoutil.DecryptString(s.cipher, string(raw))
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrCorrupt, r.Name, err)
		}
		return body, nil
	}
	return string(raw), nil
}

// MarkSending ready -> sending
func (s *FileStore) MarkSending(r Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dest := filepath.Join(s.sendingDir, r.Name)
	if err := s.move(filepath.Join(s.readyDir, r.Name), dest); err != nil {
		return Record{}, err
	}
	return Record{Name: r.Name, Path: dest, State: StateSending}, nil
}

// MarkDone 投递成功，删除 sending 记录
func (s *FileStore) MarkDone(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.sendingDir, r.Name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove sent record: %w", err)
	}
	return nil
}

// MarkFailed sending -> ready
func (s *FileStore) MarkFailed(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.move(filepath.Join(s.sendingDir, r.Name), filepath.Join(s.readyDir, r.Name))
}

func (s *FileStore) move(from, to string) error {
	if err := os.Rename(from, to); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(from))
		}
		return fmt.Errorf("move %s: %w", filepath.Base(from), err)
	}
	return nil
}

// RecoverOrphanedSending 启动时把 sending/ 中残留的记录还原到 ready/，
// 并清理崩溃时遗留的临时文件
func (s *FileStore) RecoverOrphanedSending() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orphans, err := s.list(s.sendingDir, StateSending, 0)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, r := range orphans {
		if err := s.move(r.Path, filepath.Join(s.readyDir, r.Name)); err != nil {
			return recovered, err
		}
		recovered++
	}

	entries, err := os.ReadDir(s.readyDir)
	if err != nil {
		return recovered, err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), extTemp) {
			if err := os.Remove(filepath.Join(s.readyDir, e.Name())); err == nil {
				s.log.Warn("removed partial spool record", zap.String("name", e.Name()))
			}
		}
	}

	if recovered > 0 {
		metrics.SpoolRecovered.Add(float64(recovered))
		s.log.Info("recovered orphaned sending records", zap.Int("count", recovered))
	}
	return recovered, nil
}

// Counts 返回 ready / sending 记录数
func (s *FileStore) Counts() (ready, sending int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.list(s.readyDir, StateReady, 0)
	if err != nil {
		return 0, 0, err
	}
	sd, err := s.list(s.sendingDir, StateSending, 0)
	if err != nil {
		return 0, 0, err
	}
	return len(r), len(sd), nil
}
