package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Hara602/captureSentry/internal/cryptoutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), nil, false, nil)
	require.NoError(t, err)
	return s
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestAppendListRead(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Append("hello"))

	ready, err := s.ListReady(10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, StateReady, ready[0].State)
	assert.True(t, strings.HasSuffix(ready[0].Name, ".log"))

	body, err := s.Read(ready[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", body)
}

func TestListReadyOrderAndLimit(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Append(fmt.Sprintf("line-%02d", i)))
	}

	ready, err := s.ListReady(5)
	require.NoError(t, err)
	require.Len(t, ready, 5)
	for i, r := range ready {
		body, err := s.Read(r)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("line-%02d", i), body)
	}
}

func TestListIgnoresTempFiles(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.readyDir, "0001-x.log.tmp"), []byte("partial"), 0o600))
	require.NoError(t, s.Append("complete"))

	ready, err := s.ListReady(10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestSendingThenDone(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Append("x"))
	ready, _ := s.ListReady(1)

	sending, err := s.MarkSending(ready[0])
	require.NoError(t, err)
	assert.Equal(t, StateSending, sending.State)
	assert.Empty(t, dirNames(t, s.readyDir))
	assert.Len(t, dirNames(t, s.sendingDir), 1)

	require.NoError(t, s.MarkDone(sending))
	assert.Empty(t, dirNames(t, s.readyDir))
	assert.Empty(t, dirNames(t, s.sendingDir))
}

func TestSendingThenFailed(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Append("payload-1"))
	ready, _ := s.ListReady(1)

	sending, err := s.MarkSending(ready[0])
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(sending))

	assert.Empty(t, dirNames(t, s.sendingDir))
	again, err := s.ListReady(10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, ready[0].Name, again[0].Name)

	body, err := s.Read(again[0])
	require.NoError(t, err)
	assert.Equal(t, "payload-1", body)
}

func TestMarkSendingMissingRecord(t *testing.T) {
	s := newStore(t)
	_, err := s.MarkSending(Record{Name: "nope.log"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverOrphanedSending(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil, false, nil)
	require.NoError(t, err)

	require.NoError(t, s.Append("in-flight"))
	ready, _ := s.ListReady(1)
	_, err = s.MarkSending(ready[0])
	require.NoError(t, err)

	// 模拟崩溃：新进程打开同一目录
	restarted, err := NewFileStore(dir, nil, false, nil)
	require.NoError(t, err)
	n, err := restarted.RecoverOrphanedSending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recovered, err := restarted.ListReady(10)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	body, err := restarted.Read(recovered[0])
	require.NoError(t, err)
	assert.Equal(t, "in-flight", body)
	assert.Empty(t, dirNames(t, restarted.sendingDir))

	// 再次恢复不会重复
	n, err = restarted.RecoverOrphanedSending()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	again, _ := restarted.ListReady(10)
	assert.Len(t, again, 1)
}

func TestRecoverRemovesPartialTemp(t *testing.T) {
	s := newStore(t)
	tmp := filepath.Join(s.readyDir, "0001-x.log.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o600))

	_, err := s.RecoverOrphanedSending()
	require.NoError(t, err)
	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
}

func TestEncryptAtRest(t *testing.T) {
	c, err := cryptoutil.NewAESGCM("spool-key")
	require.NoError(t, err)
	s, err := NewFileStore(t.TempDir(), c, true, nil)
	require.NoError(t, err)

	require.NoError(t, s.Append("[ALERT] secret line"))
	ready, _ := s.ListReady(1)
	require.Len(t, ready, 1)
	assert.True(t, strings.HasSuffix(ready[0].Name, ".elog"))

	raw, err := os.ReadFile(ready[0].Path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret")

	body, err := s.Read(ready[0])
	require.NoError(t, err)
	assert.Equal(t, "[ALERT] secret line", body)
}

func TestMixedDirectoryReadable(t *testing.T) {
	c, _ := cryptoutil.NewAESGCM("spool-key")
	dir := t.TempDir()

	plain, err := NewFileStore(dir, c, false, nil)
	require.NoError(t, err)
	require.NoError(t, plain.Append("plain"))

	enc, err := NewFileStore(dir, c, true, nil)
	require.NoError(t, err)
	require.NoError(t, enc.Append("encrypted"))

	ready, err := enc.ListReady(10)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	var bodies []string
	for _, r := range ready {
		b, err := enc.Read(r)
		require.NoError(t, err)
		bodies = append(bodies, b)
	}
	assert.ElementsMatch(t, []string{"plain", "encrypted"}, bodies)
}

func TestReadCorruptRecord(t *testing.T) {
	c, _ := cryptoutil.NewAESGCM("spool-key")
	dir := t.TempDir()
	s, err := NewFileStore(dir, c, true, nil)
	require.NoError(t, err)

	name := "0000000000000000001-bad.elog"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ready", name), []byte("AAAA"), 0o600))
	_, err = s.Read(Record{Name: name, Path: filepath.Join(dir, "ready", name)})
	assert.ErrorIs(t, err, ErrCorrupt)

	// 缺少密钥是配置问题，记录本身没有损坏
	nokey, err := NewFileStore(dir, nil, false, nil)
	require.NoError(t, err)
	_, err = nokey.Read(Record{Name: name, Path: filepath.Join(dir, "ready", name)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCorrupt)
}

func TestCounts(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append("x"))
	}
	ready, _ := s.ListReady(1)
	_, err := s.MarkSending(ready[0])
	require.NoError(t, err)

	r, sd, err := s.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, r)
	assert.Equal(t, 1, sd)
}

func TestEncryptAtRestNeedsCipher(t *testing.T) {
	_, err := NewFileStore(t.TempDir(), nil, true, nil)
	assert.Error(t, err)
}
