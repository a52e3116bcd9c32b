package forensic

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Hara602/captureSentry/internal/cryptoutil"
	"github.com/Hara602/captureSentry/internal/device"
	"github.com/Hara602/captureSentry/internal/model"
	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "DEV_TOKEN_SECRET"

func testCipher(t *testing.T) cryptoutil.Cipher {
	t.Helper()
	c, err := cryptoutil.NewAESGCM("DEV_CRYPTO_KEY")
	require.NoError(t, err)
	return c
}

func newTestService(t *testing.T, clock clockwork.Clock) *Service {
	t.Helper()
	s, err := NewService(Options{
		AppID:       "SecureAgent/0.9.0",
		TokenSecret: testSecret,
		DeviceSalt:  "salt",
		TokenLength: 12,
		Cipher:      testCipher(t),
		Clock:       clock,
	})
	require.NoError(t, err)
	return s
}

func samplePayload() Payload {
	return Payload{
		Ver:        1,
		App:        "SecureAgent/0.9.0",
		UID:        "u1",
		DeviceID:   "0123456789abcdef0123",
		MacQuality: "GOOD",
		ContentID:  "/home/u1/Downloads/a.png",
		Action:     model.KindTagImage,
		TS:         "2025-08-09T15:21:33+09:00",
	}
}

func TestCanonicalString(t *testing.T) {
	p := samplePayload()
	assert.Equal(t,
		"1|SecureAgent/0.9.0|u1|0123456789abcdef0123|/home/u1/Downloads/a.png|STEGO_IMAGE|2025-08-09T15:21:33+09:00",
		CanonicalString(p))

	assert.Equal(t, "1|-|-|-|-|-|-", CanonicalString(Payload{Ver: 1}))
}

func TestVisibleTokenDeterministic(t *testing.T) {
	p := samplePayload()
	a := VisibleToken(p, testSecret, 12)
	b := VisibleToken(samplePayload(), testSecret, 12)
	assert.Equal(t, a, b)
	assert.Len(t, a, 12)
	assert.Equal(t, strings.ToLower(a), a)
}

func TestVisibleTokenChangesWithAnyField(t *testing.T) {
	base := VisibleToken(samplePayload(), testSecret, 12)
	mutations := map[string]func(*Payload){
		"ver":       func(p *Payload) { p.Ver = 2 },
		"app":       func(p *Payload) { p.App = "SecureAgent/1.0.0" },
		"uid":       func(p *Payload) { p.UID = "u2" },
		"deviceId":  func(p *Payload) { p.DeviceID = "ffffffffffffffffffff" },
		"contentId": func(p *Payload) { p.ContentID = "/tmp/b.png" },
		"action":    func(p *Payload) { p.Action = model.KindTagDocument },
		"ts":        func(p *Payload) { p.TS = "2025-08-09T15:21:34+09:00" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			p := samplePayload()
			mutate(&p)
			assert.NotEqual(t, base, VisibleToken(p, testSecret, 12))
		})
	}
	assert.NotEqual(t, base, VisibleToken(samplePayload(), "other-secret", 12))

	// macQuality 和 vm 只是附带信息，不进入 canonical 字符串，令牌不变
	informational := map[string]func(*Payload){
		"macQuality": func(p *Payload) { p.MacQuality = "NONE" },
		"vm":         func(p *Payload) { p.VM = !p.VM },
	}
	for name, mutate := range informational {
		t.Run(name, func(t *testing.T) {
			p := samplePayload()
			mutate(&p)
			assert.Equal(t, CanonicalString(samplePayload()), CanonicalString(p))
			assert.Equal(t, base, VisibleToken(p, testSecret, 12))
		})
	}
}

func TestVisibleTokenLengthClamped(t *testing.T) {
	p := samplePayload()
	assert.Len(t, VisibleToken(p, testSecret, 1), 4)
	assert.Len(t, VisibleToken(p, testSecret, 500), 64)
	assert.True(t, strings.HasPrefix(VisibleToken(p, testSecret, 64), VisibleToken(p, testSecret, 12)))
}

func TestBuildUsesSentinelsAndBoundUser(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 8, 9, 6, 21, 33, 0, time.UTC))
	s := newTestService(t, clock)

	p := s.Build(device.Fingerprint{}, "", "  ", model.KindCapture)
	assert.Equal(t, SchemaVersion, p.Ver)
	assert.Equal(t, "-", p.UID)
	assert.Equal(t, "-", p.ContentID)
	assert.Equal(t, "NONE", p.MacQuality)
	assert.Len(t, p.DeviceID, 20)
	assert.Equal(t, "2025-08-09T06:21:33Z", p.TS)

	s.BindUser("alice")
	p = s.Build(device.Fingerprint{}, "-", "doc-1", model.KindCapture)
	assert.Equal(t, "alice", p.UID)

	p = s.Build(device.Fingerprint{}, "bob", "doc-1", model.KindCapture)
	assert.Equal(t, "bob", p.UID)

	// 空白不会覆盖已绑定用户
	s.BindUser(" ")
	assert.Equal(t, "alice", s.BoundUser())
}

func TestEncryptRoundTrip(t *testing.T) {
	s := newTestService(t, clockwork.NewFakeClock())
	p := samplePayload()

	enc, err := s.Encrypt(p)
	require.NoError(t, err)
	assert.NotContains(t, enc, "u1")

	v := NewVerifier(VerifierOptions{TokenSecret: testSecret, Cipher: testCipher(t)})
	got, err := v.open(enc)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

type memTrace struct {
	mu   sync.Mutex
	rows []struct {
		enc string
		at  time.Time
	}
}

func (m *memTrace) RecordVerified(_ context.Context, enc string, _ int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, struct {
		enc string
		at  time.Time
	}{enc, at})
	return nil
}

func (m *memTrace) VerifiedBetween(_ context.Context, from, to time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.rows {
		if !r.at.Before(from) && !r.at.After(to) {
			out = append(out, r.enc)
		}
	}
	return out, nil
}

func newTestVerifier(t *testing.T, clock clockwork.Clock, store TraceStore) *Verifier {
	t.Helper()
	return NewVerifier(VerifierOptions{
		TokenSecret: testSecret,
		TokenLength: 12,
		Cipher:      testCipher(t),
		Store:       store,
		Clock:       clock,
	})
}

func TestVerifyAcceptsOriginal(t *testing.T) {
	s := newTestService(t, clockwork.NewFakeClock())
	v := newTestVerifier(t, clockwork.NewFakeClock(), nil)

	p := samplePayload()
	enc, err := s.Encrypt(p)
	require.NoError(t, err)

	got, err := v.Verify(context.Background(), EventRequest{Token: s.Token(p), EncPayload: enc})
	require.NoError(t, err)
	assert.Equal(t, p.UID, got.UID)

	// 大小写不敏感
	_, err = v.Verify(context.Background(), EventRequest{Token: strings.ToUpper(s.Token(p)), EncPayload: enc})
	assert.NoError(t, err)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s := newTestService(t, clockwork.NewFakeClock())
	v := newTestVerifier(t, clockwork.NewFakeClock(), nil)

	p := samplePayload()
	token := s.Token(p)

	tampered := p
	tampered.UID = "mallory"
	enc, err := s.Encrypt(tampered)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), EventRequest{Token: token, EncPayload: enc})
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestVerifyMalformed(t *testing.T) {
	v := newTestVerifier(t, clockwork.NewFakeClock(), nil)

	_, err := v.Verify(context.Background(), EventRequest{Token: "abcd", EncPayload: "garbage"})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = v.DecodeRequest([]byte(`{"token":"abcd"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = v.DecodeRequest([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRequestTransportEncrypted(t *testing.T) {
	c := testCipher(t)
	v := newTestVerifier(t, clockwork.NewFakeClock(), nil)

	body, err := json.Marshal(EventRequest{Token: "abcdef", EncPayload: "xyz", AgentTs: 1, AgentVersion: "1.0"})
	require.NoError(t, err)

	plain, err := v.DecodeRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", plain.Token)

	enc, err := c.Encrypt(body)
	require.NoError(t, err)
	decoded, err := v.DecodeRequest([]byte(enc))
	require.NoError(t, err)
	assert.Equal(t, plain, decoded)
}

func TestTraceRecomputesTokens(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 8, 9, 12, 0, 0, 0, time.UTC))
	store := &memTrace{}
	s := newTestService(t, clock)
	v := newTestVerifier(t, clock, store)

	var tokens []string
	for _, uid := range []string{"u1", "u2", "u3"} {
		p := s.Build(device.Fingerprint{}, uid, "doc", model.KindTagImage)
		enc, err := s.Encrypt(p)
		require.NoError(t, err)
		_, err = v.Verify(context.Background(), EventRequest{Token: s.Token(p), EncPayload: enc})
		require.NoError(t, err)
		tokens = append(tokens, s.Token(p))
		clock.Advance(time.Minute)
	}

	now := clock.Now()
	found, err := v.Trace(context.Background(), tokens[1], now.Add(-time.Hour), now)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "u2", found[0].UID)

	// 短前缀同样可以匹配
	found, err = v.Trace(context.Background(), tokens[1][:8], now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	// 时间窗口之外找不到
	found, err = v.Trace(context.Background(), tokens[1], now.Add(time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, found)

	_, err = v.Trace(context.Background(), tokens[1], now.Add(-48*time.Hour), now)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = v.Trace(context.Background(), "ab", now.Add(-time.Hour), now)
	assert.ErrorIs(t, err, ErrMalformed)
}
