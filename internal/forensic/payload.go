// Package forensic builds proof-of-event payloads, derives their short
// visible tokens and verifies them on the receiving side.
//
// The canonical string
//
//	ver|app|uid|deviceId|contentId|action|ts
//
// is the only HMAC input and must be built identically by agent and verifier.
// Any change to its field order requires a new schema version.
package forensic

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/Hara602/captureSentry/internal/model"
)

const (
	SchemaVersion = 1
	Sentinel      = "-"

	MinTokenLength     = 4
	maxTokenLength     = sha256.Size * 2
	DefaultTokenLength = 12
)

// Payload 取证载荷，构建后不可修改
type Payload struct {
	Ver        int             `json:"ver"`
	App        string          `json:"app"`
	UID        string          `json:"uid"`
	DeviceID   string          `json:"deviceId"`
	MacQuality string          `json:"macQuality"`
	VM         bool            `json:"vm"`
	ContentID  string          `json:"contentId"`
	Action     model.EventKind `json:"action"`
	TS         string          `json:"ts"`
}

// CanonicalString HMAC 的唯一输入；macQuality 与 vm 不参与签名
func CanonicalString(p Payload) string {
	return strings.Join([]string{
		strconv.Itoa(p.Ver),
		orSentinel(p.App),
		orSentinel(p.UID),
		orSentinel(p.DeviceID),
		orSentinel(p.ContentID),
		orSentinel(string(p.Action)),
		orSentinel(p.TS),
	}, "|")
}

// VisibleToken HMAC-SHA256(canonical) 的 hex 前缀，长度限制在 [4, 64]
func VisibleToken(p Payload, secret string, length int) string {
	return hmacHex(CanonicalString(p), secret, length)
}

func hmacHex(canonical, secret string, length int) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	sum := hex.EncodeToString(mac.Sum(nil))
	return sum[:clampTokenLength(length)]
}

func clampTokenLength(n int) int {
	if n < MinTokenLength {
		return MinTokenLength
	}
	if n > maxTokenLength {
		return maxTokenLength
	}
	return n
}

func orSentinel(s string) string {
	if strings.TrimSpace(s) == "" {
		return Sentinel
	}
	return s
}
