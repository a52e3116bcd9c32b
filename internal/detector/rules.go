package detector

import (
	"time"

	"github.com/Hara602/captureSentry/internal/config"
	"github.com/Hara602/captureSentry/internal/model"
)

// CountRule 计数型规则
type CountRule struct {
	Threshold int
	Window    time.Duration
}

// SessionRule 持续型规则
type SessionRule struct {
	InactivityGap time.Duration // 超过该间隔视为新会话
	AlertAfter    time.Duration // 会话持续多久后告警
}

type Config struct {
	CountRules map[model.EventKind]CountRule
	Session    SessionRule
	Cooldown   time.Duration
}

func DefaultConfig() Config {
	return FromConfig(config.DefaultConfig().Detector)
}

func FromConfig(c config.DetectorConfig) Config {
	return Config{
		CountRules: map[model.EventKind]CountRule{
			model.KindCapture:     {Threshold: c.Capture.Threshold, Window: c.Capture.Window.Duration},
			model.KindTagImage:    {Threshold: c.TagImage.Threshold, Window: c.TagImage.Window.Duration},
			model.KindTagDocument: {Threshold: c.TagDocument.Threshold, Window: c.TagDocument.Window.Duration},
		},
		Session: SessionRule{
			InactivityGap: c.InactivityGap.Duration,
			AlertAfter:    c.AlertAfter.Duration,
		},
		Cooldown: c.Cooldown.Duration,
	}
}

// Session 持续型事件的会话快照。值类型，每次更新生成新值。
type Session struct {
	Start             time.Time
	LastSeen          time.Time
	Source            string
	Alerted           bool
	SuppressionLogged bool
}

func (s Session) Duration() time.Duration {
	return s.LastSeen.Sub(s.Start)
}

func (s Session) extend(now time.Time) Session {
	next := s
	if now.After(next.LastSeen) {
		next.LastSeen = now
	}
	return next
}
