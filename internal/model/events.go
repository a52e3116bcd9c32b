package model

import "time"

// EventKind 安全事件类型
type EventKind string

const (
	KindCapture       EventKind = "CAPTURE"     // PrintScreen、截图工具启动等 "计数型"
	KindRecording     EventKind = "RECORDING"   // 录屏工具 (OBS 等) "持续型(会话)"
	KindTagImage      EventKind = "STEGO_IMAGE" // 图片 (PNG/JPG) 标记 "计数型"
	KindTagDocument   EventKind = "STEGO_PDF"   // 文档 (PDF) 标记 "计数型"
	KindDecodeSuccess EventKind = "DECODE_SUCCESS"
	KindDecodeFail    EventKind = "DECODE_FAIL"
)

// Event 传感器产生的类型化事件，创建后不可修改
type Event struct {
	Timestamp  time.Time
	SubjectID  string    // 用户 ID
	Kind       EventKind // 事件类型
	Source     string    // "PrintScreen" / "obs64" / "png" / "pdf" 等
	ContentRef string    // 窗口标题或文件路径
	Note       string
}

// NewEvent 以当前时间创建事件
func NewEvent(kind EventKind, source, contentRef, note, subjectID string) Event {
	return Event{
		Timestamp:  time.Now(),
		SubjectID:  subjectID,
		Kind:       kind,
		Source:     source,
		ContentRef: contentRef,
		Note:       note,
	}
}

// FileEvent 文件系统通知
type FileEvent struct {
	FilePath  string
	Operation string // CREATE, WRITE, RENAME
	TimeStamp time.Time
}
