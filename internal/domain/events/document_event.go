package events

import "time"

// DocumentFileEvent 文档源文件变更事件
// 被监听根目录下的文件发生增删改时触发
type DocumentFileEvent struct {
	// EventType 事件类型（created/modified/deleted）
	EventType EventType
	// Path 文件完整路径
	Path string
	// ModTime 文件最后修改时间（删除事件为零值）
	ModTime time.Time
	// FileSize 文件大小（字节）
	FileSize int64
	// EventTime 事件发生时间
	EventTime time.Time
}

// Type 实现 Event 接口
func (e *DocumentFileEvent) Type() EventType {
	return e.EventType
}

// Timestamp 实现 Event 接口
func (e *DocumentFileEvent) Timestamp() time.Time {
	return e.EventTime
}
