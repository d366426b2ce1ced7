package rag

import (
	"errors"
	"log/slog"

	"github.com/knowdex/backend/internal/domain/events"
	domainRAG "github.com/knowdex/backend/internal/domain/rag"
	"github.com/knowdex/backend/internal/infrastructure/log"
)

// DocumentEventHandler 订阅文件监听事件，把受影响的已摄取文档标记为过期
// 不在事件回调里直接重新摄取，重摄取由显式的 ingest 请求触发
type DocumentEventHandler struct {
	manifest domainRAG.Manifest
	ingest   *IngestService
	logger   *slog.Logger
}

var _ events.Handler = (*DocumentEventHandler)(nil)

// NewDocumentEventHandler 创建文档事件处理器
func NewDocumentEventHandler(manifest domainRAG.Manifest, ingest *IngestService) *DocumentEventHandler {
	return &DocumentEventHandler{
		manifest: manifest,
		ingest:   ingest,
		logger:   log.NewModuleLogger("application", "document_events"),
	}
}

// Attach 在事件总线上注册处理器，返回取消订阅函数
func (h *DocumentEventHandler) Attach(bus events.EventBus) func() {
	return bus.SubscribeMultiple(
		[]events.EventType{
			events.DocumentFileCreated,
			events.DocumentFileModified,
			events.DocumentFileDeleted,
		},
		h,
	)
}

// HandleEvent 处理单个文件事件
func (h *DocumentEventHandler) HandleEvent(event events.Event) error {
	docEvent, ok := event.(*events.DocumentFileEvent)
	if !ok {
		return nil
	}

	switch docEvent.Type() {
	case events.DocumentFileModified, events.DocumentFileDeleted:
		return h.markStale(docEvent.Path)

	case events.DocumentFileCreated:
		// 全量扫描会对现存文件重放 Created 事件，
		// 只有修改时间与清单不一致的文档才需要标记
		doc, err := h.manifest.GetDocumentByPath(docEvent.Path)
		if err != nil {
			if errors.Is(err, domainRAG.ErrDocumentNotFound) {
				return nil // 未登记的文件等待显式摄取
			}
			return err
		}
		if docEvent.ModTime.IsZero() || docEvent.ModTime.Unix() == doc.SourceMtime {
			return nil
		}
		return h.markStale(docEvent.Path)
	}

	return nil
}

func (h *DocumentEventHandler) markStale(path string) error {
	err := h.ingest.MarkStale(path)
	if err != nil {
		if errors.Is(err, domainRAG.ErrDocumentNotFound) {
			return nil
		}
		h.logger.Error("failed to mark document stale", "path", path, "error", err)
		return err
	}
	h.logger.Debug("document marked stale", "path", path)
	return nil
}
