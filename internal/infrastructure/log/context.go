package log

import (
	"context"
	"log/slog"
)

// 上下文键定义
const (
	// RequestContextID HTTP 请求 ID
	RequestContextID = "request_id"

	// ScopeContextID 检索分区
	ScopeContextID = "scope"

	// DocContextID 文档 ID
	DocContextID = "doc_id"

	// JobContextID 摄取任务 ID
	JobContextID = "job_id"
)

// WithRequestID 在上下文中添加请求 ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestContextID, requestID)
}

// WithScope 在上下文中添加检索分区
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, ScopeContextID, scope)
}

// WithDocID 在上下文中添加文档 ID
func WithDocID(ctx context.Context, docID string) context.Context {
	return context.WithValue(ctx, DocContextID, docID)
}

// WithJobID 在上下文中添加摄取任务 ID
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobContextID, jobID)
}

// LogCtxFromContext 从上下文中提取日志字段
func LogCtxFromContext(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr

	if requestID := ctx.Value(RequestContextID); requestID != nil {
		attrs = append(attrs, slog.String("request_id", requestID.(string)))
	}
	if scope := ctx.Value(ScopeContextID); scope != nil {
		attrs = append(attrs, slog.String("scope", scope.(string)))
	}
	if docID := ctx.Value(DocContextID); docID != nil {
		attrs = append(attrs, slog.String("doc_id", docID.(string)))
	}
	if jobID := ctx.Value(JobContextID); jobID != nil {
		attrs = append(attrs, slog.String("job_id", jobID.(string)))
	}

	return attrs
}
