package rag

import (
	"errors"
	"fmt"
)

// ExtractionError 源文件无法读取或内容损坏
type ExtractionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.Path, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// EmbeddingError 向量化调用失败，Retryable 区分限流类瞬时错误与请求本身非法
type EmbeddingError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *EmbeddingError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("embedding request failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("embedding request failed: %v", e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// VectorIndexError 向量引擎连接或操作失败
type VectorIndexError struct {
	Op  string
	Err error
}

func (e *VectorIndexError) Error() string {
	return fmt.Sprintf("vector index %s: %v", e.Op, e.Err)
}

func (e *VectorIndexError) Unwrap() error { return e.Err }

// ManifestIntegrityError 唯一约束或外键约束被破坏，必须向调用方暴露
type ManifestIntegrityError struct {
	Constraint string
	Err        error
}

func (e *ManifestIntegrityError) Error() string {
	return fmt.Sprintf("manifest integrity violation (%s): %v", e.Constraint, e.Err)
}

func (e *ManifestIntegrityError) Unwrap() error { return e.Err }

// ExplainerValidationError 重试耗尽后 LLM 输出仍不合法
type ExplainerValidationError struct {
	Reason string
}

func (e *ExplainerValidationError) Error() string {
	return fmt.Sprintf("explainer output invalid: %s", e.Reason)
}

// LLMCallError 对话模型调用失败
type LLMCallError struct {
	Model string
	Err   error
}

func (e *LLMCallError) Error() string {
	return fmt.Sprintf("llm call failed (model %s): %v", e.Model, e.Err)
}

func (e *LLMCallError) Unwrap() error { return e.Err }

// IsRetryableEmbedding 判断是否为可重试的向量化错误
func IsRetryableEmbedding(err error) bool {
	var ee *EmbeddingError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// ErrDocumentNotFound 文档不存在
var ErrDocumentNotFound = errors.New("document not found")

// ErrChunkNotFound 块不存在
var ErrChunkNotFound = errors.New("chunk not found")

// ErrJobNotFound 摄取任务不存在
var ErrJobNotFound = errors.New("ingest job not found")
