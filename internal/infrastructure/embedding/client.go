package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	domainRAG "github.com/knowdex/backend/internal/domain/rag"
	"github.com/knowdex/backend/internal/infrastructure/config"
	"github.com/knowdex/backend/internal/infrastructure/log"
)

// 任务模式：同一文本在两种模式下可能产生不同向量
const (
	inputTypeDocument = "document"
	inputTypeQuery    = "query"
)

// 确保 Client 实现了 domainRAG.EmbeddingProvider 接口
var _ domainRAG.EmbeddingProvider = (*Client)(nil)

// UsageStats 累计用量统计
type UsageStats struct {
	CallCount  int64 `json:"call_count"`
	TokenCount int64 `json:"token_count"`
	ErrorCount int64 `json:"error_count"`
}

// Client Embedding API 客户端
// 所有调用经过速率限制器，限流类错误指数退避重试
type Client struct {
	baseURL        string
	apiKey         string
	model          string
	modelVersion   string
	batchSize      int
	maxRetries     int
	retryBaseDelay time.Duration
	httpClient     *http.Client
	limiter        *rate.Limiter
	logger         *slog.Logger

	mu    sync.Mutex
	usage UsageStats
}

// NewClient 创建 Embedding 客户端
func NewClient(cfg *config.EmbeddingConfig) *Client {
	// 规范化 baseURL：移除末尾斜杠
	normalizedURL := strings.TrimSuffix(cfg.BaseURL, "/")

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryBaseDelay := cfg.RetryBaseDelay
	if retryBaseDelay <= 0 {
		retryBaseDelay = time.Second
	}
	callsPerMinute := cfg.CallsPerMinute
	if callsPerMinute <= 0 {
		callsPerMinute = 60
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:        normalizedURL,
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		modelVersion:   cfg.ModelVersion,
		batchSize:      batchSize,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(callsPerMinute)/60.0), 1),
		logger:  log.NewModuleLogger("embedding", "client"),
	}
}

// buildEmbeddingURL 构建 Embedding API URL
// 支持多种输入格式，智能拼接 /v1/embeddings 路径
func buildEmbeddingURL(baseURL string) string {
	if strings.Contains(baseURL, "/v1/embeddings") {
		return baseURL
	}
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL + "/embeddings"
	}
	if strings.HasSuffix(baseURL, "/v1/") {
		return baseURL + "embeddings"
	}
	return fmt.Sprintf("%s/v1/embeddings", baseURL)
}

// embeddingRequest Embedding 请求
type embeddingRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	InputType string   `json:"input_type,omitempty"`
}

// embeddingResponse Embedding 响应
type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// EmbedBatch 以 document 模式批量向量化，超过批大小自动分批
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([]*domainRAG.EmbeddingResult, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([]*domainRAG.EmbeddingResult, 0, len(texts))
	totalBatches := (len(texts) + c.batchSize - 1) / c.batchSize

	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]
		batchNum := (i / c.batchSize) + 1

		c.logger.Debug("Processing batch",
			"batch", batchNum,
			"total_batches", totalBatches,
			"batch_size", len(batch),
		)

		vectors, err := c.embedWithRetry(ctx, batch, inputTypeDocument)
		if err != nil {
			c.logger.Error("Failed to embed batch",
				"batch", batchNum,
				"error", err,
			)
			return nil, fmt.Errorf("failed to embed batch %d: %w", batchNum, err)
		}

		for j, vector := range vectors {
			results = append(results, &domainRAG.EmbeddingResult{
				Vector:       vector,
				TokenCount:   approxTokens(batch[j]),
				Model:        c.model,
				ModelVersion: c.modelVersion,
			})
		}
	}

	return results, nil
}

// EmbedQuery 以 query 模式向量化单条查询
func (c *Client) EmbedQuery(ctx context.Context, text string) (*domainRAG.EmbeddingResult, error) {
	vectors, err := c.embedWithRetry(ctx, []string{text}, inputTypeQuery)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, &domainRAG.EmbeddingError{Err: fmt.Errorf("empty embedding response")}
	}
	return &domainRAG.EmbeddingResult{
		Vector:       vectors[0],
		TokenCount:   approxTokens(text),
		Model:        c.model,
		ModelVersion: c.modelVersion,
	}, nil
}

// Usage 返回累计用量快照
func (c *Client) Usage() UsageStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// embedWithRetry 限流 + 有界重试
// 429/配额类错误按 retryBaseDelay*2^attempt 退避，400 类请求错误立即失败，
// 其余错误按 5s*2^attempt 退避，重试耗尽后返回最后一次错误
func (c *Client) embedWithRetry(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		// Wait 自身是并发安全的，多个调用方共享同一全局速率
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		vectors, err := c.embedOnce(ctx, texts, inputType)
		if err == nil {
			c.recordUsage(texts)
			return vectors, nil
		}
		lastErr = err
		c.recordError()

		embErr, ok := err.(*domainRAG.EmbeddingError)
		if ok && !embErr.Retryable {
			c.logger.Error("Embedding request fatal, not retrying",
				"status_code", embErr.StatusCode,
				"error", err,
			)
			return nil, err
		}

		var delay time.Duration
		if ok && embErr.StatusCode == http.StatusTooManyRequests {
			delay = c.retryBaseDelay * (1 << attempt)
		} else {
			delay = 5 * time.Second * (1 << attempt)
		}

		if attempt < c.maxRetries-1 {
			c.logger.Warn("Embedding request failed, retrying",
				"attempt", attempt+1,
				"max_retries", c.maxRetries,
				"delay", delay,
				"error", err,
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	c.logger.Error("Embedding request failed after all retries",
		"max_retries", c.maxRetries,
		"error", lastErr,
	)
	return nil, lastErr
}

// embedOnce 发送单次请求，HTTP 状态码映射为可重试/致命错误
func (c *Client) embedOnce(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	reqBody := embeddingRequest{
		Model:     c.model,
		Input:     texts,
		InputType: inputType,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &domainRAG.EmbeddingError{Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	url := buildEmbeddingURL(c.baseURL)

	c.logger.Debug("Sending embedding request",
		"url", url,
		"batch_size", len(texts),
		"model", c.model,
		"input_type", inputType,
		"api_key", maskAPIKey(c.apiKey),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, &domainRAG.EmbeddingError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// 网络层错误视为瞬时错误
		return nil, &domainRAG.EmbeddingError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		reqErr := fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &domainRAG.EmbeddingError{StatusCode: resp.StatusCode, Retryable: true, Err: reqErr}
		case resp.StatusCode == http.StatusBadRequest:
			return nil, &domainRAG.EmbeddingError{StatusCode: resp.StatusCode, Retryable: false, Err: reqErr}
		default:
			return nil, &domainRAG.EmbeddingError{StatusCode: resp.StatusCode, Retryable: true, Err: reqErr}
		}
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, &domainRAG.EmbeddingError{Retryable: true, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	vectors := make([][]float32, len(embeddingResp.Data))
	for _, data := range embeddingResp.Data {
		if data.Index < 0 || data.Index >= len(vectors) {
			return nil, &domainRAG.EmbeddingError{Err: fmt.Errorf("embedding index %d out of range", data.Index)}
		}
		vectors[data.Index] = data.Embedding
	}

	return vectors, nil
}

func (c *Client) recordUsage(texts []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.CallCount++
	for _, text := range texts {
		c.usage.TokenCount += int64(approxTokens(text))
	}
}

func (c *Client) recordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage.ErrorCount++
}

// approxTokens 词数近似的 token 统计
func approxTokens(text string) int {
	return len(strings.Fields(text))
}

// maskAPIKey API Key 脱敏
func maskAPIKey(apiKey string) string {
	if len(apiKey) > 8 {
		return apiKey[:4] + "..." + apiKey[len(apiKey)-4:]
	}
	return "***"
}

// sleepCtx 可取消的退避等待
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
