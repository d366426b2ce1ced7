package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"log/slog"

	domainRAG "github.com/knowdex/backend/internal/domain/rag"
	"github.com/knowdex/backend/internal/infrastructure/config"
	"github.com/knowdex/backend/internal/infrastructure/log"
)

// 确保 Client 实现了 domainRAG.ChatProvider 接口
var _ domainRAG.ChatProvider = (*Client)(nil)

// Client LLM Chat 客户端
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// ChatRequest Chat API 请求
type ChatRequest struct {
	Messages       []domainRAG.ChatMessage `json:"messages"`
	Model          string                  `json:"model,omitempty"`
	Temperature    float64                 `json:"temperature"`
	ResponseFormat *ResponseFormat         `json:"response_format,omitempty"`
}

// ResponseFormat 响应格式约束
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatResponse Chat API 响应
type ChatResponse struct {
	ID      string `json:"id,omitempty"`
	Object  string `json:"object,omitempty"`
	Created int64  `json:"created,omitempty"`
	Model   string `json:"model,omitempty"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewClient 创建 LLM 客户端
func NewClient(cfg *config.LLMConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log.NewModuleLogger("llm", "client"),
	}
}

// Complete 调用 chat completions，返回首条回复文本
// model 为空时使用客户端默认模型
func (c *Client) Complete(ctx context.Context, model string, messages []domainRAG.ChatMessage, temperature float64, jsonResponse bool) (string, error) {
	if model == "" {
		model = c.model
	}

	reqBody := ChatRequest{
		Messages:    messages,
		Model:       model,
		Temperature: temperature,
	}
	if jsonResponse {
		reqBody.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", &domainRAG.LLMCallError{Model: model, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", &domainRAG.LLMCallError{Model: model, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	c.logger.Debug("Sending chat completion request",
		"url", url,
		"model", model,
		"temperature", temperature,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &domainRAG.LLMCallError{Model: model, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := c.readResponseBody(resp)
		return "", &domainRAG.LLMCallError{
			Model: model,
			Err:   fmt.Errorf("API returned status %d: %s", resp.StatusCode, body),
		}
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", &domainRAG.LLMCallError{Model: model, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if len(chatResp.Choices) == 0 {
		return "", &domainRAG.LLMCallError{Model: model, Err: fmt.Errorf("API returned no choices")}
	}

	c.logger.Debug("Chat completion successful",
		"model", model,
		"tokens", chatResp.Usage.TotalTokens,
	)

	return chatResp.Choices[0].Message.Content, nil
}

// TestConnection 测试 LLM API 连接
func (c *Client) TestConnection(ctx context.Context) error {
	testPrompt := "This is a test. Please respond with 'OK' in JSON format: {\"status\": \"OK\"}"

	_, err := c.Complete(ctx, "", []domainRAG.ChatMessage{
		{Role: "user", Content: testPrompt},
	}, 0, false)
	if err != nil {
		c.logger.Error("LLM connection test failed",
			"error", err,
		)
		return err
	}

	c.logger.Info("LLM connection test successful",
		"model", c.model,
	)
	return nil
}

// readResponseBody 读取响应体
func (c *Client) readResponseBody(resp *http.Response) (string, error) {
	if resp.Body == nil {
		return "", nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
