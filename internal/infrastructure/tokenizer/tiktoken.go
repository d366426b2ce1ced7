package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// 在包初始化时设置离线加载器，避免运行时从网络下载编码文件
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Tokenizer 基于 tiktoken 的分词器
// 用于分块器的精确 Token 计数和按 Token 窗口切分
type Tokenizer struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

// 单例实例
var (
	instance *Tokenizer
	once     sync.Once
	loadErr  error
)

// GetTokenizer 获取 Tokenizer 单例
// 使用单例模式避免重复加载编码文件
func GetTokenizer() (*Tokenizer, error) {
	once.Do(func() {
		// 使用 cl100k_base 编码（GPT-4、Claude 等模型兼容）
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			loadErr = err
			return
		}
		instance = &Tokenizer{encoding: enc}
	})

	if loadErr != nil {
		return nil, loadErr
	}
	return instance, nil
}

// Encode 将文本编码为 Token 序列
func (t *Tokenizer) Encode(text string) []int {
	if text == "" {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.encoding.Encode(text, nil, nil)
}

// Decode 将 Token 序列解码回文本
func (t *Tokenizer) Decode(tokens []int) string {
	if len(tokens) == 0 {
		return ""
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.encoding.Decode(tokens)
}

// CountTokens 计算文本的 Token 数量
func (t *Tokenizer) CountTokens(text string) int {
	return len(t.Encode(text))
}

// CountTokensBatch 批量计算多个文本的 Token 数量
func (t *Tokenizer) CountTokensBatch(texts []string) int {
	total := 0
	for _, text := range texts {
		total += t.CountTokens(text)
	}
	return total
}
