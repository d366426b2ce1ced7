package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	domainRAG "github.com/knowdex/backend/internal/domain/rag"
	"github.com/knowdex/backend/internal/infrastructure/config"
	"github.com/knowdex/backend/internal/infrastructure/log"
	"github.com/knowdex/backend/internal/infrastructure/tokenizer"
)

// markdownHeadingPattern 匹配 1-3 级 markdown 标题行
var markdownHeadingPattern = regexp.MustCompile(`(?m)^#{1,3}\s`)

// paragraphBreakPattern 匹配段落分隔（连续空行）
var paragraphBreakPattern = regexp.MustCompile(`\n{2,}`)

// Chunker 结构感知分块器
// 先按结构边界（markdown 标题或段落）切分，再对超长段落滑动 Token 窗口，
// 最后合并过小的分块并按文档顺序编号
type Chunker struct {
	cfg    *config.ChunkerConfig
	tok    *tokenizer.Tokenizer
	logger *slog.Logger
}

// chunkPiece 分块中间结果
type chunkPiece struct {
	text        string
	tokenCount  int
	offsetStart int
	offsetEnd   int
}

// NewChunker 创建分块器
func NewChunker(cfg *config.ChunkerConfig) (*Chunker, error) {
	tok, err := tokenizer.GetTokenizer()
	if err != nil {
		return nil, err
	}

	return &Chunker{
		cfg:    cfg,
		tok:    tok,
		logger: log.NewModuleLogger("application", "chunker"),
	}, nil
}

// ChunkDocument 对提取后的文档文本分块，产出可持久化的分块记录
func (c *Chunker) ChunkDocument(doc *domainRAG.Document, extracted *domainRAG.ExtractedDocument) []*domainRAG.Chunk {
	pieces := c.chunkText(extracted.Text, doc.MimeType)

	now := time.Now()
	chunks := make([]*domainRAG.Chunk, 0, len(pieces))
	for i, p := range pieces {
		chunks = append(chunks, &domainRAG.Chunk{
			ID:           uuid.New().String(),
			DocumentID:   doc.ID,
			ChunkIndex:   i,
			OffsetStart:  p.offsetStart,
			OffsetEnd:    p.offsetEnd,
			ChunkHash:    HashChunkText(p.text),
			TokenCount:   p.tokenCount,
			Extractor:    extracted.ExtractorName,
			ExtractorVer: extracted.ExtractorVer,
			Scope:        doc.Scope,
			Text:         p.text,
			CreatedAt:    now,
		})
	}

	c.logger.Debug("document chunked",
		"doc_id", doc.ID,
		"chunks", len(chunks),
		"mime_type", doc.MimeType)

	return chunks
}

// chunkText 执行分块算法，返回带偏移的分块片段
func (c *Chunker) chunkText(text, mimeType string) []chunkPiece {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var pieces []chunkPiece
	for _, sec := range splitSections(text, mimeType) {
		pieces = append(pieces, c.chunkSection(sec)...)
	}

	return c.mergeSmallPieces(pieces)
}

// section 结构切分出的一段文本及其在源文本中的字节起点
type section struct {
	text  string
	start int
}

// splitSections 按结构边界切分
// markdown 按 1-3 级标题，其余格式按段落分隔
func splitSections(text, mimeType string) []section {
	var boundaries []int
	if isMarkdown(mimeType) {
		for _, loc := range markdownHeadingPattern.FindAllStringIndex(text, -1) {
			boundaries = append(boundaries, loc[0])
		}
	} else {
		for _, loc := range paragraphBreakPattern.FindAllStringIndex(text, -1) {
			boundaries = append(boundaries, loc[1])
		}
	}

	// 确保从 0 开始
	if len(boundaries) == 0 || boundaries[0] != 0 {
		boundaries = append([]int{0}, boundaries...)
	}

	var sections []section
	for i, start := range boundaries {
		end := len(text)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		sec := text[start:end]
		if strings.TrimSpace(sec) == "" {
			continue
		}
		sections = append(sections, section{text: sec, start: start})
	}
	return sections
}

func isMarkdown(mimeType string) bool {
	return mimeType == "text/markdown"
}

// chunkSection 对单个段落分块
// Token 数不超过 target 时整段作为一个分块，否则按重叠窗口滑动
func (c *Chunker) chunkSection(sec section) []chunkPiece {
	tokens := c.tok.Encode(sec.text)
	total := len(tokens)
	if total == 0 {
		return nil
	}

	if total <= c.cfg.TargetTokens {
		return []chunkPiece{{
			text:        sec.text,
			tokenCount:  total,
			offsetStart: sec.start,
			offsetEnd:   sec.start + len(sec.text),
		}}
	}

	step := c.cfg.TargetTokens - c.cfg.OverlapTokens
	if step < 1 {
		step = 1
	}

	var pieces []chunkPiece
	for start := 0; start < total; start += step {
		end := start + c.cfg.TargetTokens
		if end > total {
			end = total
		}

		// 偏移按前缀 Token 重编码估算，保证单调不减
		pieces = append(pieces, chunkPiece{
			text:        c.tok.Decode(tokens[start:end]),
			tokenCount:  end - start,
			offsetStart: sec.start + len(c.tok.Decode(tokens[:start])),
			offsetEnd:   sec.start + len(c.tok.Decode(tokens[:end])),
		})

		if end == total {
			break
		}
	}
	return pieces
}

// mergeSmallPieces 将低于 min 的分块并入后一个分块
// 合并后超出 max 的保持原样，末尾的小分块没有后继也保持原样
func (c *Chunker) mergeSmallPieces(pieces []chunkPiece) []chunkPiece {
	if len(pieces) == 0 {
		return nil
	}

	merged := make([]chunkPiece, 0, len(pieces))
	var pending *chunkPiece

	for i := range pieces {
		p := pieces[i]
		if pending != nil {
			combined := pending.text + "\n\n" + p.text
			combinedTokens := c.tok.CountTokens(combined)
			if combinedTokens <= c.cfg.MaxTokens {
				p = chunkPiece{
					text:        combined,
					tokenCount:  combinedTokens,
					offsetStart: pending.offsetStart,
					offsetEnd:   p.offsetEnd,
				}
			} else {
				merged = append(merged, *pending)
			}
			pending = nil
		}

		if p.tokenCount < c.cfg.MinTokens && i < len(pieces)-1 {
			hold := p
			pending = &hold
			continue
		}
		merged = append(merged, p)
	}

	if pending != nil {
		merged = append(merged, *pending)
	}
	return merged
}

// EstimateChunkCount 估算文本会产出的分块数量，不实际分块
// 用于摄取前的进度预估，与实际分块数可能因结构切分和合并略有出入
func (c *Chunker) EstimateChunkCount(text string) int {
	total := c.tok.CountTokens(text)
	if total == 0 {
		return 0
	}
	if total <= c.cfg.TargetTokens {
		return 1
	}

	step := c.cfg.TargetTokens - c.cfg.OverlapTokens
	if step < 1 {
		step = 1
	}
	return (total - c.cfg.OverlapTokens + step - 1) / step
}

// HashChunkText 计算分块文本的 SHA-256 哈希
// 哈希是文本内容的纯函数，用于去重和审计
func HashChunkText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
