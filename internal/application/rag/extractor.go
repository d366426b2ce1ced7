package rag

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"

	domainRAG "github.com/knowdex/backend/internal/domain/rag"
)

// Extractor 文档内容提取器
// 将原始文件转换为 UTF-8 文本，并附带提取器名称/版本用于审计和复现
type Extractor interface {
	// Name 提取器标识
	Name() string
	// Version 提取器版本
	Version() string
	// Extract 从文件中提取文本
	Extract(path string) (*domainRAG.ExtractedDocument, error)
}

// ExtractorRegistry 提取器注册表
// 按 MIME 类型路由到对应的提取器
type ExtractorRegistry struct {
	byMIME map[string]Extractor
}

// NewExtractorRegistry 创建注册表并注册内置提取器
func NewExtractorRegistry() *ExtractorRegistry {
	r := &ExtractorRegistry{
		byMIME: make(map[string]Extractor),
	}

	text := &TextExtractor{}
	for _, m := range []string{
		"text/plain",
		"text/markdown",
		"text/html",
		"text/csv",
		"application/json",
		"application/x-yaml",
	} {
		r.Register(m, text)
	}
	r.Register("application/pdf", &PDFExtractor{})
	r.Register("application/vnd.openxmlformats-officedocument.wordprocessingml.document", &DocxExtractor{})

	return r
}

// Register 注册提取器
func (r *ExtractorRegistry) Register(mimeType string, extractor Extractor) {
	r.byMIME[mimeType] = extractor
}

// DetectMIME 检测文件的 MIME 类型
// 已知扩展名优先，未知扩展名回退到内容嗅探
func (r *ExtractorRegistry) DetectMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".rst":
		return "text/plain"
	case ".md", ".markdown":
		return "text/markdown"
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	}

	if mtype, err := mimetype.DetectFile(path); err == nil {
		// mimetype 可能返回带参数的类型（text/plain; charset=utf-8）
		return strings.Split(mtype.String(), ";")[0]
	}
	return "text/plain"
}

// ForMIME 返回 MIME 类型对应的提取器
// 文本类 MIME（text/*）统一回退到文本提取器
func (r *ExtractorRegistry) ForMIME(mimeType string) (Extractor, error) {
	if e, ok := r.byMIME[mimeType]; ok {
		return e, nil
	}
	if strings.HasPrefix(mimeType, "text/") {
		return r.byMIME["text/plain"], nil
	}
	return nil, &domainRAG.ExtractionError{
		Reason: fmt.Sprintf("unsupported mime type: %s", mimeType),
	}
}

// Extract 检测类型并提取文本
func (r *ExtractorRegistry) Extract(path string) (*domainRAG.ExtractedDocument, string, error) {
	mimeType := r.DetectMIME(path)
	extractor, err := r.ForMIME(mimeType)
	if err != nil {
		return nil, mimeType, err
	}

	doc, err := extractor.Extract(path)
	if err != nil {
		return nil, mimeType, err
	}
	return doc, mimeType, nil
}

// TextExtractor 纯文本提取器
// 直接读取文件内容，无效的 UTF-8 字节被替换
type TextExtractor struct{}

func (e *TextExtractor) Name() string    { return "text-direct" }
func (e *TextExtractor) Version() string { return "1.0" }

func (e *TextExtractor) Extract(path string) (*domainRAG.ExtractedDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domainRAG.ExtractionError{Path: path, Reason: "read file", Err: err}
	}

	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}

	return &domainRAG.ExtractedDocument{
		Text:          text,
		ExtractorName: e.Name(),
		ExtractorVer:  e.Version(),
	}, nil
}

// PDFExtractor PDF 提取器
// 逐页提取纯文本，页之间插入 [Page N] 标记便于定位
type PDFExtractor struct{}

func (e *PDFExtractor) Name() string    { return "pdf-ledongthuc" }
func (e *PDFExtractor) Version() string { return "1.0" }

func (e *PDFExtractor) Extract(path string) (*domainRAG.ExtractedDocument, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, &domainRAG.ExtractionError{Path: path, Reason: "open pdf", Err: err}
	}
	defer f.Close()

	var sb strings.Builder
	pageCount := reader.NumPage()

	for i := 1; i <= pageCount; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// 单页损坏不终止整个文档
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		sb.WriteString(fmt.Sprintf("[Page %d]\n", i))
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	return &domainRAG.ExtractedDocument{
		Text:          strings.ToValidUTF8(sb.String(), "�"),
		ExtractorName: e.Name(),
		ExtractorVer:  e.Version(),
		PageCount:     pageCount,
	}, nil
}

// DocxExtractor DOCX 提取器
// DOCX 本质是 zip 包，正文在 word/document.xml 中
// 标准库的 zip + xml 足以解析，无需第三方依赖
type DocxExtractor struct{}

func (e *DocxExtractor) Name() string    { return "docx-xml" }
func (e *DocxExtractor) Version() string { return "1.0" }

func (e *DocxExtractor) Extract(path string) (*domainRAG.ExtractedDocument, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, &domainRAG.ExtractionError{Path: path, Reason: "open docx archive", Err: err}
	}
	defer zr.Close()

	var docXML io.ReadCloser
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docXML, err = f.Open()
			if err != nil {
				return nil, &domainRAG.ExtractionError{Path: path, Reason: "open word/document.xml", Err: err}
			}
			break
		}
	}
	if docXML == nil {
		return nil, &domainRAG.ExtractionError{Path: path, Reason: "word/document.xml not found"}
	}
	defer docXML.Close()

	text, err := extractDocxText(docXML)
	if err != nil {
		return nil, &domainRAG.ExtractionError{Path: path, Reason: "parse document xml", Err: err}
	}

	return &domainRAG.ExtractedDocument{
		Text:          text,
		ExtractorName: e.Name(),
		ExtractorVer:  e.Version(),
	}, nil
}

// extractDocxText 流式解析 document.xml
// 收集 <w:t> 中的文本，段落以空行分隔，<w:tab>/<w:br> 转为制表符/换行；
// 段落样式为 HeadingN 时渲染为 markdown 标题前缀，保留文档结构供分块用
func extractDocxText(r io.Reader) (string, error) {
	decoder := xml.NewDecoder(r)

	var paragraphs []string
	var para strings.Builder
	headingLevel := 0
	inText := false

	flush := func() {
		text := strings.TrimSpace(para.String())
		para.Reset()
		level := headingLevel
		headingLevel = 0
		if text == "" {
			return
		}
		if level > 0 {
			text = strings.Repeat("#", level) + " " + text
		}
		paragraphs = append(paragraphs, text)
	}

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteString("\t")
			case "br":
				para.WriteString("\n")
			case "pStyle":
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						headingLevel = headingLevelOf(attr.Value)
					}
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				flush()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	flush()

	return strings.ToValidUTF8(strings.Join(paragraphs, "\n\n"), "�"), nil
}

// headingLevelOf 样式名 HeadingN → N，末尾无数字按 1 级，非标题样式返回 0
func headingLevelOf(style string) int {
	if !strings.HasPrefix(style, "Heading") {
		return 0
	}
	if last := style[len(style)-1]; last >= '1' && last <= '9' {
		return int(last - '0')
	}
	return 1
}
