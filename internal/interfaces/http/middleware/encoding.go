package middleware

import (
	"bytes"
	"io"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// EnsureUTF8Body 将非 UTF-8 的请求体按 GBK 转码后再交给处理器
// Windows 中文终端下 curl 提交的请求体常是 GBK（代码页 936）
func EnsureUTF8Body() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}

		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Next()
			return
		}
		c.Request.Body.Close()

		if !utf8.Valid(bodyBytes) {
			// 转码失败或结果仍然无效时保留原始字节，交给 JSON 绑定报错
			if converted, err := convertGBKToUTF8(bodyBytes); err == nil && utf8.Valid(converted) {
				bodyBytes = converted
				c.Request.ContentLength = int64(len(converted))
			}
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		c.Next()
	}
}

// convertGBKToUTF8 将 GBK 编码的字节转换为 UTF-8
func convertGBKToUTF8(gbkBytes []byte) ([]byte, error) {
	reader := transform.NewReader(bytes.NewReader(gbkBytes), simplifiedchinese.GBK.NewDecoder())
	return io.ReadAll(reader)
}
