package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/knowdex/backend/internal/infrastructure/log"
)

// 下载过程中可能出现的错误
var (
	ErrDownloadCanceled = errors.New("download canceled")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrSizeMismatch     = errors.New("downloaded size mismatch")
)

// statusError 非 200 响应,重试策略按状态码区分
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %s", e.status)
}

// DownloadOptions 控制单次下载任务的校验与重试行为
type DownloadOptions struct {
	// ExpectedChecksum 下载完成后比对的 SHA256（为空则跳过校验）
	ExpectedChecksum string
	// MaxRetries 最大尝试次数
	MaxRetries int
	// RetryDelay 重试退避基数,按指数增长
	RetryDelay time.Duration
}

// DefaultDownloadOptions 返回默认下载选项
func DefaultDownloadOptions() DownloadOptions {
	return DownloadOptions{
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// HTTPDownloader 负责拉取 qdrant 发行包
// 写入采用临时文件加重命名,校验通过前目标路径不会出现半成品
type HTTPDownloader struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPDownloader 创建 HTTP 下载器
func NewHTTPDownloader() *HTTPDownloader {
	// 超时拆分到各阶段,整体时长交给调用方的 context 控制
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &HTTPDownloader{
		client: &http.Client{Transport: transport},
		logger: log.NewModuleLogger("vector", "downloader"),
	}
}

// Download 下载 url 到 destPath,可重试错误按指数退避重试
func (d *HTTPDownloader) Download(ctx context.Context, url, destPath string, opts DownloadOptions) error {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 1 {
			d.logger.Info("retrying download",
				"attempt", attempt,
				"max_retries", opts.MaxRetries,
				"url", url)

			backoff := opts.RetryDelay * time.Duration(1<<(attempt-2))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrDownloadCanceled, ctx.Err())
			case <-time.After(backoff):
			}
		}

		err := d.fetchOnce(ctx, url, destPath, opts)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}

		lastErr = err
		d.logger.Warn("download attempt failed",
			"attempt", attempt,
			"error", err)
	}

	return fmt.Errorf("download failed after %d attempts: %w", opts.MaxRetries, lastErr)
}

// fetchOnce 执行单次下载尝试
func (d *HTTPDownloader) fetchOnce(ctx context.Context, url, destPath string, opts DownloadOptions) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "knowdex-downloader/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrDownloadCanceled, ctx.Err())
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode, status: resp.Status}
	}

	if resp.ContentLength > 0 {
		d.logger.Info("downloading file",
			"url", url,
			"size_mb", float64(resp.ContentLength)/(1024*1024))
	}

	tmpPath := destPath + ".tmp"
	written, err := d.writeFile(ctx, tmpPath, resp.Body)
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	if resp.ContentLength > 0 && written != resp.ContentLength {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: expected %d bytes, got %d",
			ErrSizeMismatch, resp.ContentLength, written)
	}

	if opts.ExpectedChecksum != "" {
		sum, err := fileSHA256(tmpPath)
		if err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to hash download: %w", err)
		}
		if !strings.EqualFold(sum, opts.ExpectedChecksum) {
			os.Remove(tmpPath)
			return fmt.Errorf("%w: expected %s, got %s",
				ErrChecksumMismatch, opts.ExpectedChecksum, sum)
		}
		d.logger.Info("checksum verified", "checksum", sum)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move download into place: %w", err)
	}

	d.logger.Info("download completed",
		"path", destPath,
		"size_bytes", written)

	return nil
}

// writeFile 把响应体落到临时文件并返回写入字节数
func (d *HTTPDownloader) writeFile(ctx context.Context, path string, body io.Reader) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	written, err := io.Copy(out, body)
	if err != nil {
		out.Close()
		if ctx.Err() != nil {
			return written, fmt.Errorf("%w: %v", ErrDownloadCanceled, ctx.Err())
		}
		return written, fmt.Errorf("failed to write file: %w", err)
	}

	if err := out.Close(); err != nil {
		return written, fmt.Errorf("failed to close file: %w", err)
	}
	return written, nil
}

// fileSHA256 计算文件的 SHA256 校验和
func fileSHA256(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// isRetryableError 校验和不匹配与取消不重试,HTTP 错误仅 5xx 重试
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrDownloadCanceled) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= http.StatusInternalServerError
	}
	return true
}

// FetchChecksum 拉取远端校验和文件,兼容 "hash  filename" 与纯 hash 两种格式
func (d *HTTPDownloader) FetchChecksum(ctx context.Context, checksumURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checksumURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("checksum file not available: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	parts := strings.Fields(strings.TrimSpace(string(data)))
	if len(parts) == 0 {
		return "", fmt.Errorf("invalid checksum format")
	}
	return parts[0], nil
}
