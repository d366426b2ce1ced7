package vector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPDownloader_Download_Success(t *testing.T) {
	content := []byte("test file content for download")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "test-download")
	downloader := NewHTTPDownloader()

	err := downloader.Download(context.Background(), server.URL, destPath, DefaultDownloadOptions())
	require.NoError(t, err)

	downloaded, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, content, downloaded)
}

func TestHTTPDownloader_Download_ContextCanceled(t *testing.T) {
	// 慢速服务器,响应头迟迟不返回
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "test-download-cancel")
	downloader := NewHTTPDownloader()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := downloader.Download(ctx, server.URL, destPath, DefaultDownloadOptions())
	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrDownloadCanceled)
}

func TestHTTPDownloader_Download_404NotRetried(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "test-download-404")
	downloader := NewHTTPDownloader()

	opts := DefaultDownloadOptions()
	opts.MaxRetries = 3
	opts.RetryDelay = 10 * time.Millisecond
	err := downloader.Download(context.Background(), server.URL, destPath, opts)
	assert.Error(t, err)

	var se *statusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.code)
	assert.Equal(t, 1, attempts, "client errors should not be retried")
}

func TestHTTPDownloader_Download_ChecksumMismatch(t *testing.T) {
	content := []byte("test file content")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "test-download-checksum")
	downloader := NewHTTPDownloader()

	opts := DefaultDownloadOptions()
	opts.ExpectedChecksum = "wrongchecksum123456789"

	err := downloader.Download(context.Background(), server.URL, destPath, opts)
	assert.Error(t, err)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	// 校验失败后目标路径和临时文件都不应残留
	_, err = os.Stat(destPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(destPath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestHTTPDownloader_Download_TruncatedBody(t *testing.T) {
	// Content-Length 声明 1000 字节但实际只有 5 字节
	// 截断可能在 io.Copy 阶段以 EOF 形式报出,也可能走大小比对
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("short"))
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "test-download-truncated")
	downloader := NewHTTPDownloader()

	opts := DefaultDownloadOptions()
	opts.MaxRetries = 1
	err := downloader.Download(context.Background(), server.URL, destPath, opts)
	assert.Error(t, err)

	_, err = os.Stat(destPath)
	assert.True(t, os.IsNotExist(err))
}

func TestHTTPDownloader_Download_RetryOnServerError(t *testing.T) {
	// 前两次返回 500,第三次成功
	attempts := 0
	content := []byte("success after retry")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "test-download-retry")
	downloader := NewHTTPDownloader()

	opts := DefaultDownloadOptions()
	opts.MaxRetries = 3
	opts.RetryDelay = 10 * time.Millisecond

	err := downloader.Download(context.Background(), server.URL, destPath, opts)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	downloaded, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, content, downloaded)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name:     "checksum mismatch - not retryable",
			err:      fmt.Errorf("%w: expected a, got b", ErrChecksumMismatch),
			expected: false,
		},
		{
			name:     "download canceled - not retryable",
			err:      ErrDownloadCanceled,
			expected: false,
		},
		{
			name:     "404 - not retryable",
			err:      &statusError{code: http.StatusNotFound, status: "404 Not Found"},
			expected: false,
		},
		{
			name:     "500 - retryable",
			err:      &statusError{code: http.StatusInternalServerError, status: "500 Internal Server Error"},
			expected: true,
		},
		{
			name:     "size mismatch - retryable",
			err:      fmt.Errorf("%w: expected 10 bytes, got 5", ErrSizeMismatch),
			expected: true,
		},
		{
			name:     "network error - retryable",
			err:      fmt.Errorf("network error: connection refused"),
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryableError(tt.err))
		})
	}
}

func TestFetchChecksum(t *testing.T) {
	checksum := "abc123def456"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(checksum + "  filename.tar.gz"))
	}))
	defer server.Close()

	downloader := NewHTTPDownloader()
	result, err := downloader.FetchChecksum(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, checksum, result)
}
