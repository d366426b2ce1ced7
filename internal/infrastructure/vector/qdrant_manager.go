package vector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/knowdex/backend/internal/infrastructure/config"
	"github.com/knowdex/backend/internal/infrastructure/log"
)

// defaultQdrantVersion 内置的 Qdrant 版本
const defaultQdrantVersion = "v1.16.3"

// QdrantManager Qdrant 进程管理器
// 负责本地二进制的安装、启动、就绪等待与客户端连接
type QdrantManager struct {
	binaryPath string
	dataPath   string
	grpcPort   int
	httpPort   int
	cmd        *exec.Cmd
	client     *qdrant.Client
	logger     *slog.Logger
}

// NewQdrantManager 创建 Qdrant 管理器
func NewQdrantManager(cfg *config.QdrantConfig) *QdrantManager {
	return &QdrantManager{
		binaryPath: GetQdrantInstallPath(),
		dataPath:   GetQdrantDataPath(),
		grpcPort:   cfg.GRPCPort,
		httpPort:   cfg.HTTPPort,
		logger:     log.NewModuleLogger("vector", "qdrant_manager"),
	}
}

// GetBinaryPath 获取 Qdrant 二进制路径
func (q *QdrantManager) GetBinaryPath() string {
	return q.binaryPath
}

// GetDataPath 获取数据存储路径
func (q *QdrantManager) GetDataPath() string {
	return q.dataPath
}

// Start 启动 Qdrant 服务
// 二进制缺失时先下载安装
func (q *QdrantManager) Start() error {
	if err := os.MkdirAll(q.dataPath, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if _, err := os.Stat(q.binaryPath); os.IsNotExist(err) {
		q.logger.Info("Qdrant binary not found, downloading",
			"version", defaultQdrantVersion,
		)
		installed, err := InstallQdrant(defaultQdrantVersion)
		if err != nil {
			return fmt.Errorf("failed to install qdrant: %w", err)
		}
		q.binaryPath = installed
	}

	args := []string{
		"--config-path", "/dev/null",
		"--storage-path", q.dataPath,
		"--grpc-port", fmt.Sprintf("%d", q.grpcPort),
		"--http-port", fmt.Sprintf("%d", q.httpPort),
	}

	q.cmd = exec.Command(q.binaryPath, args...)
	q.cmd.Stdout = os.Stdout
	q.cmd.Stderr = os.Stderr

	if err := q.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start qdrant: %w", err)
	}

	if err := q.waitForReady(10 * time.Second); err != nil {
		q.Stop()
		return fmt.Errorf("qdrant failed to become ready: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: "localhost",
		Port: q.grpcPort,
	})
	if err != nil {
		q.Stop()
		return fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	q.client = client
	q.logger.Info("Qdrant started",
		"grpc_port", q.grpcPort,
		"http_port", q.httpPort,
		"data_path", q.dataPath,
	)

	return nil
}

// Connect 连接到已在运行的 Qdrant 实例，不启动进程
func (q *QdrantManager) Connect(host string) error {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: q.grpcPort,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to qdrant: %w", err)
	}
	q.client = client
	return nil
}

// Stop 停止 Qdrant 服务
func (q *QdrantManager) Stop() error {
	if q.cmd != nil && q.cmd.Process != nil {
		if err := q.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill qdrant process: %w", err)
		}
		q.cmd.Wait()
		q.cmd = nil
	}

	if q.client != nil {
		q.client.Close()
		q.client = nil
	}

	return nil
}

// GetClient 获取 Qdrant 客户端
func (q *QdrantManager) GetClient() *qdrant.Client {
	return q.client
}

// waitForReady 等待 Qdrant 服务就绪
func (q *QdrantManager) waitForReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		client, err := qdrant.NewClient(&qdrant.Config{
			Host: "localhost",
			Port: q.grpcPort,
		})
		if err == nil {
			_, err = client.ListCollections(context.Background())
			if err == nil {
				client.Close()
				return nil
			}
			client.Close()
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for qdrant to be ready")
}

// GetPlatformInfo 获取平台信息（用于下载）
func GetPlatformInfo() (osName, arch string) {
	osName = runtime.GOOS
	arch = runtime.GOARCH

	switch osName {
	case "darwin":
		osName = "macos"
	}

	switch arch {
	case "amd64":
		arch = "x86_64"
	}

	return osName, arch
}

// GetQdrantInstallPath 获取 Qdrant 安装路径
func GetQdrantInstallPath() string {
	osName, _ := GetPlatformInfo()
	binaryName := "qdrant"
	if osName == "windows" {
		binaryName = "qdrant.exe"
	}
	return filepath.Join(config.GetDataDir(), "bin", "qdrant", binaryName)
}

// GetQdrantDataPath 获取 Qdrant 数据路径
func GetQdrantDataPath() string {
	return filepath.Join(config.GetDataDir(), "data", "qdrant")
}

// InstallQdrant 下载并安装 Qdrant，已安装相同版本时直接返回
func InstallQdrant(version string) (string, error) {
	if version == "" {
		version = defaultQdrantVersion
	}

	osName, arch := GetPlatformInfo()
	downloadURL, err := buildDownloadURL(version, osName, arch)
	if err != nil {
		return "", fmt.Errorf("failed to build download URL: %w", err)
	}

	installPath := GetQdrantInstallPath()
	if _, err := os.Stat(installPath); err == nil {
		installedVersion, err := getInstalledVersion(installPath)
		if err == nil && installedVersion == version {
			return installPath, nil
		}
	}

	tmpDir, err := os.MkdirTemp("", "qdrant-download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	downloader := NewHTTPDownloader()
	downloadPath := filepath.Join(tmpDir, filepath.Base(downloadURL))

	opts := DefaultDownloadOptions()
	if checksum, err := downloader.FetchChecksum(context.Background(), downloadURL+".sha256"); err == nil {
		opts.ExpectedChecksum = checksum
	}

	if err := downloader.Download(context.Background(), downloadURL, downloadPath, opts); err != nil {
		return "", fmt.Errorf("failed to download qdrant: %w", err)
	}

	extractDir := filepath.Join(tmpDir, "extracted")
	extractor := NewArchiveExtractor()
	if err := extractor.Extract(downloadPath, extractDir); err != nil {
		return "", fmt.Errorf("failed to extract archive: %w", err)
	}

	binaryName := "qdrant"
	if osName == "windows" {
		binaryName = "qdrant.exe"
	}
	binaryPath, err := extractor.FindBinary(extractDir, binaryName)
	if err != nil {
		return "", fmt.Errorf("binary not found in extracted archive: %w", err)
	}

	installDir := filepath.Dir(installPath)
	if err := os.MkdirAll(installDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create install directory: %w", err)
	}

	if err := copyFile(binaryPath, installPath); err != nil {
		return "", fmt.Errorf("failed to copy binary: %w", err)
	}

	if osName != "windows" {
		if err := os.Chmod(installPath, 0755); err != nil {
			return "", fmt.Errorf("failed to set executable permission: %w", err)
		}
	}

	if err := verifyInstallation(installPath); err != nil {
		return "", fmt.Errorf("failed to verify installation: %w", err)
	}

	return installPath, nil
}

// buildDownloadURL 构建下载 URL
// https://github.com/qdrant/qdrant/releases/download/v1.16.3/qdrant-1.16.3-x86_64-apple-darwin.zip
func buildDownloadURL(version, osName, arch string) (string, error) {
	baseURL := "https://github.com/qdrant/qdrant/releases/download"
	versionNum := strings.TrimPrefix(version, "v")

	var filename string
	switch osName {
	case "windows":
		if arch != "x86_64" {
			return "", fmt.Errorf("unsupported architecture for Windows: %s", arch)
		}
		filename = fmt.Sprintf("qdrant-%s-x86_64-pc-windows-msvc.zip", versionNum)
	case "macos":
		switch arch {
		case "x86_64":
			filename = fmt.Sprintf("qdrant-%s-x86_64-apple-darwin.zip", versionNum)
		case "arm64":
			filename = fmt.Sprintf("qdrant-%s-aarch64-apple-darwin.zip", versionNum)
		default:
			return "", fmt.Errorf("unsupported architecture for macOS: %s", arch)
		}
	case "linux":
		switch arch {
		case "x86_64":
			filename = fmt.Sprintf("qdrant-%s-x86_64-unknown-linux-musl.zip", versionNum)
		case "arm64":
			filename = fmt.Sprintf("qdrant-%s-aarch64-unknown-linux-musl.zip", versionNum)
		default:
			return "", fmt.Errorf("unsupported architecture for Linux: %s", arch)
		}
	default:
		return "", fmt.Errorf("unsupported OS: %s", osName)
	}

	return fmt.Sprintf("%s/%s/%s", baseURL, version, filename), nil
}

// verifyInstallation 验证二进制可执行
func verifyInstallation(binaryPath string) error {
	cmd := exec.Command(binaryPath, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("binary verification failed: %w", err)
	}
	return nil
}

// getInstalledVersion 读取已安装版本
func getInstalledVersion(binaryPath string) (string, error) {
	cmd := exec.Command(binaryPath, "--version")
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}

	// 输出格式: "qdrant 1.16.3"
	fields := strings.Fields(strings.TrimSpace(string(output)))
	if len(fields) < 2 {
		return "", fmt.Errorf("unexpected version output: %s", string(output))
	}
	return "v" + fields[1], nil
}
