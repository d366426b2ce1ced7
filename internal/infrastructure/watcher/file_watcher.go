package watcher

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/knowdex/backend/internal/domain/events"
	"github.com/knowdex/backend/internal/infrastructure/config"
	"github.com/knowdex/backend/internal/infrastructure/log"
)

// WatchConfig FileWatcher 配置
type WatchConfig struct {
	// Roots 被监听的文档根目录
	Roots []string
	// DebounceDelay 防抖延迟
	DebounceDelay time.Duration
	// FullScanThreshold 全量扫描阈值（距上次扫描超过此时间则执行全量扫描）
	FullScanThreshold time.Duration
}

// DefaultWatchConfig 返回默认配置
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		DebounceDelay:     500 * time.Millisecond,
		FullScanThreshold: 24 * time.Hour,
	}
}

// WatchConfigFrom 从应用配置构造监听配置
func WatchConfigFrom(cfg *config.WatcherConfig) WatchConfig {
	wc := DefaultWatchConfig()
	wc.Roots = cfg.Roots
	if cfg.DebounceMs > 0 {
		wc.DebounceDelay = time.Duration(cfg.DebounceMs) * time.Millisecond
	}
	return wc
}

// FileWatcher 文档目录监听器
// 监听文档根目录的文件变更，将增删改事件发布到事件总线，
// 供摄取层把受影响的文档标记为过期
type FileWatcher struct {
	config   WatchConfig
	eventBus events.EventBus
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	// 防抖相关
	debounceTimers map[string]*time.Timer
	debounceMu     sync.Mutex

	// 控制
	stopCh chan struct{}
	wg     sync.WaitGroup

	// 扫描元数据
	metadata *ScanMetadata
}

// NewFileWatcher 创建文件监听器
func NewFileWatcher(config WatchConfig, eventBus events.EventBus) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FileWatcher{
		config:         config,
		eventBus:       eventBus,
		watcher:        watcher,
		logger:         log.NewModuleLogger("watcher", "file_watcher"),
		debounceTimers: make(map[string]*time.Timer),
		stopCh:         make(chan struct{}),
		metadata:       NewScanMetadata(),
	}, nil
}

// Start 启动文件监听
func (fw *FileWatcher) Start() error {
	if len(fw.config.Roots) == 0 {
		fw.logger.Info("No watch roots configured, watcher idle")
		return nil
	}

	fw.logger.Info("Starting file watcher", "roots", fw.config.Roots)

	// 检查是否需要全量扫描
	if fw.needsFullScan() {
		fw.logger.Info("Performing full scan on startup")
		fw.performFullScan()
	}

	// 添加监听目录
	if err := fw.addWatchDirs(); err != nil {
		return err
	}

	// 启动事件处理循环
	fw.wg.Add(1)
	go fw.watchLoop()

	return nil
}

// Stop 停止文件监听
func (fw *FileWatcher) Stop() {
	fw.logger.Info("Stopping file watcher")

	close(fw.stopCh)
	fw.watcher.Close()
	fw.wg.Wait()

	// 取消所有防抖定时器
	fw.debounceMu.Lock()
	for _, timer := range fw.debounceTimers {
		timer.Stop()
	}
	fw.debounceMu.Unlock()

	fw.logger.Info("File watcher stopped")
}

// needsFullScan 判断是否需要全量扫描
func (fw *FileWatcher) needsFullScan() bool {
	lastScan := fw.metadata.GetLastScanTime()

	// 从未扫描过
	if lastScan.IsZero() {
		fw.logger.Info("No previous scan found, full scan required")
		return true
	}

	// 距上次扫描超过阈值
	elapsed := time.Since(lastScan)
	if elapsed > fw.config.FullScanThreshold {
		fw.logger.Info("Last scan too old, full scan required",
			"last_scan", lastScan,
			"elapsed", elapsed,
			"threshold", fw.config.FullScanThreshold,
		)
		return true
	}

	fw.logger.Info("Recent scan found, skipping full scan",
		"last_scan", lastScan,
		"elapsed", elapsed,
	)
	return false
}

// performFullScan 执行全量扫描
// 为所有根目录下的现存文件发布 Created 事件，订阅方负责与清单库比对
func (fw *FileWatcher) performFullScan() {
	startTime := time.Now()
	count := 0

	for _, root := range fw.config.Roots {
		count += fw.scanRoot(root)
	}

	// 更新扫描时间
	fw.metadata.SetLastScanTime(time.Now())

	fw.logger.Info("Full scan completed",
		"files", count,
		"duration", time.Since(startTime),
	)
}

// scanRoot 扫描单个根目录
func (fw *FileWatcher) scanRoot(root string) int {
	count := 0

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // 忽略无法访问的条目
		}
		if info.IsDir() || isHiddenPath(path) {
			return nil
		}

		fw.eventBus.Publish(&events.DocumentFileEvent{
			EventType: events.DocumentFileCreated,
			Path:      path,
			ModTime:   info.ModTime(),
			FileSize:  info.Size(),
			EventTime: time.Now(),
		})
		count++
		return nil
	})
	if err != nil {
		fw.logger.Error("Failed to scan root directory", "root", root, "error", err)
	}

	return count
}

// addWatchDirs 添加监听目录
func (fw *FileWatcher) addWatchDirs() error {
	for _, root := range fw.config.Roots {
		if err := fw.addDirRecursive(root); err != nil {
			fw.logger.Warn("Failed to add watch root", "root", root, "error", err)
		}
	}
	return nil
}

// addDirRecursive 递归添加目录监听
func (fw *FileWatcher) addDirRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // 忽略无法访问的目录
		}

		if info.IsDir() && !isHiddenPath(path) {
			if err := fw.watcher.Add(path); err != nil {
				fw.logger.Debug("Failed to add directory to watch",
					"path", path,
					"error", err,
				)
			} else {
				fw.logger.Debug("Added directory to watch", "path", path)
			}
		}
		return nil
	})
}

// isHiddenPath 判断路径中是否含隐藏目录或隐藏文件
func isHiddenPath(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && base != "." && base != ".."
}

// watchLoop 事件监听循环
func (fw *FileWatcher) watchLoop() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.stopCh:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleFsEvent(event)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("Watcher error", "error", err)
		}
	}
}

// handleFsEvent 处理文件系统事件
func (fw *FileWatcher) handleFsEvent(event fsnotify.Event) {
	if isHiddenPath(event.Name) {
		return
	}

	// 新创建的子目录需要加入监听
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := fw.addDirRecursive(event.Name); err != nil {
				fw.logger.Debug("Failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}

	fw.debounceFileEvent(event)
}

// debounceFileEvent 文件事件防抖
// 编辑器的连续写入合并为一次事件
func (fw *FileWatcher) debounceFileEvent(fsEvent fsnotify.Event) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	// 取消之前的定时器
	if timer, exists := fw.debounceTimers[fsEvent.Name]; exists {
		timer.Stop()
	}

	// 创建新的防抖定时器
	fw.debounceTimers[fsEvent.Name] = time.AfterFunc(fw.config.DebounceDelay, func() {
		fw.emitFileEvent(fsEvent)

		// 清理定时器
		fw.debounceMu.Lock()
		delete(fw.debounceTimers, fsEvent.Name)
		fw.debounceMu.Unlock()
	})
}

// emitFileEvent 发布文档文件事件
func (fw *FileWatcher) emitFileEvent(fsEvent fsnotify.Event) {
	// 确定事件类型
	var eventType events.EventType
	switch {
	case fsEvent.Has(fsnotify.Create):
		eventType = events.DocumentFileCreated
	case fsEvent.Has(fsnotify.Write):
		eventType = events.DocumentFileModified
	case fsEvent.Has(fsnotify.Remove), fsEvent.Has(fsnotify.Rename):
		eventType = events.DocumentFileDeleted
	default:
		return
	}

	// 获取文件信息（删除事件拿不到）
	var modTime time.Time
	var fileSize int64
	if fileInfo, err := os.Stat(fsEvent.Name); err == nil {
		if fileInfo.IsDir() {
			return
		}
		modTime = fileInfo.ModTime()
		fileSize = fileInfo.Size()
	}

	fw.eventBus.Publish(&events.DocumentFileEvent{
		EventType: eventType,
		Path:      fsEvent.Name,
		ModTime:   modTime,
		FileSize:  fileSize,
		EventTime: time.Now(),
	})

	fw.logger.Debug("Document file event emitted",
		"type", eventType,
		"path", fsEvent.Name,
	)
}
