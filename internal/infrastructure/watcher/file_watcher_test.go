package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowdex/backend/internal/domain/events"
	"github.com/knowdex/backend/internal/infrastructure/config"
)

func TestWatchConfigFrom(t *testing.T) {
	wc := WatchConfigFrom(&config.WatcherConfig{
		Roots:      []string{"/docs/a", "/docs/b"},
		DebounceMs: 250,
	})

	assert.Equal(t, []string{"/docs/a", "/docs/b"}, wc.Roots)
	assert.Equal(t, 250*time.Millisecond, wc.DebounceDelay)
	assert.Equal(t, 24*time.Hour, wc.FullScanThreshold)
}

func TestWatchConfigFrom_DefaultDebounce(t *testing.T) {
	wc := WatchConfigFrom(&config.WatcherConfig{Roots: []string{"/docs"}})
	assert.Equal(t, 500*time.Millisecond, wc.DebounceDelay)
}

func TestIsHiddenPath(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"/docs/readme.md", false},
		{"/docs/.git", true},
		{"/docs/.hidden.md", true},
		{".", false},
		{"..", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, isHiddenPath(tt.path))
		})
	}
}

func TestFileWatcher_NoRootsIdle(t *testing.T) {
	config.ResetDataDir()
	t.Setenv(config.EnvDataDir, t.TempDir())
	defer config.ResetDataDir()

	bus := NewEventBus()
	defer bus.Close()

	fw, err := NewFileWatcher(DefaultWatchConfig(), bus)
	require.NoError(t, err)

	// 未配置根目录时启动应当直接空转
	require.NoError(t, fw.Start())
	fw.Stop()
}

func TestFileWatcher_Debounce(t *testing.T) {
	config.ResetDataDir()
	t.Setenv(config.EnvDataDir, t.TempDir())
	defer config.ResetDataDir()

	watchDir := t.TempDir()

	bus := NewEventBus()
	defer bus.Close()

	// 记录接收到的事件
	var eventCount atomic.Int32
	var mu sync.Mutex
	var paths []string
	bus.SubscribeMultiple(
		[]events.EventType{events.DocumentFileCreated, events.DocumentFileModified},
		events.HandlerFunc(func(event events.Event) error {
			docEvent, ok := event.(*events.DocumentFileEvent)
			if !ok {
				return nil
			}
			eventCount.Add(1)
			mu.Lock()
			paths = append(paths, docEvent.Path)
			mu.Unlock()
			return nil
		}),
	)

	fw, err := NewFileWatcher(WatchConfig{
		Roots:             []string{watchDir},
		DebounceDelay:     100 * time.Millisecond,
		FullScanThreshold: 24 * time.Hour,
	}, bus)
	require.NoError(t, err)

	require.NoError(t, fw.Start())
	defer fw.Stop()

	// 等待监听就绪
	time.Sleep(50 * time.Millisecond)

	// 创建测试文件后快速多次写入（应该被防抖合并）
	testFile := filepath.Join(watchDir, "note.md")
	require.NoError(t, os.WriteFile(testFile, []byte("initial"), 0644))
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, os.WriteFile(testFile, []byte("update"), 0644))
	}

	// 等待防抖完成
	assert.Eventually(t, func() bool {
		return eventCount.Load() >= 1
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	count := eventCount.Load()
	assert.LessOrEqual(t, count, int32(2), "events should be debounced")

	mu.Lock()
	defer mu.Unlock()
	for _, p := range paths {
		assert.Equal(t, testFile, p)
	}
}

func TestFileWatcher_HiddenFilesIgnored(t *testing.T) {
	config.ResetDataDir()
	t.Setenv(config.EnvDataDir, t.TempDir())
	defer config.ResetDataDir()

	watchDir := t.TempDir()

	bus := NewEventBus()
	defer bus.Close()

	var eventCount atomic.Int32
	bus.SubscribeMultiple(
		[]events.EventType{events.DocumentFileCreated, events.DocumentFileModified},
		events.HandlerFunc(func(event events.Event) error {
			eventCount.Add(1)
			return nil
		}),
	)

	fw, err := NewFileWatcher(WatchConfig{
		Roots:             []string{watchDir},
		DebounceDelay:     50 * time.Millisecond,
		FullScanThreshold: 24 * time.Hour,
	}, bus)
	require.NoError(t, err)

	require.NoError(t, fw.Start())
	defer fw.Stop()

	time.Sleep(50 * time.Millisecond)

	// 隐藏文件不应触发事件
	hidden := filepath.Join(watchDir, ".swapfile")
	require.NoError(t, os.WriteFile(hidden, []byte("tmp"), 0644))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), eventCount.Load())
}

func TestFileWatcher_FullScanPublishesExisting(t *testing.T) {
	config.ResetDataDir()
	t.Setenv(config.EnvDataDir, t.TempDir())
	defer config.ResetDataDir()

	watchDir := t.TempDir()

	// 启动前已存在的文件
	require.NoError(t, os.WriteFile(filepath.Join(watchDir, "a.md"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(watchDir, "b.md"), []byte("beta"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(watchDir, ".skip.md"), []byte("hidden"), 0644))

	bus := NewEventBus()
	defer bus.Close()

	var created atomic.Int32
	bus.Subscribe(events.DocumentFileCreated, events.HandlerFunc(func(event events.Event) error {
		created.Add(1)
		return nil
	}))

	fw, err := NewFileWatcher(WatchConfig{
		Roots:             []string{watchDir},
		DebounceDelay:     50 * time.Millisecond,
		FullScanThreshold: 24 * time.Hour,
	}, bus)
	require.NoError(t, err)

	// 首次启动无扫描记录，应执行全量扫描
	require.NoError(t, fw.Start())
	defer fw.Stop()

	assert.Eventually(t, func() bool {
		return created.Load() == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestScanMetadata_Persistence(t *testing.T) {
	tmpDir := t.TempDir()

	sm := &ScanMetadata{
		filePath: filepath.Join(tmpDir, "scan_metadata.json"),
	}

	testTime := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	sm.SetLastScanTime(testTime)

	// 新实例从文件加载
	sm2 := &ScanMetadata{
		filePath: filepath.Join(tmpDir, "scan_metadata.json"),
	}
	sm2.load()

	loaded := sm2.GetLastScanTime()
	assert.True(t, loaded.Equal(testTime), "loaded time should match saved time")
}
