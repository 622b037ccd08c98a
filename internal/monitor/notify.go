package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Hara602/xdrSensor/pkg/logging"
)

// NotifySurface 用 fsnotify 记录被触碰过的路径，Snapshot 时只重新 stat 这些路径，
// 避免每个周期完整遍历。事件队列溢出时退回到一次完整遍历。
type NotifySurface struct {
	log     *zap.Logger
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	scope Scope
	files map[string]FileInfo
	dirty map[string]struct{}
	full  bool // 下一次 Snapshot 需要完整遍历

	done chan struct{}
	wg   sync.WaitGroup
}

func NewNotifySurface(s Scope, log *zap.Logger) (*NotifySurface, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	n := &NotifySurface{
		log:     logging.Named(log, "fs"),
		watcher: w,
		scope:   s,
		dirty:   make(map[string]struct{}),
		full:    true,
		done:    make(chan struct{}),
	}

	// 1. 初始扫描：添加根目录及其当前所有子目录
	for _, root := range s.Roots {
		n.addRecursive(filepath.FromSlash(root))
	}

	n.wg.Add(1)
	go n.loop()
	return n, nil
}

// addRecursive 递归添加目录及其子目录到监控列表（非递归模式只加根目录）
func (n *NotifySurface) addRecursive(dir string) {
	n.mu.Lock()
	recursive := n.scope.Recursive
	n.mu.Unlock()

	if !recursive {
		if err := n.watcher.Add(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			n.log.Warn("failed to watch directory", zap.String("path", dir), zap.Error(err))
		}
		return
	}
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := n.watcher.Add(p); err != nil {
				n.log.Warn("failed to watch directory", zap.String("path", p), zap.Error(err))
			}
		}
		return nil
	})
}

func (n *NotifySurface) loop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return

		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			// 忽略噪音事件 (Chmod)
			if ev.Op == fsnotify.Chmod {
				continue
			}
			// 2. 递归模式下新建的目录要加入监控，否则里面的文件永远收不到事件
			n.mu.Lock()
			recursive := n.scope.Recursive
			n.mu.Unlock()
			if recursive && ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					n.addRecursive(ev.Name)
				}
			}
			n.mu.Lock()
			n.dirty[ev.Name] = struct{}{}
			n.mu.Unlock()

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				n.log.Warn("fs event queue overflow, next snapshot walks the full tree")
				n.mu.Lock()
				n.full = true
				n.mu.Unlock()
				continue
			}
			n.log.Warn("fs watcher error", zap.Error(err))
		}
	}
}

// SetScope 更新范围并在下一次 Snapshot 时完整遍历
func (n *NotifySurface) SetScope(s Scope) {
	n.mu.Lock()
	n.scope = s
	n.full = true
	n.mu.Unlock()
	for _, root := range s.Roots {
		n.addRecursive(filepath.FromSlash(root))
	}
}

func (n *NotifySurface) Snapshot(ctx context.Context) (map[string]FileInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.full || n.files == nil {
		files, err := walk(ctx, n.scope)
		if err != nil {
			return nil, err
		}
		n.files = files
		n.full = false
		clear(n.dirty)
		return copyFiles(n.files), nil
	}

	for p := range n.dirty {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n.refresh(ctx, p)
		delete(n.dirty, p)
	}
	return copyFiles(n.files), nil
}

// refresh 重新检查一个被触碰的路径；调用方持有锁
func (n *NotifySurface) refresh(ctx context.Context, p string) {
	fi, err := os.Lstat(p)
	if err != nil {
		// 已删除：文件本身以及（如果是目录）其下所有文件
		delete(n.files, p)
		prefix := p + string(filepath.Separator)
		for k := range n.files {
			if strings.HasPrefix(k, prefix) {
				delete(n.files, k)
			}
		}
		return
	}
	if fi.IsDir() {
		if n.scope.Recursive {
			_ = walkInto(ctx, n.scope, p, n.files)
		}
		return
	}
	if fi.Mode().IsRegular() && n.scope.Contains(p) {
		n.files[p] = FileInfo{Size: fi.Size(), ModTime: fi.ModTime(), Mode: fi.Mode()}
	}
}

func (n *NotifySurface) Close() error {
	close(n.done)
	err := n.watcher.Close()
	n.wg.Wait()
	return err
}

func copyFiles(in map[string]FileInfo) map[string]FileInfo {
	out := make(map[string]FileInfo, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
