package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"slices"
	"strings"
	"sync"

	"github.com/Hara602/xdrSensor/internal/config"
	"github.com/Hara602/xdrSensor/pkg/event"
)

// Scope 描述文件监控的范围
type Scope struct {
	Roots      []string
	Extensions []string
	Recursive  bool
}

// ScopeFromConfig 使用展开后的监控路径
func ScopeFromConfig(cfg *config.MonitorConfig) Scope {
	return Scope{
		Roots:      cfg.WatchedPaths(),
		Extensions: append([]string(nil), cfg.Settings.Extensions...),
		Recursive:  cfg.Settings.Recursive,
	}
}

// Match 判断文件是否在扩展名白名单内；白名单为空表示全部文件
func (s Scope) Match(path string) bool {
	if len(s.Extensions) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	for _, e := range s.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// Contains 判断路径是否落在某个根目录下（非递归时只算根目录的直接子项）且扩展名匹配
func (s Scope) Contains(p string) bool {
	if !s.Match(p) {
		return false
	}
	for _, root := range s.Roots {
		rel, err := filepath.Rel(filepath.FromSlash(root), p)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if s.Recursive || !strings.ContainsRune(rel, filepath.Separator) {
			return true
		}
	}
	return false
}

func (s Scope) equal(o Scope) bool {
	return s.Recursive == o.Recursive && slices.Equal(s.Roots, o.Roots) && slices.Equal(s.Extensions, o.Extensions)
}

// scoped 由可以热更新范围的文件系统面实现
type scoped interface {
	SetScope(Scope)
}

// walk 遍历 scope 内所有匹配的普通文件；无法访问的目录被跳过
func walk(ctx context.Context, s Scope) (map[string]FileInfo, error) {
	out := make(map[string]FileInfo)
	for _, root := range s.Roots {
		if err := walkInto(ctx, s, filepath.FromSlash(root), out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func walkInto(ctx context.Context, s Scope, root string, out map[string]FileInfo) error {
	if _, err := os.Stat(root); err != nil {
		// 监控路径还不存在（例如 U 盘未挂载）不是错误
		return nil
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if p != root && !s.Recursive {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.Match(p) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out[p] = FileInfo{Size: info.Size(), ModTime: info.ModTime(), Mode: info.Mode()}
		return nil
	})
}

// WalkSurface 每次 Snapshot 都完整遍历监控目录
type WalkSurface struct {
	mu    sync.RWMutex
	scope Scope
}

func NewWalkSurface(s Scope) *WalkSurface {
	return &WalkSurface{scope: s}
}

func (w *WalkSurface) SetScope(s Scope) {
	w.mu.Lock()
	w.scope = s
	w.mu.Unlock()
}

func (w *WalkSurface) Snapshot(ctx context.Context) (map[string]FileInfo, error) {
	w.mu.RLock()
	s := w.scope
	w.mu.RUnlock()
	return walk(ctx, s)
}

// FileWatcher 对比文件快照，产生 created / modified / deleted
type FileWatcher struct {
	surface  FileSurface
	hashMax  int64
	scope    Scope
	oldScope *Scope // 范围变化后、下一次 Collect 之前的旧范围
	prev     map[string]FileInfo
	baseline bool
	hash     func(path string, max int64) (string, error)
}

func NewFileWatcher(surface FileSurface, scope Scope, hashMaxBytes int64) *FileWatcher {
	return &FileWatcher{surface: surface, scope: scope, hashMax: hashMaxBytes, hash: hashFile}
}

func (w *FileWatcher) Source() event.Source { return event.SourceFilesystem }

func (w *FileWatcher) Reconfigure(cfg *config.MonitorConfig) {
	w.hashMax = cfg.Settings.HashMaxBytes
	next := ScopeFromConfig(cfg)
	if next.equal(w.scope) {
		return
	}
	if w.oldScope == nil {
		old := w.scope
		w.oldScope = &old
	}
	w.scope = next
	if s, ok := w.surface.(scoped); ok {
		s.SetScope(next)
	}
}

func (w *FileWatcher) Collect(ctx context.Context, maxEvents int) ([]event.RawEvent, int, error) {
	cur, err := w.surface.Snapshot(ctx)
	if err != nil {
		return nil, 0, wrapErr(w.Source(), err)
	}
	prev := w.prev
	w.prev = cur
	if old := w.oldScope; old != nil {
		w.oldScope = nil
		prev = rebase(prev, cur, old.Contains, w.scope.Contains)
	}
	// 第一次只记录基线
	if !w.baseline {
		w.baseline = true
		return nil, 0, nil
	}

	added, removed, changed := diff(prev, cur, func(a, b FileInfo) bool {
		return a.Size == b.Size && a.ModTime.Equal(b.ModTime) && a.Mode == b.Mode
	})

	b := newBudget(w.Source(), maxEvents, now())
	for _, p := range added {
		if b.full() {
			b.skip()
			continue
		}
		b.add(event.ActionCreated, w.filePayload(p, cur[p]))
	}
	for _, p := range changed {
		if b.full() {
			b.skip()
			continue
		}
		b.add(event.ActionModified, w.filePayload(p, cur[p]))
	}
	for _, p := range removed {
		b.add(event.ActionDeleted, map[string]string{event.KeyPath: p})
	}
	events, dropped := b.result()
	return events, dropped, nil
}

func (w *FileWatcher) filePayload(p string, fi FileInfo) map[string]string {
	payload := map[string]string{
		event.KeyPath: p,
		event.KeySize: strconv.FormatInt(fi.Size, 10),
		event.KeyMode: fi.Mode.String(),
	}
	if w.hashMax > 0 && fi.Size <= w.hashMax {
		if sum, err := w.hash(p, w.hashMax); err == nil {
			payload[event.KeyHash] = sum
		}
	}
	return payload
}

var errTooLarge = errors.New("file exceeds hash limit")

// hashFile 计算 SHA-256；文件在读取期间变大超过上限时放弃
func hashFile(path string, max int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, io.LimitReader(f, max+1))
	if err != nil {
		return "", err
	}
	if n > max {
		return "", errTooLarge
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
