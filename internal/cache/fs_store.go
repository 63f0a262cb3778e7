package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	metaSuffix = ".meta"
	bodySuffix = ".body"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，磁盘布局：
//
//	<basePath>/<代际名>/<sha1(key)>.body   # 响应正文
//	<basePath>/<代际名>/<sha1(key)>.meta   # JSON 元数据（key/status/header/type）
//
// meta 文件在 body 之后写入，作为条目的提交标记。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileGeneration struct {
	storage *fileStorage
	name    string
	dir     string
}

// fileMeta 内嵌 Snapshot 的 URL/Status/Header/Type 字段，正文单独存放。
type fileMeta struct {
	Key Key `json:"key"`
	Snapshot
	Size int64 `json:"size"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", name, err)
	}
	return &fileGeneration{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.generationDir(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先改名再删除，避免删除过程中被 Names 看到半删除的代际。
	trash, err := os.MkdirTemp(s.basePath, ".trash-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, "generation")
	if err := os.Rename(dir, target); err != nil {
		os.RemoveAll(trash)
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStorage) Close() error {
	return nil
}

func (s *fileStorage) generationDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." {
		return "", errors.New("generation name required")
	}
	dir := filepath.Join(s.basePath, url.PathEscape(name))
	if filepath.Dir(dir) != s.basePath {
		return "", errors.New("invalid generation name")
	}
	return dir, nil
}

func (g *fileGeneration) Name() string {
	return g.name
}

func (g *fileGeneration) Match(ctx context.Context, key Key) (*Snapshot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	metaPath, bodyPath := g.entryPaths(key)
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta fileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta: %w", err)
	}
	if meta.Key != key {
		// sha1 冲突或残留文件，按未命中处理。
		return nil, ErrNotFound
	}
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	snap := meta.Snapshot
	snap.Body = body
	return &snap, nil
}

func (g *fileGeneration) Put(ctx context.Context, key Key, snap *Snapshot) error {
	if snap == nil {
		return errors.New("snapshot required")
	}
	if _, err := os.Stat(g.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGenerationGone
		}
		return err
	}

	unlock := g.storage.lockEntry(g.name, key)
	defer unlock()

	metaPath, bodyPath := g.entryPaths(key)
	if err := writeAtomic(ctx, bodyPath, snap.Body); err != nil {
		return err
	}
	meta := fileMeta{Key: key, Snapshot: *snap, Size: int64(len(snap.Body))}
	meta.Snapshot.Body = nil
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeAtomic(ctx, metaPath, raw)
}

// PutAll 分两阶段写入：先把所有条目写成隐藏临时文件，再逐个 rename 到位。
// 任一阶段失败都会撤销已提交的条目并恢复被覆盖的旧条目，整批要么全部可见要么全部不可见。
func (g *fileGeneration) PutAll(ctx context.Context, records []Record) error {
	if _, err := os.Stat(g.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGenerationGone
		}
		return err
	}

	records = dedupeRecords(records)
	staged := make([]stagedEntry, 0, len(records))
	discard := func() {
		for _, entry := range staged {
			entry.discard()
		}
	}
	for _, record := range records {
		entry, err := g.stage(ctx, record)
		if err != nil {
			discard()
			return fmt.Errorf("stage %s: %w", record.Key, err)
		}
		staged = append(staged, entry)
	}

	committed := make([]stagedEntry, 0, len(staged))
	for i, entry := range staged {
		if err := g.commit(&staged[i]); err != nil {
			for j := len(committed) - 1; j >= 0; j-- {
				g.rollback(committed[j])
			}
			discard()
			return fmt.Errorf("commit %s: %w", entry.key, err)
		}
		committed = append(committed, staged[i])
	}
	for _, entry := range committed {
		entry.dropBackups()
	}
	return nil
}

// dedupeRecords 对重复 Key 只保留最后一次写入，保证每个条目只有一份备份。
func dedupeRecords(records []Record) []Record {
	index := make(map[Key]int, len(records))
	out := make([]Record, 0, len(records))
	for _, record := range records {
		if i, ok := index[record.Key]; ok {
			out[i] = record
			continue
		}
		index[record.Key] = len(out)
		out = append(out, record)
	}
	return out
}

// stagedEntry 记录一个条目的临时文件与被覆盖文件的备份位置。
type stagedEntry struct {
	key        Key
	metaPath   string
	bodyPath   string
	metaTemp   string
	bodyTemp   string
	metaBackup string
	bodyBackup string
}

func (g *fileGeneration) stage(ctx context.Context, record Record) (stagedEntry, error) {
	if record.Snapshot == nil {
		return stagedEntry{}, errors.New("snapshot required")
	}
	entry := stagedEntry{key: record.Key}
	entry.metaPath, entry.bodyPath = g.entryPaths(record.Key)

	var err error
	if entry.bodyTemp, err = writeTemp(ctx, g.dir, record.Snapshot.Body); err != nil {
		return stagedEntry{}, err
	}
	meta := fileMeta{Key: record.Key, Snapshot: *record.Snapshot, Size: int64(len(record.Snapshot.Body))}
	meta.Snapshot.Body = nil
	raw, err := json.Marshal(meta)
	if err == nil {
		entry.metaTemp, err = writeTemp(ctx, g.dir, raw)
	}
	if err != nil {
		os.Remove(entry.bodyTemp)
		return stagedEntry{}, err
	}
	return entry, nil
}

// commit 先备份已有的 body/meta，再按 body → meta 的顺序 rename 临时文件。
func (g *fileGeneration) commit(entry *stagedEntry) error {
	unlock := g.storage.lockEntry(g.name, entry.key)
	defer unlock()

	var err error
	if entry.bodyBackup, err = backupFile(entry.bodyPath); err != nil {
		return err
	}
	if entry.metaBackup, err = backupFile(entry.metaPath); err != nil {
		restoreFile(entry.bodyBackup, entry.bodyPath)
		entry.bodyBackup = ""
		return err
	}
	if err = os.Rename(entry.bodyTemp, entry.bodyPath); err == nil {
		entry.bodyTemp = ""
		if err = os.Rename(entry.metaTemp, entry.metaPath); err == nil {
			entry.metaTemp = ""
			return nil
		}
	}
	g.rollback(*entry)
	return err
}

// rollback 删除已提交的新文件并把备份放回原处。
func (g *fileGeneration) rollback(entry stagedEntry) {
	unlock := g.storage.lockEntry(g.name, entry.key)
	defer unlock()

	if entry.metaTemp == "" {
		os.Remove(entry.metaPath)
	}
	if entry.bodyTemp == "" {
		os.Remove(entry.bodyPath)
	}
	restoreFile(entry.metaBackup, entry.metaPath)
	restoreFile(entry.bodyBackup, entry.bodyPath)
}

func (e stagedEntry) discard() {
	if e.metaTemp != "" {
		os.Remove(e.metaTemp)
	}
	if e.bodyTemp != "" {
		os.Remove(e.bodyTemp)
	}
}

func (e stagedEntry) dropBackups() {
	if e.metaBackup != "" {
		os.Remove(e.metaBackup)
	}
	if e.bodyBackup != "" {
		os.Remove(e.bodyBackup)
	}
}

// backupFile 把已存在的普通文件改名为隐藏备份；不存在时返回空路径。
func backupFile(target string) (string, error) {
	info, err := os.Lstat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("cache entry %s is not a regular file", filepath.Base(target))
	}
	backup := filepath.Join(filepath.Dir(target), ".backup-"+filepath.Base(target))
	if err := os.Rename(target, backup); err != nil {
		return "", err
	}
	return backup, nil
}

func restoreFile(backup, target string) {
	if backup != "" {
		os.Rename(backup, target)
	}
}

func (g *fileGeneration) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrGenerationGone
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries)/2)
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(g.dir, entry.Name()))
		if err != nil {
			continue
		}
		var meta fileMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		keys = append(keys, meta.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (g *fileGeneration) entryPaths(key Key) (string, string) {
	sum := sha1.Sum([]byte(key.String()))
	base := filepath.Join(g.dir, hex.EncodeToString(sum[:]))
	return base + metaSuffix, base + bodySuffix
}

func (s *fileStorage) lockEntry(generation string, key Key) func() {
	id := generation + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// writeAtomic 通过临时文件 + rename 写入，失败时清理临时文件。
func writeAtomic(ctx context.Context, target string, data []byte) error {
	tempName, err := writeTemp(ctx, filepath.Dir(target), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

// writeTemp 在 dir 下写入隐藏临时文件（不带 .meta 后缀，Keys 不会列出）。
func writeTemp(ctx context.Context, dir string, data []byte) (string, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
