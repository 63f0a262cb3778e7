package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// leveldb 键布局：
//
//	g:<代际名>                 → 代际标记（空值）
//	e:<代际名>\x00<method url> → gob(Snapshot)
const (
	generationPrefix = "g:"
	entryPrefix      = "e:"
	entrySep         = "\x00"
)

func init() {
	gob.Register(http.Header{})
}

// levelStorage 将全部代际放在同一个 leveldb 实例中，靠键前缀区分。
type levelStorage struct {
	db *leveldb.DB
	// mu 串行化代际删除与写入，保证删除后的写入不会复活旧代际。
	mu sync.RWMutex
}

type levelGeneration struct {
	storage *levelStorage
	name    string
}

// NewLevelStorage 打开（或创建）path 处的 leveldb 数据库。
func NewLevelStorage(path string) (Storage, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &levelStorage{db: db}, nil
}

// NewMemoryLevelStorage 基于内存 storage 构建 leveldb，主要供测试使用。
func NewMemoryLevelStorage() (Storage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &levelStorage{db: db}, nil
}

func (s *levelStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("generation name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	marker := []byte(generationPrefix + name)
	ok, err := s.db.Has(marker, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := s.db.Put(marker, nil, nil); err != nil {
			return nil, err
		}
	}
	return &levelGeneration{storage: s, name: name}, nil
}

func (s *levelStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(generationPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(it.Key()[len(generationPrefix):]))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *levelStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	marker := []byte(generationPrefix + name)
	ok, err := s.db.Has(marker, nil)
	if err != nil || !ok {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(marker)
	it := s.db.NewIterator(util.BytesPrefix(entryRangePrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *levelStorage) Close() error {
	return s.db.Close()
}

func (g *levelGeneration) Name() string {
	return g.name
}

func (g *levelGeneration) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := g.storage.db.Get(entryKey(g.name, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var snap Snapshot
	if err := decodeGob(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &snap, nil
}

func (g *levelGeneration) Put(ctx context.Context, key Key, snap *Snapshot) error {
	return g.PutAll(ctx, []Record{{Key: key, Snapshot: snap}})
}

// PutAll 通过单个 leveldb.Batch 原子提交全部条目。
func (g *levelGeneration) PutAll(ctx context.Context, records []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, record := range records {
		if record.Snapshot == nil {
			return errors.New("snapshot required")
		}
		raw, err := encodeGob(record.Snapshot)
		if err != nil {
			return err
		}
		batch.Put(entryKey(g.name, record.Key), raw)
	}

	g.storage.mu.RLock()
	defer g.storage.mu.RUnlock()
	ok, err := g.storage.db.Has([]byte(generationPrefix+g.name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrGenerationGone
	}
	return g.storage.db.Write(batch, nil)
}

func (g *levelGeneration) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := entryRangePrefix(g.name)
	it := g.storage.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []Key
	for it.Next() {
		key, err := ParseKey(string(it.Key()[len(prefix):]))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func entryRangePrefix(name string) []byte {
	return []byte(entryPrefix + name + entrySep)
}

func entryKey(name string, key Key) []byte {
	return append(entryRangePrefix(name), key.String()...)
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
