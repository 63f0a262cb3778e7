package timerstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// LevelStore 把四个键直接存进独立的 leveldb 实例。
type LevelStore struct {
	db  *leveldb.DB
	now func() time.Time
}

// NewLevelStore 打开（或创建）path 处的数据库。
func NewLevelStore(path string) (*LevelStore, error) {
	if path == "" {
		return nil, errors.New("timer store path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open timer store: %w", err)
	}
	return &LevelStore{db: db, now: time.Now}, nil
}

// NewMemoryLevelStore 基于内存构建，供测试使用。now 为 nil 时使用 time.Now。
func NewMemoryLevelStore(now func() time.Time) (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &LevelStore{db: db, now: now}, nil
}

// Values 读取现存的键值，缺失的键不会出现在结果中。
func (s *LevelStore) Values(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	values := make(map[string]string, len(Keys))
	for _, key := range Keys {
		raw, err := s.db.Get([]byte(key), nil)
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		values[key] = string(raw)
	}
	return values, nil
}

// Save 原子写入完整记录。
func (s *LevelStore) Save(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for key, value := range record.Values() {
		batch.Put([]byte(key), []byte(value))
	}
	return s.db.Write(batch, nil)
}

// SetRunning 只更新运行标记，对应页面上的停止操作。
func (s *LevelStore) SetRunning(ctx context.Context, running bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value := "false"
	if running {
		value = "true"
	}
	return s.db.Put([]byte(KeyIsRunning), []byte(value), nil)
}

// Clear 删除全部键。
func (s *LevelStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, key := range Keys {
		batch.Delete([]byte(key))
	}
	return s.db.Write(batch, nil)
}

// Load 执行页面加载时的决策；结果为 complete 时清空存储。
func (s *LevelStore) Load(ctx context.Context) (Decision, error) {
	values, err := s.Values(ctx)
	if err != nil {
		return Decision{}, err
	}
	decision := Decide(values, s.now())
	if decision.Outcome == OutcomeComplete {
		if err := s.Clear(ctx); err != nil {
			return decision, fmt.Errorf("clear completed timer: %w", err)
		}
	}
	return decision, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}
