package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/apk-analysis/apk-ensemble-go/internal/domain"
)

// 键前缀，模拟 pebble 平坦键空间中的逻辑分桶
var (
	prefixVerdict = []byte("verdict:") // verdict:<fingerprint> -> Verdict JSON
)

// VerdictCache 以特征指纹为键的分类结果缓存
// 指纹已包含模型版本，模型升级后旧条目自然失效
type VerdictCache struct {
	db *pebble.DB
}

// Open 打开或创建缓存库，锁被短暂占用时退避重试
func Open(path string, cacheSizeMB int64) (*VerdictCache, error) {
	if path == "" {
		return nil, errors.New("cache path is empty")
	}
	if cacheSizeMB <= 0 {
		cacheSizeMB = 8
	}

	blockCache := pebble.NewCache(cacheSizeMB << 20)
	defer blockCache.Unref()

	opts := &pebble.Options{Cache: blockCache}

	var db *pebble.DB
	var err error
	const maxRetries = 5
	for i := 0; i < maxRetries; i++ {
		db, err = pebble.Open(path, opts)
		if err == nil {
			break
		}
		if strings.Contains(err.Error(), "lock") || strings.Contains(err.Error(), "temporarily unavailable") {
			// 100ms, 200ms, 400ms, 800ms, 1.6s
			time.Sleep(100 * time.Millisecond * time.Duration(1<<i))
			continue
		}
		return nil, fmt.Errorf("open verdict cache %q: %w", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire verdict cache lock %q after %d attempts: %w", path, maxRetries, err)
	}

	return &VerdictCache{db: db}, nil
}

func verdictKey(fingerprint string) []byte {
	key := make([]byte, 0, len(prefixVerdict)+len(fingerprint))
	key = append(key, prefixVerdict...)
	return append(key, fingerprint...)
}

// Get 命中时返回缓存的结果
func (c *VerdictCache) Get(fingerprint string) (*domain.Verdict, bool, error) {
	data, closer, err := c.db.Get(verdictKey(fingerprint))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read verdict cache: %w", err)
	}
	defer closer.Close()

	var v domain.Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("decode cached verdict: %w", err)
	}
	return &v, true, nil
}

// Put 写入结果
func (c *VerdictCache) Put(fingerprint string, v *domain.Verdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	if err := c.db.Set(verdictKey(fingerprint), data, pebble.Sync); err != nil {
		return fmt.Errorf("write verdict cache: %w", err)
	}
	return nil
}

// Len 缓存条目数
func (c *VerdictCache) Len() (int, error) {
	iter, err := c.db.NewIter(prefixOptions(prefixVerdict))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// Purge 清空全部缓存条目
func (c *VerdictCache) Purge() error {
	upper := prefixUpperBound(prefixVerdict)
	if err := c.db.DeleteRange(prefixVerdict, upper, pebble.Sync); err != nil {
		return fmt.Errorf("purge verdict cache: %w", err)
	}
	return nil
}

// Close 关闭缓存库
func (c *VerdictCache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func prefixOptions(prefix []byte) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	}
}

// prefixUpperBound 前缀最后一个字节加一，作为区间上界
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
