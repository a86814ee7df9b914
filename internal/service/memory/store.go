// Package memory 提供基于 Badger 的长期记忆存储。
package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const keyPrefix = "mem:"

// Entry is one remembered fact.
type Entry struct {
	ID        string `msgpack:"id"`
	Text      string `msgpack:"text"`
	CreatedAt int64  `msgpack:"created_at"`
}

// Options configures a Store.
type Options struct {
	// Dir is the on-disk location. Required unless InMemory is set.
	Dir string
	// InMemory keeps everything in memory, for tests.
	InMemory bool
}

// Store 持久化记忆条目，并按词重叠度检索。
type Store struct {
	db  *badger.DB
	log *zap.Logger
	now func() time.Time
}

// Open 打开或创建记忆库。
func Open(opts Options, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("memory: dir is required for on-disk mode")
	}

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{log.Sugar()})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	return &Store{db: db, log: log, now: time.Now}, nil
}

// Add 写入一条记忆。
func (s *Store) Add(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	entry := Entry{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Text:      text,
		CreatedAt: s.now().UnixNano(),
	}
	data, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}
	key := fmt.Sprintf("%s%020d:%s", keyPrefix, entry.CreatedAt, entry.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

type scored struct {
	entry Entry
	score int
}

// Query 返回与 text 重叠度最高的至多 n 条记忆，得分相同时较新的优先。
func (s *Store) Query(text string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	query := tokenize(text)
	if len(query) == 0 {
		return nil, nil
	}

	var hits []scored
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(keyPrefix)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var entry Entry
			if err := msgpack.Unmarshal(val, &entry); err != nil {
				s.log.Warn("skip undecodable memory", zap.ByteString("key", it.Item().KeyCopy(nil)), zap.Error(err))
				continue
			}
			if score := overlap(query, tokenize(entry.Text)); score > 0 {
				hits = append(hits, scored{entry: entry, score: score})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].entry.CreatedAt > hits[j].entry.CreatedAt
	})
	if len(hits) > n {
		hits = hits[:n]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.entry.Text
	}
	return out, nil
}

// Count 返回条目数量。
func (s *Store) Count() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(keyPrefix)
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefix
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close 关闭底层数据库。
func (s *Store) Close() error {
	return s.db.Close()
}

// tokenize 把文本切成小写单词与 CJK 双字组。
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	var word []rune
	var cjk []rune

	flushWord := func() {
		if len(word) > 0 {
			tokens[string(word)] = struct{}{}
			word = word[:0]
		}
	}
	flushCJK := func() {
		switch {
		case len(cjk) == 1:
			tokens[string(cjk)] = struct{}{}
		case len(cjk) > 1:
			for i := 0; i+1 < len(cjk); i++ {
				tokens[string(cjk[i:i+2])] = struct{}{}
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case isCJK(r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word = append(word, r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return tokens
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

func overlap(query, doc map[string]struct{}) int {
	n := 0
	for tok := range query {
		if _, ok := doc[tok]; ok {
			n++
		}
	}
	return n
}

// badgerLogger 把 badger 的日志转发到 zap，丢弃 debug 级别。
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.log.Errorf("badger: "+f, v...) }
func (l badgerLogger) Warningf(f string, v ...any) { l.log.Warnf("badger: "+f, v...) }
func (l badgerLogger) Infof(f string, v ...any)    { l.log.Debugf("badger: "+f, v...) }
func (l badgerLogger) Debugf(string, ...any)       {}
