package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const (
	anchorKeyPrefix = "anchor:"
	heightKey       = "meta:height"
	headKey         = "meta:head"
)

// Entry is one anchor as persisted by LevelDBLedger. Entries form a chain:
// Digest covers Height, Hash, Prev and AnchoredAt, and Prev is the Digest of
// the entry before it.
type Entry struct {
	Ref        string    `json:"ref"`
	Height     int       `json:"height"`
	Hash       string    `json:"hash"`
	Prev       string    `json:"prev"`
	Digest     string    `json:"digest"`
	AnchoredAt time.Time `json:"anchored_at"`
}

func (e Entry) computeDigest() string {
	return HashBytes([]byte(fmt.Sprintf("%d|%s|%s|%s", e.Height, e.Hash, e.Prev, e.AnchoredAt.UTC().Format(time.RFC3339Nano))))
}

// LevelDBLedger is an append-only anchor log on a local LevelDB database.
// It is the default backend for single-node deployments that do not have a
// remote anchoring service.
type LevelDBLedger struct {
	mu  sync.Mutex
	db  *leveldb.DB
	now func() time.Time
}

func OpenLevelDBLedger(path string) (*LevelDBLedger, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb ledger at %s: %w", path, err)
	}
	return &LevelDBLedger{db: db, now: time.Now}, nil
}

func (l *LevelDBLedger) Close() error {
	return l.db.Close()
}

func (l *LevelDBLedger) Anchor(ctx context.Context, hash string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", unavailable(err)
	}
	if hash == "" {
		return "", errors.New("ledger: empty hash")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	height, err := l.height()
	if err != nil {
		return "", unavailable(err)
	}
	prev, err := l.get(headKey)
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return "", unavailable(err)
	}

	e := Entry{
		Height:     height + 1,
		Hash:       hash,
		Prev:       string(prev),
		AnchoredAt: l.now().UTC(),
	}
	e.Digest = e.computeDigest()
	e.Ref = fmt.Sprintf("ldb-%d-%s", e.Height, e.Digest[:16])

	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("ledger: marshal entry: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(anchorKeyPrefix+e.Ref), data)
	batch.Put([]byte(heightKey), []byte(strconv.Itoa(e.Height)))
	batch.Put([]byte(headKey), []byte(e.Digest))
	if err := l.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return "", unavailable(err)
	}
	return e.Ref, nil
}

func (l *LevelDBLedger) Retrieve(ctx context.Context, ref string) (string, error) {
	e, err := l.Lookup(ctx, ref)
	if err != nil {
		return "", err
	}
	return e.Hash, nil
}

// Lookup returns the full entry for ref and checks its digest.
func (l *LevelDBLedger) Lookup(ctx context.Context, ref string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	data, err := l.get(anchorKeyPrefix + ref)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrAnchorNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("ledger: decode entry %s: %w", ref, err)
	}
	if e.computeDigest() != e.Digest {
		return nil, fmt.Errorf("ledger: entry %s fails digest check", ref)
	}
	return &e, nil
}

// Height returns the number of anchors written.
func (l *LevelDBLedger) Height() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height()
}

func (l *LevelDBLedger) height() (int, error) {
	v, err := l.get(heightKey)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(v))
}

func (l *LevelDBLedger) get(key string) ([]byte, error) {
	return l.db.Get([]byte(key), nil)
}
