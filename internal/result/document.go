package result

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	apperrors "github.com/muaviaUsmani/genvault/internal/errors"
	"github.com/muaviaUsmani/genvault/internal/fetch"
	"github.com/muaviaUsmani/genvault/internal/logger"
	"github.com/muaviaUsmani/genvault/internal/media"
	"github.com/muaviaUsmani/genvault/internal/sidecar"
)

// Key prefixes for BadgerDB storage
const (
	recordKeyPrefix     = "result:"
	createdIndexPrefix  = "idx_created:"
	modelIndexPrefix    = "idx_model:"
	typeIndexPrefix     = "idx_type:"
	predictionIdxPrefix = "idx_prediction:"
	usageKey            = "meta:bytes"
)

// DocumentOptions configures a DocumentStore
type DocumentOptions struct {
	// QuotaBytes caps the total size of stored records; 0 means unlimited
	QuotaBytes int64
	// Fetcher materializes remote outputs; nil stores them as references
	Fetcher fetch.Fetcher
}

// DocumentStore keeps one JSON record per result in BadgerDB, payload
// embedded as a data URI, with ordered secondary index keys on createdAt,
// model, type and predictionId
type DocumentStore struct {
	db      *badger.DB
	owned   bool
	quota   int64
	fetcher fetch.Fetcher
	log     logger.Logger
	seq     atomic.Int64
}

// docRecord is the stored form; Seq orders results that share a createdAt
type docRecord struct {
	SavedResult
	Seq int64 `json:"seq"`
}

// OpenDocumentStore opens (or creates) the BadgerDB at dir
func OpenDocumentStore(dir string, opts DocumentOptions) (*DocumentStore, error) {
	bopts := badger.DefaultOptions(dir).WithLogger(newBadgerLogger())
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}
	s := NewDocumentStore(db, opts)
	s.owned = true
	return s, nil
}

// NewDocumentStore wraps an open database. The caller keeps ownership of db.
func NewDocumentStore(db *badger.DB, opts DocumentOptions) *DocumentStore {
	s := &DocumentStore{
		db:      db,
		quota:   opts.QuotaBytes,
		fetcher: opts.Fetcher,
		log:     logger.Default().WithComponent(logger.ComponentStore),
	}
	s.seq.Store(time.Now().UnixNano())
	return s
}

func recordKey(id string) []byte {
	return []byte(recordKeyPrefix + id)
}

// orderKey sorts newest first: both parts are inverted
func orderKey(createdAt, seq int64) string {
	return fmt.Sprintf("%016x:%016x", uint64(math.MaxInt64-createdAt), uint64(math.MaxInt64-seq))
}

func indexKeys(r *docRecord) [][]byte {
	order := orderKey(r.CreatedAt, r.Seq)
	keys := [][]byte{
		[]byte(createdIndexPrefix + order + ":" + r.ID),
		[]byte(modelIndexPrefix + r.Model + "\x00" + order + ":" + r.ID),
		[]byte(typeIndexPrefix + string(r.Type) + "\x00" + order + ":" + r.ID),
	}
	if r.PredictionID != "" {
		keys = append(keys, []byte(predictionIdxPrefix+r.PredictionID+"\x00"+r.ID))
	}
	return keys
}

// Save implements Store
func (s *DocumentStore) Save(ctx context.Context, item Item) (*SavedResult, error) {
	output, kind := s.materialize(ctx, item.Output)
	if kind == "" {
		kind = item.Type
	}

	rec := &docRecord{
		SavedResult: SavedResult{
			ID:           uuid.New().String(),
			PredictionID: item.PredictionID,
			Model:        item.Model,
			Input:        sidecar.SanitizeInput(item.Input),
			Output:       Output{output},
			CreatedAt:    item.CreatedAt,
			Type:         kind,
		},
		Seq: s.seq.Add(1),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		used, err := readUsage(txn)
		if err != nil {
			return err
		}
		if s.quota > 0 && used+int64(len(data)) > s.quota {
			return apperrors.ErrStorageQuotaExceeded
		}

		if err := txn.Set(recordKey(rec.ID), data); err != nil {
			return fmt.Errorf("set result: %w", err)
		}
		for _, k := range indexKeys(rec) {
			if err := txn.Set(k, []byte(rec.ID)); err != nil {
				return fmt.Errorf("set index: %w", err)
			}
		}
		return writeUsage(txn, used+int64(len(data)))
	})
	if err != nil {
		return nil, mapWriteError(err)
	}

	return &rec.SavedResult, nil
}

// materialize downloads remote outputs into data URIs. A failed download
// keeps the remote reference.
func (s *DocumentStore) materialize(ctx context.Context, ref string) (string, media.Kind) {
	if media.IsDataURI(ref) {
		kind, _ := media.KindFromMIME(media.DataURIMIME(ref))
		return ref, kind
	}

	kind, _ := media.KindFromName(ref)
	if s.fetcher == nil || !media.IsRemote(ref) {
		return ref, kind
	}

	payload, err := s.fetcher.Fetch(ctx, ref)
	if err != nil {
		s.log.WarnContext(ctx, "Storing remote reference, download failed", "url", ref, "error", err)
		return ref, kind
	}
	if k, ok := payload.Kind(); ok {
		kind = k
	}
	return payload.DataURI(), kind
}

func mapWriteError(err error) error {
	switch {
	case errors.Is(err, apperrors.ErrStorageQuotaExceeded):
		return err
	case errors.Is(err, badger.ErrTxnTooBig), errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%w: %v", apperrors.ErrStorageQuotaExceeded, err)
	default:
		return fmt.Errorf("failed to store result: %w", err)
	}
}

func readUsage(txn *badger.Txn) (int64, error) {
	item, err := txn.Get([]byte(usageKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	var used int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("malformed usage counter")
		}
		used = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return used, err
}

func writeUsage(txn *badger.Txn, used int64) error {
	return txn.Set([]byte(usageKey), encodeUsage(used))
}

func encodeUsage(used int64) []byte {
	if used < 0 {
		used = 0
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(used))
	return buf
}

func (s *DocumentStore) getRecord(txn *badger.Txn, id string) (*docRecord, int, error) {
	item, err := txn.Get(recordKey(id))
	if err != nil {
		return nil, 0, err
	}
	var rec docRecord
	var size int
	err = item.Value(func(val []byte) error {
		size = len(val)
		if err := json.Unmarshal(val, &rec); err != nil {
			return &apperrors.MetadataCorruptError{Source: id, Err: err}
		}
		return nil
	})
	if err != nil {
		return nil, size, err
	}
	return &rec, size, nil
}

// Get implements Store
func (s *DocumentStore) Get(ctx context.Context, id string) (*SavedResult, error) {
	var rec *docRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, _, err = s.getRecord(txn, id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	var corrupt *apperrors.MetadataCorruptError
	if errors.As(err, &corrupt) {
		s.log.WarnContext(ctx, "Ignoring corrupt record", "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return &rec.SavedResult, nil
}

// List implements Store. The scan follows the most selective index for the
// filter; the remaining predicate is applied in memory.
func (s *DocumentStore) List(ctx context.Context, filter Filter) ([]*SavedResult, error) {
	prefix := createdIndexPrefix
	switch {
	case filter.Model != "":
		prefix = modelIndexPrefix + filter.Model + "\x00"
	case filter.Type != "":
		prefix = typeIndexPrefix + string(filter.Type) + "\x00"
	}

	var results []*SavedResult
	corrupt := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			id := idFromIndexKey(it.Item().Key())
			rec, _, err := s.getRecord(txn, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue // dangling index entry
			}
			if err != nil {
				corrupt++
				continue
			}
			if filter.Matches(&rec.SavedResult) {
				results = append(results, &rec.SavedResult)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	if corrupt > 0 {
		s.log.WarnContext(ctx, "Skipped unreadable records", "count", corrupt)
	}
	return results, nil
}

// idFromIndexKey returns the id that ends every index key, after either
// the order separator or the prediction separator
func idFromIndexKey(key []byte) string {
	i := bytes.LastIndexByte(key, ':')
	if j := bytes.LastIndexByte(key, 0); j > i {
		i = j
	}
	return string(key[i+1:])
}

var indexPrefixes = []string{createdIndexPrefix, modelIndexPrefix, typeIndexPrefix, predictionIdxPrefix}

func isIndexKey(key string) bool {
	for _, p := range indexPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Delete implements Store
func (s *DocumentStore) Delete(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, size, err := s.getRecord(txn, id)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil // Already deleted
		}
		var corrupt *apperrors.MetadataCorruptError
		if err != nil && !errors.As(err, &corrupt) {
			return err
		}

		if err := txn.Delete(recordKey(id)); err != nil {
			return fmt.Errorf("delete result: %w", err)
		}
		if rec != nil {
			for _, k := range indexKeys(rec) {
				if err := txn.Delete(k); err != nil {
					return fmt.Errorf("delete index: %w", err)
				}
			}
		}

		used, err := readUsage(txn)
		if err != nil {
			return err
		}
		return writeUsage(txn, used-int64(size))
	})
	if err != nil {
		return fmt.Errorf("failed to delete result: %w", err)
	}
	return nil
}

// Open implements Store
func (s *DocumentStore) Open(ctx context.Context, id string) (*Media, error) {
	r, err := s.Get(ctx, id)
	if err != nil || r == nil {
		return nil, err
	}
	ref := r.Output.First()
	if media.IsRemote(ref) {
		return &Media{RemoteURL: ref, ContentType: media.MIMEFromName(ref)}, nil
	}
	payload, err := media.DecodeDataURI(ref)
	if err != nil {
		return nil, &apperrors.MetadataCorruptError{Source: id, Err: err}
	}
	return &Media{
		Body:        io.NopCloser(bytes.NewReader(payload.Data)),
		ContentType: payload.MIME,
		Size:        int64(len(payload.Data)),
	}, nil
}

// Reconcile implements Reconciler: it drops index keys of every kind whose
// record is gone or no longer matches, restores missing index keys,
// recomputes the usage counter and runs value log GC. The scan runs in a
// read transaction and the repairs go through a write batch, so the size of
// the store is not bounded by one transaction.
func (s *DocumentStore) Reconcile(ctx context.Context) (int, error) {
	var (
		used     int64
		records  []*docRecord
		present  = make(map[string]bool) // ids with a stored record, readable or not
		existing = make(map[string]bool) // index keys on disk
	)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.Key())
			switch {
			case strings.HasPrefix(key, recordKeyPrefix):
				id := strings.TrimPrefix(key, recordKeyPrefix)
				present[id] = true
				err := item.Value(func(val []byte) error {
					used += int64(len(val))
					var rec docRecord
					if json.Unmarshal(val, &rec) == nil {
						rec.ID = id
						records = append(records, &rec)
					}
					return nil
				})
				if err != nil {
					return err
				}
			case isIndexKey(key):
				existing[key] = true
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan document store: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	expected := make(map[string]bool, len(existing))
	repaired := 0
	for _, rec := range records {
		restored := false
		for _, k := range indexKeys(rec) {
			expected[string(k)] = true
			if existing[string(k)] {
				continue
			}
			if err := wb.Set(k, []byte(rec.ID)); err != nil {
				return 0, fmt.Errorf("restore index: %w", err)
			}
			restored = true
		}
		if restored {
			repaired++
		}
	}

	parsed := make(map[string]bool, len(records))
	for _, rec := range records {
		parsed[rec.ID] = true
	}
	for key := range existing {
		if expected[key] {
			continue
		}
		id := idFromIndexKey([]byte(key))
		if present[id] && !parsed[id] {
			continue // unreadable record keeps its keys so Delete still reaches it
		}
		if err := wb.Delete([]byte(key)); err != nil {
			return 0, fmt.Errorf("drop index: %w", err)
		}
		repaired++
	}

	if err := wb.Set([]byte(usageKey), encodeUsage(used)); err != nil {
		return 0, fmt.Errorf("write usage: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("flush repairs: %w", err)
	}

	if err := s.db.RunValueLogGC(0.5); err != nil &&
		!errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
		s.log.WarnContext(ctx, "Value log GC failed", "error", err)
	}
	if repaired > 0 {
		s.log.InfoContext(ctx, "Repaired document store indexes", "repaired", repaired)
	}
	return repaired, nil
}

// Usage returns the bytes accounted against the quota
func (s *DocumentStore) Usage() (int64, error) {
	var used int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		used, err = readUsage(txn)
		return err
	})
	return used, err
}

// Close implements Store; it closes the database only if the store opened it
func (s *DocumentStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// badgerLogger routes badger's internal logging into ours
type badgerLogger struct {
	log logger.Logger
}

func newBadgerLogger() *badgerLogger {
	return &badgerLogger{log: logger.Default().WithComponent(logger.ComponentStore).WithFields(map[string]interface{}{"engine": "badger"})}
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b *badgerLogger) Infof(format string, args ...interface{}) {
	b.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b *badgerLogger) Debugf(format string, args ...interface{}) {
	b.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
