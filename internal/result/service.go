package result

import (
	"context"
	stderrors "errors"
	"fmt"
	"path"
	"strings"
	"time"

	apperrors "github.com/muaviaUsmani/genvault/internal/errors"
	"github.com/muaviaUsmani/genvault/internal/logger"
	"github.com/muaviaUsmani/genvault/internal/media"
	"github.com/muaviaUsmani/genvault/internal/metrics"
)

// RetentionSource supplies the retention cap; 0 means unlimited
type RetentionSource interface {
	MaxResults() int
}

// Progress reports which output of a batch is being persisted
type Progress struct {
	Name  string `json:"name"`
	Index int    `json:"index"` // 1-based
	Total int    `json:"total"`
}

// ReconcileReport summarizes one reconcile sweep
type ReconcileReport struct {
	Repaired int `json:"repaired"`
	Evicted  int `json:"evicted"`
}

// Service is the mode-agnostic result store used by the gallery and the
// prediction runner. It owns the batch, partial-success and retention
// policies; the Store strategy owns the persistence.
type Service struct {
	store     Store
	retention RetentionSource
	yield     time.Duration
	metrics   *metrics.Collector
	log       logger.Logger
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithBatchYield sets the pause between outputs of one batch
func WithBatchYield(d time.Duration) Option {
	return func(s *Service) { s.yield = d }
}

// WithMetrics sets the metrics collector
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wraps a store strategy
func NewService(store Store, retention RetentionSource, opts ...Option) *Service {
	s := &Service{
		store:     store,
		retention: retention,
		yield:     10 * time.Millisecond,
		metrics:   metrics.Default(),
		log:       logger.Default().WithComponent(logger.ComponentStore),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type createOptions struct {
	progress func(Progress)
}

// CreateOption configures one Create call
type CreateOption func(*createOptions)

// WithProgress reports each output before it is persisted
func WithProgress(fn func(Progress)) CreateOption {
	return func(o *createOptions) { o.progress = fn }
}

// Create persists every output of a completed prediction as an independent
// result, one at a time with a short yield in between. An output that fails
// is logged and skipped. Once started, persistence ignores cancellation of
// ctx so a file and its metadata never drift apart mid-write.
//
// It returns the id of the first saved output. ErrNothingSaved is returned
// when no output could be saved. ErrStorageQuotaExceeded stops the batch and
// is returned even if earlier outputs were saved, along with the first id.
func (s *Service) Create(ctx context.Context, in SavedResultInput, opts ...CreateOption) (string, error) {
	var co createOptions
	for _, opt := range opts {
		opt(&co)
	}

	if len(in.Outputs) == 0 {
		return "", apperrors.ErrNothingSaved
	}

	ctx = context.WithoutCancel(ctx)
	ctx = logger.ContextWithPredictionID(ctx, in.PredictionID)

	createdAt := in.CreatedAt
	if createdAt == 0 {
		createdAt = s.now().UnixMilli()
	}

	total := len(in.Outputs)
	var firstID string
	var quotaErr error
	saved := 0

	for i, out := range in.Outputs {
		if i > 0 && s.yield > 0 {
			time.Sleep(s.yield)
		}
		if co.progress != nil {
			co.progress(Progress{Name: outputName(out, i), Index: i + 1, Total: total})
		}

		item := Item{
			PredictionID: in.PredictionID,
			Model:        in.Model,
			Input:        in.Input,
			Output:       out,
			CreatedAt:    createdAt,
			Type:         in.Type,
		}

		res, err := s.saveOne(ctx, item)
		if err != nil {
			if apperrors.IsQuotaExceeded(err) {
				s.log.ErrorContext(ctx, "Storage quota exceeded, stopping batch",
					"output_index", i+1, "total", total)
				quotaErr = err
				break
			}
			s.log.WarnContext(ctx, "Skipping output that could not be saved",
				"output_index", i+1, "total", total, "error", err)
			continue
		}

		saved++
		if firstID == "" {
			firstID = res.ID
		}
	}

	if saved > 0 {
		s.log.InfoContext(ctx, "Saved prediction outputs",
			"model", in.Model, "saved", saved, "total", total)
		if _, err := s.CleanupOldResults(ctx, s.maxResults()); err != nil {
			s.log.WarnContext(ctx, "Retention cleanup failed", "error", err)
		}
	}

	if quotaErr != nil {
		return firstID, quotaErr
	}
	if saved == 0 {
		return "", apperrors.ErrNothingSaved
	}
	return firstID, nil
}

func (s *Service) saveOne(ctx context.Context, item Item) (res *SavedResult, err error) {
	start := time.Now()
	s.metrics.RecordSaveStarted()

	defer func() {
		if perr := apperrors.Recover(recover()); perr != nil {
			s.log.ErrorContext(ctx, "Panic while saving output", "panic", apperrors.FormatPanicForLog(perr))
			res, err = nil, perr
		}
		if err != nil {
			s.metrics.RecordSaveFailed(time.Since(start), apperrors.IsFetchError(err))
			return
		}
		s.metrics.RecordSaveSucceeded(res.Type, time.Since(start))
	}()

	res, err = s.store.Save(ctx, item)
	if err == nil && res == nil {
		err = fmt.Errorf("store returned no result")
	}
	if err == nil {
		s.log.DebugContext(logger.ContextWithResultID(ctx, res.ID), "Saved output", "type", res.Type)
	}
	return res, err
}

// outputName is the progress label of an output
func outputName(ref string, i int) string {
	if media.IsRemote(ref) {
		p := ref
		if j := strings.IndexAny(p, "?#"); j >= 0 {
			p = p[:j]
		}
		if base := path.Base(p); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return fmt.Sprintf("output %d", i+1)
}

func (s *Service) maxResults() int {
	if s.retention == nil {
		return 0
	}
	return s.retention.MaxResults()
}

// List returns all resolvable results newest first
func (s *Service) List(ctx context.Context, filter Filter) ([]*SavedResult, error) {
	results, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if filter.Empty() {
		s.metrics.RecordStoredResults(len(results))
	}
	return results, nil
}

// ListPage returns results[offset:offset+limit] of the filtered listing
// together with the filtered total. A limit of 0 or less returns everything
// from offset on.
func (s *Service) ListPage(ctx context.Context, filter Filter, offset, limit int) (*Page, error) {
	if offset < 0 {
		return nil, fmt.Errorf("invalid offset %d", offset)
	}
	if pager, ok := s.store.(Pager); ok {
		return pager.ListPage(ctx, filter, offset, limit)
	}

	all, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return &Page{Items: window(all, offset, limit), Total: len(all)}, nil
}

func window(all []*SavedResult, offset, limit int) []*SavedResult {
	if offset >= len(all) {
		return []*SavedResult{}
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}

// Get returns one result or nil when it does not exist
func (s *Service) Get(ctx context.Context, id string) (*SavedResult, error) {
	if id == "" {
		return nil, apperrors.ErrInvalidID
	}
	return s.store.Get(logger.ContextWithResultID(ctx, id), id)
}

// Delete removes a result. Deleting an unknown id is not an error.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.ErrInvalidID
	}
	ctx = logger.ContextWithResultID(ctx, id)
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.metrics.RecordDeleted()
	s.log.InfoContext(ctx, "Deleted result")
	return nil
}

// Open returns the stored payload of a result or nil when it does not exist
func (s *Service) Open(ctx context.Context, id string) (*Media, error) {
	if id == "" {
		return nil, apperrors.ErrInvalidID
	}
	return s.store.Open(logger.ContextWithResultID(ctx, id), id)
}

// CleanupOldResults deletes the oldest results until at most maxResults
// remain. A cap of 0 (or less) means unlimited and deletes nothing. It
// returns the number of results deleted; failures on individual entries are
// joined into the returned error without stopping the sweep.
func (s *Service) CleanupOldResults(ctx context.Context, maxResults int) (int, error) {
	if maxResults <= 0 {
		return 0, nil
	}

	all, err := s.store.List(ctx, Filter{})
	if err != nil {
		return 0, fmt.Errorf("failed to list results for cleanup: %w", err)
	}
	if len(all) <= maxResults {
		return 0, nil
	}

	// newest first, so the excess is the tail; delete oldest first
	excess := all[maxResults:]
	deleted := 0
	var errs []error
	for i := len(excess) - 1; i >= 0; i-- {
		r := excess[i]
		if err := s.store.Delete(ctx, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", r.ID, err))
			continue
		}
		deleted++
	}

	s.metrics.RecordEvicted(deleted)
	s.metrics.RecordStoredResults(len(all) - deleted)
	s.log.InfoContext(ctx, "Evicted results beyond retention cap",
		"max_results", maxResults, "evicted", deleted, "failed", len(errs))

	return deleted, stderrors.Join(errs...)
}

// Reconcile repairs drift between metadata and payloads when the strategy
// supports it, then enforces the retention cap
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if r, ok := s.store.(Reconciler); ok {
		n, err := r.Reconcile(ctx)
		if err != nil {
			return report, fmt.Errorf("reconcile failed: %w", err)
		}
		report.Repaired = n
	}

	evicted, err := s.CleanupOldResults(ctx, s.maxResults())
	report.Evicted = evicted
	return report, err
}

// Close closes the underlying store
func (s *Service) Close() error {
	return s.store.Close()
}
