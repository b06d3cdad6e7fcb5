// Package runner drives one prediction through the remote inference API and
// hands its output to the result store once it succeeds.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/muaviaUsmani/genvault/internal/logger"
	"github.com/muaviaUsmani/genvault/internal/metrics"
	"github.com/muaviaUsmani/genvault/internal/result"
)

// Predictor is the narrow contract of the remote inference API
type Predictor interface {
	Submit(ctx context.Context, model string, input map[string]interface{}) (*Prediction, error)
	Get(ctx context.Context, id string) (*Prediction, error)
	Cancel(ctx context.Context, id string) error
}

// Saver persists succeeded output; implemented by *result.Service
type Saver interface {
	Create(ctx context.Context, in result.SavedResultInput, opts ...result.CreateOption) (string, error)
}

// Outcome is what a successful Run produced
type Outcome struct {
	Prediction *Prediction
	// ResultID is the id of the first saved output
	ResultID string
}

// Runner submits predictions, polls them to completion and persists output
type Runner struct {
	predictor     Predictor
	saver         Saver
	pollInterval  time.Duration
	maxBackoff    time.Duration
	cancelTimeout time.Duration
	metrics       *metrics.Collector
	log           logger.Logger
}

// New creates a runner polling every pollInterval
func New(predictor Predictor, saver Saver, pollInterval time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Runner{
		predictor:     predictor,
		saver:         saver,
		pollInterval:  pollInterval,
		maxBackoff:    30 * time.Second,
		cancelTimeout: 10 * time.Second,
		metrics:       metrics.Default(),
		log:           logger.Default().WithComponent(logger.ComponentRunner).WithSource(logger.LogSourcePrediction),
	}
}

// Run submits model with input and blocks until the prediction is terminal.
//
// A failed or canceled prediction returns *JobError carrying the remote
// status text. Canceling ctx while the job is still remote cancels it
// remotely and returns ctx's error; once output starts persisting the save
// runs to completion regardless of ctx.
func (r *Runner) Run(ctx context.Context, model string, input map[string]interface{}, opts ...result.CreateOption) (*Outcome, error) {
	pred, err := r.predictor.Submit(ctx, model, input)
	if err != nil {
		return nil, fmt.Errorf("failed to submit prediction: %w", err)
	}
	if pred.Model == "" {
		pred.Model = model
	}
	if pred.Input == nil {
		pred.Input = input
	}

	ctx = logger.ContextWithPredictionID(ctx, pred.ID)
	r.log.InfoContext(ctx, "Prediction submitted", "model", model, "status", pred.Status)

	pred, err = r.wait(ctx, pred)
	if err != nil {
		return nil, err
	}

	r.metrics.RecordPrediction(string(pred.Status))
	if !pred.IsSuccess() {
		r.log.WarnContext(ctx, "Prediction ended without output", "status", pred.Status, "error", pred.Error)
		return nil, &JobError{PredictionID: pred.ID, Status: pred.Status, Message: pred.Error}
	}

	return r.persist(ctx, pred, opts...)
}

// wait polls until pred is terminal. Transient poll errors back off
// exponentially up to maxBackoff.
func (r *Runner) wait(ctx context.Context, pred *Prediction) (*Prediction, error) {
	backoff := r.pollInterval
	for !pred.Status.Terminal() {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.cancelRemote(ctx, pred.ID)
			return nil, ctx.Err()
		case <-timer.C:
		}

		next, err := r.predictor.Get(ctx, pred.ID)
		if err != nil {
			if ctx.Err() != nil {
				r.cancelRemote(ctx, pred.ID)
				return nil, ctx.Err()
			}
			backoff *= 2
			if backoff > r.maxBackoff {
				backoff = r.maxBackoff
			}
			r.log.WarnContext(ctx, "Failed to poll prediction, retrying", "error", err, "retry_in", backoff)
			continue
		}

		backoff = r.pollInterval
		if next.Status != pred.Status {
			r.log.DebugContext(ctx, "Prediction status changed", "from", pred.Status, "to", next.Status)
		}
		if next.Model == "" {
			next.Model = pred.Model
		}
		if next.Input == nil {
			next.Input = pred.Input
		}
		if next.CreatedAt.IsZero() {
			next.CreatedAt = pred.CreatedAt
		}
		pred = next
	}
	return pred, nil
}

func (r *Runner) cancelRemote(ctx context.Context, id string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cancelTimeout)
	defer cancel()
	if err := r.predictor.Cancel(cctx, id); err != nil {
		r.log.WarnContext(ctx, "Failed to cancel prediction remotely", "error", err)
		return
	}
	r.log.InfoContext(ctx, "Prediction canceled")
}

func (r *Runner) persist(ctx context.Context, pred *Prediction, opts ...result.CreateOption) (*Outcome, error) {
	if len(pred.Output) == 0 {
		return nil, &JobError{PredictionID: pred.ID, Status: pred.Status, Message: "prediction succeeded without output"}
	}

	createdAt := time.Now().UnixMilli()
	if !pred.CreatedAt.IsZero() {
		createdAt = pred.CreatedAt.UnixMilli()
	}

	id, err := r.saver.Create(context.WithoutCancel(ctx), result.SavedResultInput{
		PredictionID: pred.ID,
		Model:        modelName(pred.Model),
		Input:        pred.Input,
		Outputs:      pred.Output,
		CreatedAt:    createdAt,
	}, opts...)
	if err != nil {
		return &Outcome{Prediction: pred, ResultID: id}, fmt.Errorf("failed to save output: %w", err)
	}

	r.log.InfoContext(ctx, "Prediction output saved", "outputs", len(pred.Output), "result_id", id)
	return &Outcome{Prediction: pred, ResultID: id}, nil
}

// modelName strips a ":version" suffix so results group by owner/name
func modelName(ref string) string {
	for i := 0; i < len(ref); i++ {
		if ref[i] == ':' {
			return ref[:i]
		}
	}
	return ref
}
