package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/muaviaUsmani/genvault/internal/result"
)

// fakePredictor walks a prediction through a fixed status sequence
type fakePredictor struct {
	mu        sync.Mutex
	statuses  []Status
	output    result.Output
	errText   string
	pollErrs  int
	polls     int
	canceled  []string
	submitErr error
}

func (f *fakePredictor) Submit(ctx context.Context, model string, input map[string]interface{}) (*Prediction, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &Prediction{
		ID:        "pred-1",
		Status:    StatusStarting,
		CreatedAt: time.UnixMilli(1700000000000),
	}, nil
}

func (f *fakePredictor) Get(ctx context.Context, id string) (*Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErrs > 0 {
		f.pollErrs--
		return nil, errors.New("connection reset")
	}
	status := f.statuses[len(f.statuses)-1]
	if f.polls < len(f.statuses) {
		status = f.statuses[f.polls]
	}
	f.polls++
	p := &Prediction{ID: id, Status: status, Error: f.errText}
	if status == StatusSucceeded {
		p.Output = f.output
	}
	return p, nil
}

func (f *fakePredictor) Cancel(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

type fakeSaver struct {
	got    []result.SavedResultInput
	ctxErr error
}

func (s *fakeSaver) Create(ctx context.Context, in result.SavedResultInput, opts ...result.CreateOption) (string, error) {
	s.got = append(s.got, in)
	s.ctxErr = ctx.Err()
	return "result-1", nil
}

func TestRunner_SucceededOutputIsSaved(t *testing.T) {
	p := &fakePredictor{
		statuses: []Status{StatusQueued, StatusRunning, StatusSucceeded},
		output:   result.Output{"https://cdn.example/a.png", "https://cdn.example/b.png"},
	}
	saver := &fakeSaver{}
	r := New(p, saver, time.Millisecond)

	input := map[string]interface{}{"prompt": "a fox"}
	out, err := r.Run(context.Background(), "owner/model:abc123", input)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.ResultID != "result-1" {
		t.Errorf("ResultID = %q, want result-1", out.ResultID)
	}
	if len(saver.got) != 1 {
		t.Fatalf("Create called %d times, want 1", len(saver.got))
	}
	in := saver.got[0]
	if in.Model != "owner/model" {
		t.Errorf("Model = %q, want owner/model", in.Model)
	}
	if in.PredictionID != "pred-1" || len(in.Outputs) != 2 {
		t.Errorf("SavedResultInput = %+v", in)
	}
	if in.CreatedAt != 1700000000000 {
		t.Errorf("CreatedAt = %d, want the remote creation time", in.CreatedAt)
	}
	if in.Input["prompt"] != "a fox" {
		t.Errorf("Input = %v", in.Input)
	}
}

func TestRunner_FailedPredictionReportsStatusText(t *testing.T) {
	tests := []struct {
		status Status
		text   string
	}{
		{StatusFailed, "CUDA out of memory"},
		{StatusCanceled, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			p := &fakePredictor{statuses: []Status{StatusRunning, tt.status}, errText: tt.text}
			saver := &fakeSaver{}
			r := New(p, saver, time.Millisecond)

			_, err := r.Run(context.Background(), "owner/model", nil)
			var jobErr *JobError
			if !errors.As(err, &jobErr) {
				t.Fatalf("Run() error = %v, want *JobError", err)
			}
			if jobErr.Status != tt.status || jobErr.Message != tt.text {
				t.Errorf("JobError = %+v", jobErr)
			}
			if len(saver.got) != 0 {
				t.Error("store must never see a prediction without output")
			}
		})
	}
}

func TestRunner_CancelBeforeCompletion(t *testing.T) {
	p := &fakePredictor{statuses: []Status{StatusRunning}}
	r := New(p, &fakeSaver{}, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, "owner/model", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want deadline exceeded", err)
	}
	if len(p.canceled) != 1 || p.canceled[0] != "pred-1" {
		t.Errorf("remote cancel calls = %v, want [pred-1]", p.canceled)
	}
}

func TestRunner_RetriesTransientPollErrors(t *testing.T) {
	p := &fakePredictor{
		statuses: []Status{StatusSucceeded},
		output:   result.Output{"data:image/png;base64,AA=="},
		pollErrs: 2,
	}
	saver := &fakeSaver{}
	r := New(p, saver, time.Millisecond)

	if _, err := r.Run(context.Background(), "owner/model", nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(saver.got) != 1 {
		t.Errorf("Create called %d times, want 1", len(saver.got))
	}
}

func TestRunner_SaveIgnoresCallerCancellation(t *testing.T) {
	p := &fakePredictor{statuses: []Status{StatusSucceeded}, output: result.Output{"x.png"}}
	saver := &fakeSaver{}
	r := New(p, saver, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	// cancel as soon as the save starts; the saver must see a live context
	go func() {
		time.Sleep(time.Millisecond)
		cancel()
	}()
	if _, err := r.Run(ctx, "owner/model", nil); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v", err)
	}
	if len(saver.got) == 1 && saver.ctxErr != nil {
		t.Errorf("save context error = %v, want nil", saver.ctxErr)
	}
}

func TestRunner_SubmitError(t *testing.T) {
	p := &fakePredictor{submitErr: errors.New("unauthorized")}
	if _, err := New(p, &fakeSaver{}, time.Millisecond).Run(context.Background(), "owner/model", nil); err == nil {
		t.Fatal("Run() expected error on submit failure")
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusCanceled} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []Status{StatusStarting, StatusQueued, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}
