package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestFetchError_Unwrap(t *testing.T) {
	inner := stderrors.New("connection refused")
	err := fmt.Errorf("output 2: %w", &FetchError{Ref: "https://x/y.png", Err: inner})

	if !IsFetchError(err) {
		t.Fatal("IsFetchError() = false, want true")
	}
	if !stderrors.Is(err, inner) {
		t.Error("errors.Is(err, inner) = false, want true")
	}
}

func TestFetchError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *FetchError
		want string
	}{
		{
			name: "status",
			err:  &FetchError{Ref: "https://a/b", StatusCode: 404},
			want: "unexpected status 404",
		},
		{
			name: "transport",
			err:  &FetchError{Ref: "https://a/b", Err: stderrors.New("timeout")},
			want: "timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(tt.err.Error(), tt.want) {
				t.Errorf("Error() = %q, want substring %q", tt.err.Error(), tt.want)
			}
		})
	}
}

func TestIsQuotaExceeded(t *testing.T) {
	wrapped := fmt.Errorf("save record: %w", ErrStorageQuotaExceeded)
	if !IsQuotaExceeded(wrapped) {
		t.Error("IsQuotaExceeded() = false, want true")
	}
	if IsQuotaExceeded(ErrNothingSaved) {
		t.Error("IsQuotaExceeded(ErrNothingSaved) = true, want false")
	}
}

func TestWriteFailureError(t *testing.T) {
	inner := stderrors.New("read-only file system")
	err := &WriteFailureError{Path: "a.png", Stage: "sidecar", Err: inner}
	if !stderrors.Is(err, inner) {
		t.Error("WriteFailureError does not unwrap")
	}
	if !strings.HasPrefix(err.Error(), "sidecar write failed") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestRecover(t *testing.T) {
	if Recover(nil) != nil {
		t.Error("Recover(nil) should be nil")
	}

	var perr *PanicError
	func() {
		defer func() {
			perr = Recover(recover())
		}()
		panic("boom")
	}()

	if perr == nil {
		t.Fatal("expected PanicError")
	}
	if perr.Value != "boom" {
		t.Errorf("Value = %v, want boom", perr.Value)
	}
	if !strings.Contains(FormatPanicForLog(perr), "Stack Trace") {
		t.Error("FormatPanicForLog() missing stack trace")
	}
}
