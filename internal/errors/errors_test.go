package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aws/smithy-go"
)

type apiError struct {
	code   string
	status int
}

func (e *apiError) Error() string                 { return e.code }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return "message for " + e.code }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (e *apiError) HTTPStatusCode() int           { return e.status }

func TestIsMatchesByCode(t *testing.T) {
	err := InvalidRange(10, 5, "abc", 12, nil)
	if !errors.Is(err, ErrInvalidRange) {
		t.Fatal("expected errors.Is to match ErrInvalidRange")
	}
	if errors.Is(err, ErrInvalidOffset) {
		t.Fatal("did not expect errors.Is to match ErrInvalidOffset")
	}
	if err.ExtraFields["size"] != "12" || err.ExtraFields["offset"] != "10" || err.ExtraFields["length"] != "5" {
		t.Errorf("unexpected extra fields: %v", err.ExtraFields)
	}
	if err.Key != "abc" {
		t.Errorf("Key = %q, want abc", err.Key)
	}
}

func TestWithHelpersDoNotMutatePredefined(t *testing.T) {
	_ = ErrInvalidOffset.WithKey("k").WithExtra("a", "b").WithMessage("changed")
	if ErrInvalidOffset.Key != "" || ErrInvalidOffset.ExtraFields != nil {
		t.Fatal("predefined error was mutated")
	}
	if ErrInvalidOffset.Message != "The offset does not match the current file length" {
		t.Fatalf("predefined message was mutated: %q", ErrInvalidOffset.Message)
	}
}

func TestWrapClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *FileStoreError
	}{
		{"not found code", &apiError{code: "NoSuchKey", status: 404}, ErrFileNotFound},
		{"not found status", &apiError{code: "Whatever", status: 404}, ErrFileNotFound},
		{"missing bucket", &apiError{code: "NoSuchBucket", status: 404}, ErrStoreService},
		{"service error", &apiError{code: "AccessDenied", status: 403}, ErrStoreService},
		{"client error", fmt.Errorf("dial tcp: connection refused"), ErrStoreClient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Wrap(tc.err, "pfx/key")
			if !errors.Is(err, tc.want) {
				t.Fatalf("Wrap(%v) = %v, want kind %s", tc.err, err, tc.want.Code)
			}
			if !errors.Is(err, tc.err) {
				t.Fatal("wrapped error lost its cause")
			}
			var fe *FileStoreError
			if !errors.As(err, &fe) || fe.Key != "pfx/key" {
				t.Fatalf("expected key pfx/key on %v", err)
			}
		})
	}
}

func TestIsBucketNotFound(t *testing.T) {
	missing := &apiError{code: "NoSuchBucket", status: 404}
	if IsNotFound(missing) {
		t.Error("NoSuchBucket classified as a missing object")
	}
	if !IsBucketNotFound(missing) || !IsBucketNotFound(&apiError{code: "NotFound", status: 404}) {
		t.Error("missing bucket not recognised")
	}
	if IsBucketNotFound(&apiError{code: "Forbidden", status: 403}) {
		t.Error("Forbidden classified as a missing bucket")
	}
}

func TestWrapKeepsFileStoreErrors(t *testing.T) {
	orig := InvalidOffset(3, "n", 4)
	if got := Wrap(orig, "other"); got != error(orig) {
		t.Fatalf("Wrap changed an existing FileStoreError: %v", got)
	}
	if Wrap(nil, "k") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
}

func TestHTTPStatus(t *testing.T) {
	if ErrInvalidRange.HTTPStatus != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("ErrInvalidRange status = %d", ErrInvalidRange.HTTPStatus)
	}
	if HTTPStatusCode(&apiError{code: "InvalidRange", status: 416}) != 416 {
		t.Fatal("expected status 416")
	}
	if !HasCode(fmt.Errorf("wrapped: %w", &apiError{code: "EntityTooSmall"}), "EntityTooSmall") {
		t.Fatal("expected HasCode to look through wrapping")
	}
}
