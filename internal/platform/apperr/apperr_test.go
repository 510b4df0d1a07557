package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("validate: %w", New(CodeTokenExpired, "expired at 10:00"))
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatal("expected wrapped error to match ErrTokenExpired")
	}
	if errors.Is(err, ErrTokenRevoked) {
		t.Fatal("did not expect match against a different code")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(Wrap(CodeLedgerUnavailable, errors.New("dial tcp"), "anchor")); got != CodeLedgerUnavailable {
		t.Errorf("expected LEDGER_UNAVAILABLE, got %s", got)
	}
	if got := CodeOf(errors.New("boom")); got != CodeServiceUnavailable {
		t.Errorf("expected SERVICE_UNAVAILABLE for unclassified error, got %s", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Code]int{
		CodeTokenExpired:           http.StatusUnauthorized,
		CodeInsufficientScope:      http.StatusForbidden,
		CodeInvalidStateTransition: http.StatusConflict,
		CodeRecordNotFound:         http.StatusNotFound,
		CodeValidationFailed:       http.StatusBadRequest,
		CodeServiceUnavailable:     http.StatusServiceUnavailable,
	}
	for code, want := range tests {
		if got := HTTPStatus(code); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestHTTPErrorHandler(t *testing.T) {
	e := echo.New()
	h := HTTPErrorHandler(zerolog.Nop())

	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   Code
		wantMsg    string
	}{
		{"classified", ErrTokenRevoked, http.StatusUnauthorized, CodeTokenRevoked, ErrTokenRevoked.Message},
		{"echo error", echo.NewHTTPError(http.StatusBadRequest, "invalid id"), http.StatusBadRequest, CodeValidationFailed, "invalid id"},
		{"internal", errors.New("pq: connection refused"), http.StatusServiceUnavailable, CodeServiceUnavailable, ErrServiceUnavailable.Message},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h(tc.err, c)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Error.Code != tc.wantCode {
				t.Errorf("expected code %s, got %s", tc.wantCode, body.Error.Code)
			}
			if body.Error.Message != tc.wantMsg {
				t.Errorf("expected message %q, got %q", tc.wantMsg, body.Error.Message)
			}
		})
	}
}
