package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eumetnet/apikey-manager/internal/auth"
)

// stubValidator returns a fixed token or error.
type stubValidator struct {
	token *auth.AccessToken
	err   error
}

func (s *stubValidator) Validate(_ context.Context, _ string) (*auth.AccessToken, error) {
	return s.token, s.err
}

func message(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body %q: %v", rec.Body.String(), err)
	}
	return body["message"]
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMissingHeader(t *testing.T) {
	mw := NewAuth(&stubValidator{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/apikey", nil)

	mw.Handler(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if got := message(t, rec); got != "Not authenticated" {
		t.Errorf("message = %q, want %q", got, "Not authenticated")
	}
}

func TestAuthValidationErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"missing token", auth.ErrTokenMissing, http.StatusUnauthorized},
		{"expired token", auth.ErrTokenExpired, http.StatusUnauthorized},
		{"invalid token", auth.ErrTokenInvalid, http.StatusUnauthorized},
		{"no valid group", auth.ErrInvalidGroups, http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mw := NewAuth(&stubValidator{err: tc.err})
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/apikey", nil)
			req.Header.Set("Authorization", "Bearer something")

			mw.Handler(okHandler()).ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if got := message(t, rec); got != tc.err.Error() {
				t.Errorf("message = %q, want %q", got, tc.err.Error())
			}
		})
	}
}

func TestAuthStoresTokenInContext(t *testing.T) {
	token := &auth.AccessToken{Sub: "abc", Groups: []string{"USER"}}
	mw := NewAuth(&stubValidator{token: token})

	var seen *auth.AccessToken
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetAccessToken(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/apikey", nil)
	req.Header.Set("Authorization", "Bearer something")
	mw.Handler(next).ServeHTTP(httptest.NewRecorder(), req)

	if seen != token {
		t.Errorf("context token = %+v, want the validated token", seen)
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name       string
		token      *auth.AccessToken
		wantStatus int
	}{
		{"no token", nil, http.StatusForbidden},
		{"plain user", &auth.AccessToken{Groups: []string{"USER"}}, http.StatusForbidden},
		{"admin", &auth.AccessToken{Groups: []string{"USER", "ADMIN"}}, http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodDelete, "/admin/users/x", nil)
			if tc.token != nil {
				req = req.WithContext(WithAccessToken(req.Context(), tc.token))
			}

			RequireAdmin(okHandler()).ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusForbidden {
				if got := message(t, rec); got != "User does not belong to valid group(s)" {
					t.Errorf("message = %q", got)
				}
			}
		})
	}
}
