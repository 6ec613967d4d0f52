package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJWTRoundTrip(t *testing.T) {
	token, err := SignJWT("secret", TokenClaims{Sub: "user-1", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("SignJWT error: %v", err)
	}
	claims, err := VerifyJWT("secret", token)
	if err != nil {
		t.Fatalf("VerifyJWT error: %v", err)
	}
	if claims.Sub != "user-1" {
		t.Fatalf("sub = %q", claims.Sub)
	}
}

func TestVerifyJWTRejectsWrongSecret(t *testing.T) {
	token, _ := SignJWT("secret", TokenClaims{Sub: "user-1"})
	if _, err := VerifyJWT("other", token); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestVerifyJWTRejectsExpired(t *testing.T) {
	token, _ := SignJWT("secret", TokenClaims{Sub: "user-1", Exp: time.Now().Add(-time.Minute).Unix()})
	if _, err := VerifyJWT("secret", token); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestAuthJWTInjectsUserContext(t *testing.T) {
	var gotUser string
	handler := AuthJWT("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
	}))

	token, _ := SignJWT("secret", TokenClaims{Sub: "user-1", Exp: time.Now().Add(time.Hour).Unix()})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotUser != "user-1" {
		t.Fatalf("user from context = %q", gotUser)
	}
}

func TestAuthJWTRejectsMissingHeader(t *testing.T) {
	handler := AuthJWT("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestInternalAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"valid token", "tok", "tok", http.StatusOK},
		{"wrong token", "tok", "nope", http.StatusUnauthorized},
		{"disabled when unset", "", "anything", http.StatusForbidden},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			handler := InternalAuth(tc.token)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			r := httptest.NewRequest(http.MethodPost, "/internal/v1/jobs/x/poll", nil)
			r.Header.Set("X-Internal-Token", tc.header)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, r)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}
