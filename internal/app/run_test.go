package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CLERK_SECRET_KEY", "")
	t.Setenv("CLERK_JWT_KEY", "")

	var buf bytes.Buffer
	if err := Run(&buf, []string{"serve"}); err == nil {
		t.Fatal("Run with missing env should return error")
	}
}

// 未対応のスキームではサーバーを起動せずにエラーを返すことを検証
func TestRun_Serve_UnsupportedDatabaseScheme(t *testing.T) {
	setTestEnv(t)
	t.Setenv("DATABASE_URL", "sqlite:///tmp/blog.db")

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil || !strings.Contains(err.Error(), "unsupported database url scheme") {
		t.Fatalf("err = %v, want unsupported scheme error", err)
	}
}

// migrateはPostgreSQL以外では実行できないことを検証
func TestRun_Migrate_RequiresPostgres(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"migrate"})
	if err == nil || !strings.Contains(err.Error(), "postgres only") {
		t.Fatalf("err = %v, want postgres only error", err)
	}
}

func TestRun_Healthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"正常", http.StatusOK, false},
		{"異常", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("path = %q, want /health", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			u, _ := url.Parse(srv.URL)
			t.Setenv("PORT", u.Port())

			err := Run(&bytes.Buffer{}, []string{"healthcheck"})
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRun_Healthcheck_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u, _ := url.Parse(srv.URL)
	srv.Close()
	t.Setenv("PORT", u.Port())

	if err := Run(&bytes.Buffer{}, []string{"healthcheck"}); err == nil {
		t.Fatal("expected error when nothing listens on the port")
	}
}
