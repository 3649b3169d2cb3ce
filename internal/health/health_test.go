package health_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"warden/internal/health"
	"warden/internal/testutil"
)

func TestReadyz(t *testing.T) {
	s := testutil.NewStore(t)
	up := true
	r := mux.NewRouter()
	health.RegisterRoutes(r, s.DB(), func(context.Context) bool { return up })

	for _, tc := range []struct {
		path string
		up   bool
		want int
	}{
		{"/healthz", false, http.StatusOK},
		{"/readyz", true, http.StatusOK},
		{"/readyz", false, http.StatusServiceUnavailable},
	} {
		up = tc.up
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.want {
			t.Fatalf("%s (up=%v): status %d, want %d", tc.path, tc.up, rec.Code, tc.want)
		}
	}
}

func TestReadyz_NoDB(t *testing.T) {
	r := mux.NewRouter()
	health.RegisterRoutes(r, nil, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}
