package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStatus(t *testing.T) {
	if got := Status(nil); got != "ok" {
		t.Errorf("Status(nil) = %q", got)
	}
	if got := Status(fmt.Errorf("x")); got != "error" {
		t.Errorf("Status(err) = %q", got)
	}
}

func TestObserveBind(t *testing.T) {
	ok := testutil.ToFloat64(BindsTotal.WithLabelValues("ok"))
	failed := testutil.ToFloat64(BindsTotal.WithLabelValues("error"))

	ObserveBind(time.Now(), nil)
	ObserveBind(time.Now(), fmt.Errorf("link"))

	if got := testutil.ToFloat64(BindsTotal.WithLabelValues("ok")); got != ok+1 {
		t.Errorf("ok binds = %v, want %v", got, ok+1)
	}
	if got := testutil.ToFloat64(BindsTotal.WithLabelValues("error")); got != failed+1 {
		t.Errorf("failed binds = %v, want %v", got, failed+1)
	}
}

func TestRegistryGathers(t *testing.T) {
	CacheHits.Inc()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "wasm_sandbox_cache_hits_total" {
			found = true
		}
	}
	if !found {
		t.Error("cache hits counter not gathered")
	}
}

func TestHandler(t *testing.T) {
	CacheHits.Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "wasm_sandbox_cache_hits_total") {
		t.Errorf("exposition lacks cache hits:\n%s", body)
	}
}
