package eta

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-coordinator/internal/models"
)

type fakeClient struct {
	calls int
	est   Estimate
	err   error
}

func (f *fakeClient) Estimate(ctx context.Context, from, to models.Coord) (Estimate, error) {
	f.calls++
	return f.est, f.err
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	a, b := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 2, Lon: 2}
	c.Set(a, b, Estimate{DistanceMeters: 10})
	if v, ok := c.Get(a, b); !ok || v.DistanceMeters != 10 {
		t.Fatalf("expected cached value, got %v %v", v, ok)
	}
	if _, ok := c.Get(b, a); ok {
		t.Fatal("cache must be directional")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestRouterUsesClientThenCache(t *testing.T) {
	fc := &fakeClient{est: Estimate{DistanceMeters: 1200, DurationSeconds: 180}}
	r := &Router{Client: fc, Cache: NewCache(time.Minute), SpeedMps: 10}
	a, b := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 1.01, Lon: 1}
	for i := 0; i < 3; i++ {
		if got := r.Estimate(context.Background(), a, b); got != fc.est {
			t.Fatalf("unexpected estimate %v", got)
		}
	}
	if fc.calls != 1 {
		t.Fatalf("expected 1 client call, got %d", fc.calls)
	}
}

func TestRouterFallsBackOnError(t *testing.T) {
	fc := &fakeClient{err: errors.New("routing down")}
	r := &Router{Client: fc, SpeedMps: 10}
	a, b := models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0, Lon: 0.01}
	got := r.Estimate(context.Background(), a, b)
	want := Fallback(a, b, 10)
	if got != want {
		t.Fatalf("expected fallback %v, got %v", want, got)
	}
	if math.Abs(got.DurationSeconds-got.DistanceMeters/10) > 1e-9 {
		t.Fatalf("fallback duration should be distance/speed, got %v", got)
	}
}

func TestNilRouterFallsBack(t *testing.T) {
	var r *Router
	got := r.Estimate(context.Background(), models.Coord{}, models.Coord{Lat: 0.01})
	if got.DistanceMeters <= 0 {
		t.Fatalf("expected positive fallback distance, got %v", got)
	}
}

func TestOSRMClientEstimate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route/v1/driving/121.500000,25.000000;121.600000,25.100000" {
			http.Error(w, "bad path "+r.URL.Path, 400)
			return
		}
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":321.5,"distance":4500}]}`)
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	got, err := c.Estimate(context.Background(), models.Coord{Lat: 25, Lon: 121.5}, models.Coord{Lat: 25.1, Lon: 121.6})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if got.DistanceMeters != 4500 || got.DurationSeconds != 321.5 {
		t.Fatalf("unexpected estimate %v", got)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer srv.Close()

	if _, err := NewOSRMClient(srv.URL).Estimate(context.Background(), models.Coord{}, models.Coord{}); err == nil {
		t.Fatal("expected error for NoRoute")
	}
}
