package token

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tokens.json"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestGet_CachedAndUsable(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	s.now = fixedClock(base)

	if err := s.Put("alice", Token{Value: "tok-1", CreatedAt: base, TTL: time.Hour}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	tok, err := s.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok.Value != "tok-1" {
		t.Errorf("Value: got %q, want tok-1", tok.Value)
	}
}

func TestPut_DefaultsCreatedAt(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	s.now = fixedClock(base)

	// No CreatedAt: a TTL-bearing token must still count as freshly
	// issued, not as expired since the zero time.
	if err := s.Put("alice", Token{Value: "tok-1", TTL: time.Hour}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	tok, err := s.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !tok.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt: got %v, want store clock %v", tok.CreatedAt, base)
	}
}

func TestGet_ExpiredNoRefresher(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	if err := s.Put("alice", Token{Value: "tok-1", CreatedAt: base.Add(-2 * time.Hour), TTL: time.Hour}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	s.now = fixedClock(base)

	_, err := s.Get(context.Background(), "alice")
	if !errors.Is(err, ErrAuthExpired) {
		t.Errorf("Get() error = %v, want ErrAuthExpired", err)
	}
}

func TestGet_ExpiredRefreshes(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	if err := s.Put("alice", Token{Value: "old", RefreshValue: "r-1", CreatedAt: base.Add(-2 * time.Hour), TTL: time.Hour}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	s.now = fixedClock(base)
	s.RegisterRefresher("alice", func(_ context.Context, cached Token) (Token, error) {
		if cached.RefreshValue != "r-1" {
			t.Errorf("refresher got RefreshValue %q, want r-1", cached.RefreshValue)
		}
		return Token{Value: "new", RefreshValue: "r-2", TTL: time.Hour}, nil
	})

	tok, err := s.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok.Value != "new" {
		t.Errorf("Value: got %q, want new", tok.Value)
	}
	if !tok.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt: got %v, want store clock %v", tok.CreatedAt, base)
	}
}

// TestGet_SingleFlight makes concurrent Gets for one account during a slow
// refresh and asserts exactly one login attempt happens, with every caller
// observing its outcome.
func TestGet_SingleFlight(t *testing.T) {
	s := newTestStore(t)
	var attempts atomic.Int32
	release := make(chan struct{})
	s.RegisterRefresher("alice", func(context.Context, Token) (Token, error) {
		attempts.Add(1)
		<-release
		return Token{Value: "shared", TTL: time.Hour}, nil
	})

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Token, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Get(context.Background(), "alice")
		}(i)
	}

	// Let all callers pile up on the in-flight refresh, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := attempts.Load(); n != 1 {
		t.Errorf("login attempts: got %d, want 1", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: error = %v", i, errs[i])
		}
		if results[i].Value != "shared" {
			t.Errorf("caller %d: Value = %q, want shared", i, results[i].Value)
		}
	}
}

func TestInvalidate_ForcesRefresh(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put("alice", Token{Value: "old", TTL: 0}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	refreshed := false
	s.RegisterRefresher("alice", func(context.Context, Token) (Token, error) {
		refreshed = true
		return Token{Value: "new", TTL: time.Hour}, nil
	})

	s.Invalidate("alice")
	tok, err := s.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get() after Invalidate: error = %v", err)
	}
	if !refreshed {
		t.Error("expected a refresh after Invalidate")
	}
	if tok.Value != "new" {
		t.Errorf("Value: got %q, want new", tok.Value)
	}
}

func TestRefresh_AuthFailed(t *testing.T) {
	s := newTestStore(t)
	s.RegisterRefresher("alice", func(context.Context, Token) (Token, error) {
		return Token{}, ErrAuthFailed
	})

	_, err := s.Get(context.Background(), "alice")
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("Get() error = %v, want ErrAuthFailed", err)
	}
}

func TestPersistence_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	want := Token{Value: "tok", RefreshValue: "r", CreatedAt: time.Now().UTC().Truncate(time.Second), TTL: time.Hour}
	if err := s1.Put("alice", want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: Open() error = %v", err)
	}
	tok, err := s2.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get() after reopen: error = %v", err)
	}
	if tok.Value != want.Value || tok.RefreshValue != want.RefreshValue {
		t.Errorf("round trip: got %+v, want %+v", tok, want)
	}
}

func TestOpen_CorruptCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("Open() on corrupt cache: expected error")
	}
}

func TestWatch_ReloadsOutOfBandWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = s.Watch(ctx)
	}()
	time.Sleep(50 * time.Millisecond) // let the watcher install

	// Simulate homeprobe-login: write through a second store handle.
	other, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if err := other.Put("bob", Token{Value: "fresh", TTL: time.Hour}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.Get(context.Background(), "bob"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("token written out-of-band never became visible")
}
