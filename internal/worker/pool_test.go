package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fcmrelay/internal/model"
	"fcmrelay/internal/push"
	"fcmrelay/internal/store"
)

// blockingFactory hands out fake clients that block in StartListening until
// closed, and remembers them so tests can inspect the set.
type blockingFactory struct {
	mu      sync.Mutex
	clients []*fakeClient
}

func (b *blockingFactory) build(_, _, _ string) (push.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := newFakeClient()
	b.clients = append(b.clients, c)
	return c, nil
}

func (b *blockingFactory) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func testPool(t *testing.T) (*Pool, *store.Store, *blockingFactory) {
	t.Helper()
	s := openTestStore(t)
	f := &blockingFactory{}
	p := NewPool(testDeps(s, f.build))
	t.Cleanup(p.ShutdownAll)
	return p, s, f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartWorkerRejectsDuplicate(t *testing.T) {
	p, s, _ := testPool(t)
	cred := createCredential(t, s, "https://example.com/hook")

	if err := p.StartWorker(&cred); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if !p.IsRunning(cred.ID) {
		t.Error("worker not reported running")
	}
	if err := p.StartWorker(&cred); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second start: got %v, want ErrAlreadyRunning", err)
	}
}

func TestStopWorker(t *testing.T) {
	p, s, _ := testPool(t)
	cred := createCredential(t, s, "https://example.com/hook")

	if err := p.StartWorker(&cred); err != nil {
		t.Fatal(err)
	}
	if err := p.StopWorker(cred.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if p.IsRunning(cred.ID) {
		t.Error("worker still reported running after stop")
	}
	if err := p.StopWorker(cred.ID); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second stop: got %v, want ErrNotRunning", err)
	}
}

func TestStopReleasesIDForRestart(t *testing.T) {
	p, s, f := testPool(t)
	cred := createCredential(t, s, "https://example.com/hook")

	if err := p.StartWorker(&cred); err != nil {
		t.Fatal(err)
	}
	// Let the first session reach the factory before stopping; a stop that
	// lands before the worker goroutine is scheduled would otherwise end
	// the session without a client ever being built.
	waitFor(t, "first session", func() bool { return f.count() == 1 })
	if err := p.StopWorker(cred.ID); err != nil {
		t.Fatal(err)
	}
	if err := p.StartWorker(&cred); err != nil {
		t.Fatalf("start after stop: %v", err)
	}
	waitFor(t, "second session", func() bool { return f.count() == 2 })
}

func TestRestartWorker(t *testing.T) {
	p, s, f := testPool(t)
	cred := createCredential(t, s, "https://example.com/hook")

	// Restart also starts a stopped worker.
	if err := p.RestartWorker(&cred); err != nil {
		t.Fatalf("restart from stopped: %v", err)
	}
	waitFor(t, "first session", func() bool { return f.count() == 1 })

	if err := p.RestartWorker(&cred); err != nil {
		t.Fatalf("restart while running: %v", err)
	}
	waitFor(t, "fresh session", func() bool { return f.count() == 2 })
	if !p.IsRunning(cred.ID) {
		t.Error("worker not running after restart")
	}
}

func TestStartAllRunnable(t *testing.T) {
	p, s, _ := testPool(t)
	ctx := context.Background()

	runnable := createCredential(t, s, "https://example.com/hook")
	suspended := model.NewCredential(model.CreateCredentialRequest{
		Name: "suspended", APIKey: "k", AppID: "a", ProjectID: "p",
		WebhookURL: "https://example.com/hook",
	})
	if err := s.CreateCredential(ctx, &suspended); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSuspended(ctx, suspended.ID, true); err != nil {
		t.Fatal(err)
	}

	if err := p.StartAllRunnable(ctx); err != nil {
		t.Fatal(err)
	}
	if !p.IsRunning(runnable.ID) {
		t.Error("runnable credential not started")
	}
	if p.IsRunning(suspended.ID) {
		t.Error("suspended credential was started")
	}
	if n := p.ActiveCount(); n != 1 {
		t.Errorf("ActiveCount = %d, want 1", n)
	}
}

func TestShutdownAll(t *testing.T) {
	p, s, _ := testPool(t)

	var creds []model.Credential
	for i := 0; i < 3; i++ {
		cred := createCredential(t, s, "https://example.com/hook")
		creds = append(creds, cred)
		if err := p.StartWorker(&cred); err != nil {
			t.Fatal(err)
		}
	}
	if n := p.ActiveCount(); n != 3 {
		t.Fatalf("ActiveCount = %d, want 3", n)
	}

	p.ShutdownAll()
	if n := p.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount = %d after shutdown, want 0", n)
	}
	for _, cred := range creds {
		if p.IsRunning(cred.ID) {
			t.Errorf("worker %s still running after shutdown", cred.Name)
		}
	}
}

func TestIsRunningReflectsFinishedWorker(t *testing.T) {
	p, s, _ := testPool(t)
	cred := createCredential(t, s, "https://example.com/hook")

	// This worker's session ends immediately; the handle stays in the map
	// but must not be reported as running.
	f := &blockingFactory{}
	deps := testDeps(s, func(a, b, c string) (push.Client, error) {
		client, _ := f.build(a, b, c)
		client.(*fakeClient).listen = func() error { return nil }
		return client, nil
	})
	p = NewPool(deps)
	if err := p.StartWorker(&cred); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "worker exit", func() bool { return !p.IsRunning(cred.ID) })
	if n := p.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount = %d, want 0", n)
	}
}
