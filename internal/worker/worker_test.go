package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fcmrelay/internal/clock"
	"fcmrelay/internal/logging"
	"fcmrelay/internal/model"
	"fcmrelay/internal/push"
	"fcmrelay/internal/store"
	"fcmrelay/internal/webhook"
)

// fakeClient is a scripted push.Client. By default StartListening blocks
// until Close; set listen to override.
type fakeClient struct {
	listen    func() error
	onPayload []byte // delivered to the data callback right after listening starts

	mu     sync.Mutex
	reg    push.Registration
	keys   [2]string
	topics []string
	onData func([]byte)

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{closed: make(chan struct{})}
}

func (f *fakeClient) CreateNewKeys() (string, string, error) {
	return "priv-b64", "auth-b64", nil
}

func (f *fakeClient) LoadKeys(privateKey, authSecret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = [2]string{privateKey, authSecret}
	return nil
}

func (f *fakeClient) Register() (push.Registration, error) {
	return push.Registration{
		FCMToken:      "fcm-tok",
		GCMToken:      "gcm-tok",
		AndroidID:     111,
		SecurityToken: 222,
	}, nil
}

func (f *fakeClient) SetRegistration(reg push.Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reg = reg
}

func (f *fakeClient) SubscribeToTopic(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeClient) OnDataMessage(fn func(payload []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onData = fn
}

func (f *fakeClient) StartListening() error {
	if f.onPayload != nil {
		f.mu.Lock()
		fn := f.onData
		f.mu.Unlock()
		if fn != nil {
			fn(f.onPayload)
		}
	}
	if f.listen != nil {
		return f.listen()
	}
	<-f.closed
	return nil
}

func (f *fakeClient) Close() {
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *fakeClient) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.topics...)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createCredential(t *testing.T, s *store.Store, webhookURL string) model.Credential {
	t.Helper()
	cred := model.NewCredential(model.CreateCredentialRequest{
		Name:       "test",
		APIKey:     "api-key",
		AppID:      "1:1234:android:abc",
		ProjectID:  "proj",
		WebhookURL: webhookURL,
	})
	if err := s.CreateCredential(context.Background(), &cred); err != nil {
		t.Fatal(err)
	}
	return cred
}

func testDeps(s *store.Store, factory push.Factory) Deps {
	sender := webhook.NewSender(logging.Discard())
	sender.SetBaseDelay(time.Millisecond)
	return Deps{
		Store:       s,
		Sender:      sender,
		Factory:     factory,
		Clock:       clock.Real{},
		Log:         logging.Discard(),
		MaxMessages: 50,
		DedupTTL:    5 * time.Second,
		BaseDelay:   time.Millisecond,
	}
}

func TestRunListenerRegistersNewDevice(t *testing.T) {
	s := openTestStore(t)
	cred := createCredential(t, s, "https://example.com/hook")
	if err := s.SetTopics(context.Background(), cred.ID, []string{"alerts", "news"}); err != nil {
		t.Fatal(err)
	}

	client := newFakeClient()
	client.listen = func() error { return nil }
	w := New(cred, testDeps(s, func(_, _, _ string) (push.Client, error) {
		return client, nil
	}))

	if err := w.runListener(context.Background()); err != nil {
		t.Fatalf("runListener: %v", err)
	}

	// Registration material is persisted as one complete set.
	got, err := s.GetCredential(context.Background(), cred.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.HasRegistration() {
		t.Error("registration not persisted")
	}
	if got.FCMToken != "fcm-tok" || got.AndroidID != 111 || got.SecurityToken != 222 {
		t.Errorf("registration mismatch: %+v", got)
	}
	if got.PrivateKey != "priv-b64" || got.AuthSecret != "auth-b64" {
		t.Error("key material not persisted")
	}

	if topics := client.subscribed(); len(topics) != 2 {
		t.Errorf("subscribed = %v, want both topics", topics)
	}

	// The snapshot was refreshed, so a reconnect skips re-registration.
	if !w.cred.HasRegistration() {
		t.Error("worker snapshot not refreshed")
	}
}

func TestRunListenerReusesStoredRegistration(t *testing.T) {
	s := openTestStore(t)
	cred := createCredential(t, s, "https://example.com/hook")
	if err := s.UpdateRegistration(context.Background(), cred.ID,
		"stored-fcm", "stored-gcm", 5, 6, "stored-priv", "stored-auth"); err != nil {
		t.Fatal(err)
	}
	stored, err := s.GetCredential(context.Background(), cred.ID)
	if err != nil {
		t.Fatal(err)
	}

	client := newFakeClient()
	client.listen = func() error { return nil }
	w := New(*stored, testDeps(s, func(_, _, _ string) (push.Client, error) {
		return client, nil
	}))
	if err := w.runListener(context.Background()); err != nil {
		t.Fatal(err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.reg.FCMToken != "stored-fcm" || client.reg.SecurityToken != 6 {
		t.Errorf("stored registration not installed: %+v", client.reg)
	}
	if client.keys != [2]string{"stored-priv", "stored-auth"} {
		t.Errorf("stored keys not loaded: %v", client.keys)
	}
}

func TestRunStopsAfterMaxReconnects(t *testing.T) {
	s := openTestStore(t)
	cred := createCredential(t, s, "https://example.com/hook")

	var attempts atomic.Int32
	w := New(cred, testDeps(s, func(_, _, _ string) (push.Client, error) {
		attempts.Add(1)
		c := newFakeClient()
		c.listen = func() error { return errors.New("stream dropped") }
		return c, nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop after exhausting reconnects")
	}

	// Initial session plus ten reconnect attempts.
	if n := attempts.Load(); n != 11 {
		t.Errorf("sessions = %d, want 11", n)
	}
}

func TestRunExitsCleanlyOnNilError(t *testing.T) {
	s := openTestStore(t)
	cred := createCredential(t, s, "https://example.com/hook")

	var attempts atomic.Int32
	w := New(cred, testDeps(s, func(_, _, _ string) (push.Client, error) {
		attempts.Add(1)
		c := newFakeClient()
		c.listen = func() error { return nil }
		return c, nil
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on clean listener exit")
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("sessions = %d, want 1 (no retry on clean exit)", n)
	}
}

// logSpy is a slog handler capturing record messages.
type logSpy struct {
	mu   sync.Mutex
	msgs []string
}

func (l *logSpy) Enabled(context.Context, slog.Level) bool { return true }
func (l *logSpy) WithAttrs([]slog.Attr) slog.Handler       { return l }
func (l *logSpy) WithGroup(string) slog.Handler            { return l }

func (l *logSpy) Handle(_ context.Context, r slog.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, r.Message)
	return nil
}

func (l *logSpy) has(msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func TestRunStopsDuringReconnectDelay(t *testing.T) {
	s := openTestStore(t)
	cred := createCredential(t, s, "https://example.com/hook")

	started := make(chan struct{})
	var once sync.Once
	deps := testDeps(s, func(_, _, _ string) (push.Client, error) {
		once.Do(func() { close(started) })
		c := newFakeClient()
		c.listen = func() error { return errors.New("stream dropped") }
		return c, nil
	})
	deps.BaseDelay = time.Hour // parks the worker in the backoff wait
	spy := &logSpy{}
	deps.Log = &logging.Logger{Logger: slog.New(spy)}

	ctx, cancel := context.WithCancel(context.Background())
	w := New(cred, deps)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	<-started
	time.Sleep(20 * time.Millisecond) // let the worker reach the backoff wait
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation during backoff")
	}
	// Every exit path announces the stop the same way.
	if !spy.has("worker stopped") {
		t.Error("missing final stop log on the backoff-cancel path")
	}
}

func TestProcessPipeline(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := openTestStore(t)
	cred := createCredential(t, s, srv.URL)
	w := New(cred, testDeps(s, nil))

	payload := `{"fcmMessageId":"fcm-1","data":{"k":"v"}}`
	w.process(payload)

	if n := delivered.Load(); n != 1 {
		t.Fatalf("webhook deliveries = %d, want 1", n)
	}
	logs, err := s.ListMessages(context.Background(), cred.ID, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("logged = %d rows, want 1", len(logs))
	}
	if logs[0].FCMMessageID != "fcm-1" || logs[0].Payload != payload {
		t.Errorf("log mismatch: %+v", logs[0])
	}
	if logs[0].WebhookStatus == nil || *logs[0].WebhookStatus != 200 {
		t.Errorf("outcome not recorded: %+v", logs[0])
	}
}

func TestProcessDropsMemoryDuplicates(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := openTestStore(t)
	cred := createCredential(t, s, srv.URL)
	w := New(cred, testDeps(s, nil))

	// No vendor id, so only the content hash can catch the retransmit.
	w.process(`{"data":"same"}`)
	w.process(`{"data":"same"}`)

	if n := delivered.Load(); n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
	if n, _ := s.CountMessages(context.Background(), cred.ID); n != 1 {
		t.Errorf("logged = %d rows, want 1", n)
	}
}

func TestProcessDeliversSameContentAcrossCredentials(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := openTestStore(t)
	a := createCredential(t, s, srv.URL)
	b := createCredential(t, s, srv.URL)
	deps := testDeps(s, nil)

	// Two tenants receiving the identical payload back-to-back: dedup is
	// per credential, so both copies must be delivered.
	payload := `{"data":"identical"}`
	New(a, deps).process(payload)
	New(b, deps).process(payload)

	if n := delivered.Load(); n != 2 {
		t.Errorf("deliveries = %d, want 2", n)
	}
	if n, _ := s.CountMessages(context.Background(), a.ID); n != 1 {
		t.Errorf("tenant a logged = %d rows, want 1", n)
	}
	if n, _ := s.CountMessages(context.Background(), b.ID); n != 1 {
		t.Errorf("tenant b logged = %d rows, want 1", n)
	}
}

func TestProcessDropsPersistentDuplicates(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := openTestStore(t)
	cred := createCredential(t, s, srv.URL)
	deps := testDeps(s, nil)
	// A tiny memory window forces the second copy onto the persistent check.
	deps.DedupTTL = time.Nanosecond
	w := New(cred, deps)

	// Same vendor id, different payload bytes: content hash differs.
	w.process(`{"fcmMessageId":"fcm-9","seq":1}`)
	w.process(`{"fcmMessageId":"fcm-9","seq":2}`)

	if n := delivered.Load(); n != 1 {
		t.Errorf("deliveries = %d, want 1", n)
	}
	if n, _ := s.CountMessages(context.Background(), cred.ID); n != 1 {
		t.Errorf("logged = %d rows, want 1", n)
	}
}

func TestProcessTrimsRetention(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := openTestStore(t)
	cred := createCredential(t, s, srv.URL)
	deps := testDeps(s, nil)
	deps.MaxMessages = 3
	w := New(cred, deps)

	for i := 0; i < 6; i++ {
		w.process(fmt.Sprintf(`{"n":%d}`, i))
	}
	if n, _ := s.CountMessages(context.Background(), cred.ID); n > 3 {
		t.Errorf("retained = %d rows, want at most 3", n)
	}
}

func TestDataCallbackDeliversEndToEnd(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		select {
		case got <- string(buf):
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := openTestStore(t)
	cred := createCredential(t, s, srv.URL)

	client := newFakeClient()
	client.onPayload = []byte(`{"fcmMessageId":"e2e-1"}`)
	pool := NewPool(testDeps(s, func(_, _, _ string) (push.Client, error) {
		return client, nil
	}))
	if err := pool.StartWorker(&cred); err != nil {
		t.Fatal(err)
	}
	defer pool.ShutdownAll()

	select {
	case body := <-got:
		if body != `{"fcmMessageId":"e2e-1"}` {
			t.Errorf("delivered body = %q", body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("payload never reached the webhook")
	}
}
