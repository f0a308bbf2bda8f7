// Package worker supervises one push-channel session per credential and owns
// the pool that starts, stops, and drains those sessions.
package worker

import (
	"context"
	"strings"
	"time"

	"fcmrelay/internal/clock"
	"fcmrelay/internal/dedup"
	"fcmrelay/internal/logging"
	"fcmrelay/internal/metrics"
	"fcmrelay/internal/model"
	"fcmrelay/internal/notify"
	"fcmrelay/internal/push"
	"fcmrelay/internal/store"
	"fcmrelay/internal/webhook"
)

const (
	maxReconnects    = 10
	maxBackoffShift  = 6 // caps the delay at base * 2^6
	defaultBaseDelay = 5 * time.Second
	defaultDedupTTL  = 5 * time.Second
	pipelineTimeout  = 60 * time.Second
)

// Deps carries the shared collaborators a worker needs.
type Deps struct {
	Store       *store.Store
	Sender      *webhook.Sender
	Mirror      *notify.Multi
	Factory     push.Factory
	Clock       clock.Clock
	Log         *logging.Logger
	MaxMessages int

	// DedupTTL is the in-memory dedup window. Zero means the default.
	DedupTTL time.Duration
	// BaseDelay overrides the reconnect backoff base. Zero means the default.
	BaseDelay time.Duration
}

// Worker runs the listen/reconnect loop for a single credential.
//
// The credential is a snapshot taken at spawn time; control-plane edits do
// not reach a running worker, the control plane restarts it instead.
type Worker struct {
	cred  model.Credential
	deps  Deps
	dedup *dedup.Cache
	log   *logging.Logger
}

// New creates a Worker for the given credential snapshot. The dedup cache is
// per worker: identical payloads arriving for different credentials are
// distinct messages and must all be delivered.
func New(cred model.Credential, deps Deps) *Worker {
	if deps.BaseDelay == 0 {
		deps.BaseDelay = defaultBaseDelay
	}
	if deps.DedupTTL == 0 {
		deps.DedupTTL = defaultDedupTTL
	}
	return &Worker{
		cred:  cred,
		deps:  deps,
		dedup: dedup.New(deps.DedupTTL),
		log:   deps.Log.With("credential", cred.ID, "name", cred.Name),
	}
}

// Run is the supervised loop: listen, and on stream failure reconnect with
// capped exponential backoff. It returns on clean stream close, on shutdown,
// or after the reconnect budget is exhausted.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started")

	retries := 0
	for {
		if ctx.Err() != nil {
			w.log.Info("shutdown signal received")
			break
		}

		err := w.runListener(ctx)
		if err == nil {
			w.log.Info("listener exited cleanly")
			break
		}
		w.log.Error("listener error", "error", err)

		retries++
		if retries > maxReconnects {
			w.log.Error("max reconnects reached, worker stopping", "max", maxReconnects)
			break
		}

		shift := retries - 1
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		delay := w.deps.BaseDelay * (1 << shift)
		metrics.WorkerReconnects.Inc()
		w.log.Warn("reconnecting", "delay", delay, "attempt", retries, "max", maxReconnects)

		select {
		case <-w.deps.Clock.After(delay):
		case <-ctx.Done():
			// The next iteration sees the cancelled context and exits.
		}
	}

	w.log.Info("worker stopped")
}

// runListener performs one full session: key setup, registration, topic
// subscription, then the blocking receive loop.
func (w *Worker) runListener(ctx context.Context) error {
	client, err := w.deps.Factory(w.cred.APIKey, w.cred.AppID, w.cred.ProjectID)
	if err != nil {
		return err
	}

	if w.cred.HasRegistration() {
		w.log.Debug("loading stored registration")
		if err := client.LoadKeys(w.cred.PrivateKey, w.cred.AuthSecret); err != nil {
			return err
		}
		client.SetRegistration(push.Registration{
			FCMToken:      w.cred.FCMToken,
			GCMToken:      w.cred.GCMToken,
			AndroidID:     w.cred.AndroidID,
			SecurityToken: w.cred.SecurityToken,
		})
	} else {
		if err := w.register(ctx, client); err != nil {
			return err
		}
	}

	topics, err := w.deps.Store.GetTopics(ctx, w.cred.ID)
	if err != nil {
		return err
	}
	for _, topic := range topics {
		if err := client.SubscribeToTopic(topic); err != nil {
			w.log.Warn("topic subscription failed", "topic", topic, "error", err)
			continue
		}
		w.log.Info("subscribed to topic", "topic", topic)
	}

	client.OnDataMessage(func(payload []byte) {
		// The callback runs on the push client's goroutine; hand off
		// immediately so the receive loop is never blocked.
		text := strings.ToValidUTF8(string(payload), "�")
		go w.process(text)
	})

	// The blocking receive cannot be interrupted from outside; Close on
	// shutdown unblocks it where the transport supports that.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-stopWatch:
		}
	}()

	w.log.Info("listening for push messages")
	return client.StartListening()
}

// register obtains fresh keys and a device identity from the vendor and
// persists all six fields as one set.
func (w *Worker) register(ctx context.Context, client push.Client) error {
	w.log.Info("registering new device with vendor")

	privateKey, authSecret, err := client.CreateNewKeys()
	if err != nil {
		return err
	}
	if err := client.LoadKeys(privateKey, authSecret); err != nil {
		return err
	}
	reg, err := client.Register()
	if err != nil {
		return err
	}

	if err := w.deps.Store.UpdateRegistration(ctx, w.cred.ID,
		reg.FCMToken, reg.GCMToken, reg.AndroidID, reg.SecurityToken,
		privateKey, authSecret); err != nil {
		return err
	}

	// Update the snapshot so a reconnect skips re-registration.
	w.cred.FCMToken = reg.FCMToken
	w.cred.GCMToken = reg.GCMToken
	w.cred.AndroidID = reg.AndroidID
	w.cred.SecurityToken = reg.SecurityToken
	w.cred.PrivateKey = privateKey
	w.cred.AuthSecret = authSecret

	w.log.Info("device registered", "fcm_token", reg.FCMToken)
	return nil
}

// process runs the dedup/persist/deliver pipeline for one payload. It runs
// on its own goroutine, detached from the worker's shutdown signal, so an
// in-flight message is finished rather than dropped.
func (w *Worker) process(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), pipelineTimeout)
	defer cancel()

	w.log.Debug("received push message", "payload", text)

	fcmID := model.ExtractFCMMessageID(text)
	if fcmID != "" {
		dup, err := w.deps.Store.IsFCMMessageDuplicate(ctx, w.cred.ID, fcmID)
		if err != nil {
			// Fail open: a duplicate delivery beats a lost message.
			w.log.Error("persistent dedup check failed", "error", err)
		} else if dup {
			w.log.Debug("duplicate vendor message id, dropping", "fcm_message_id", fcmID)
			metrics.MessagesDeduplicated.WithLabelValues("persistent").Inc()
			return
		}
	}

	if w.dedup.IsDuplicate(text) {
		w.log.Warn("duplicate payload within dedup window, dropping", "ttl", w.dedup.TTL())
		metrics.MessagesDeduplicated.WithLabelValues("memory").Inc()
		return
	}

	entry := model.NewMessageLog(w.cred.ID, fcmID, text)
	if err := w.deps.Store.InsertMessage(ctx, &entry); err != nil {
		// Without a persisted row there is nothing to retry against.
		w.log.Error("failed to persist message, dropping", "error", err)
		return
	}
	metrics.MessagesReceived.WithLabelValues(w.cred.ID).Inc()

	if trimmed, err := w.deps.Store.CleanupOldMessages(ctx, w.cred.ID, w.deps.MaxMessages); err != nil {
		w.log.Error("retention trim failed", "error", err)
	} else if trimmed > 0 {
		metrics.MessagesTrimmed.Add(float64(trimmed))
	}

	w.deps.Sender.Send(ctx, w.cred.WebhookURL, text, w.cred.WebhookHeaders, &entry, w.deps.Store)

	if w.deps.Mirror != nil && w.deps.Mirror.Enabled() {
		w.deps.Mirror.Publish(ctx, notify.Message{
			CredentialID: w.cred.ID,
			Payload:      text,
			ReceivedAt:   entry.ReceivedAt,
		})
	}
}
