package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"fcmrelay/internal/clock"
	"fcmrelay/internal/config"
	"fcmrelay/internal/janitor"
	"fcmrelay/internal/logging"
	"fcmrelay/internal/model"
	"fcmrelay/internal/notify"
	"fcmrelay/internal/push"
	"fcmrelay/internal/store"
	"fcmrelay/internal/web"
	"fcmrelay/internal/webhook"
	"fcmrelay/internal/worker"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("fcm-relay " + version)
	fmt.Println("=============================================")
	fmt.Printf("DATABASE_URL=%s\n", cfg.DatabaseURL)
	fmt.Printf("PORT=%d\n", cfg.Port)
	fmt.Printf("DEDUP_SECONDS=%s\n", cfg.DedupTTL)
	fmt.Printf("MAX_MESSAGES_PER_CREDENTIAL=%d\n", cfg.MaxMessages)
	fmt.Printf("MESSAGE_MAX_AGE_DAYS=%d\n", cfg.MessageMaxAgeDays)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = web.GenerateAPIKey()
		// Printed once so the operator can reach the API; set API_KEY to
		// keep it stable across restarts.
		log.Warn("API_KEY not set, generated one for this run", "api_key", apiKey)
	}

	if cfg.SeedFile != "" {
		if err := applySeed(ctx, cfg.SeedFile, db, log); err != nil {
			log.Error("failed to apply seed file", "path", cfg.SeedFile, "error", err)
			os.Exit(1)
		}
	}

	// Build mirror chain.
	var mirrors []notify.Mirror
	var mqttMirror *notify.MQTT
	if cfg.MQTTBroker != "" {
		mqttMirror = notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, cfg.MQTTClientID,
			cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTQoS)
		mirrors = append(mirrors, mqttMirror)
		log.Info("mqtt mirror enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	mirror := notify.NewMulti(log, mirrors...)

	sender := webhook.NewSender(log)
	pool := worker.NewPool(worker.Deps{
		Store:       db,
		Sender:      sender,
		Mirror:      mirror,
		Factory:     push.NewFCMClient,
		Clock:       clock.Real{},
		Log:         log,
		MaxMessages: cfg.MaxMessages,
		DedupTTL:    cfg.DedupTTL,
	})

	if err := pool.StartAllRunnable(ctx); err != nil {
		log.Error("failed to start listeners", "error", err)
		os.Exit(1)
	}

	sweep, err := janitor.New(db, log, cfg.SweepSchedule, cfg.MessageMaxAgeDays)
	if err != nil {
		log.Error("failed to set up age sweep", "error", err)
		os.Exit(1)
	}
	sweep.Start()

	srv := web.NewServer(web.Dependencies{
		Store:   db,
		Pool:    pool,
		Sender:  sender,
		Log:     log,
		Version: version,
	}, apiKey)

	go func() {
		addr := net.JoinHostPort("", strconv.Itoa(cfg.Port))
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("web server error", "error", err)
			cancel()
		}
	}()

	log.Info("fcm-relay started", "version", version)

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("web server shutdown error", "error", err)
	}

	sweep.Stop()
	pool.ShutdownAll()
	if mqttMirror != nil {
		mqttMirror.Close()
	}

	log.Info("fcm-relay shutdown complete")
}

// applySeed provisions credentials from a declarative file. Entries are
// matched by name; existing ones are left untouched.
func applySeed(ctx context.Context, path string, db *store.Store, log *logging.Logger) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}

	existing, err := db.ListCredentials(ctx, false)
	if err != nil {
		return err
	}
	byName := make(map[string]bool, len(existing))
	for _, c := range existing {
		byName[c.Name] = true
	}

	created := 0
	for _, req := range seed.Credentials {
		if byName[req.Name] {
			log.Debug("seed credential already exists", "name", req.Name)
			continue
		}
		cred := model.NewCredential(req)
		if err := db.CreateCredential(ctx, &cred); err != nil {
			return fmt.Errorf("seed credential %q: %w", req.Name, err)
		}
		if len(req.Topics) > 0 {
			if err := db.SetTopics(ctx, cred.ID, req.Topics); err != nil {
				return fmt.Errorf("seed credential %q topics: %w", req.Name, err)
			}
		}
		created++
		log.Info("seeded credential", "name", req.Name, "id", cred.ID)
	}

	if created > 0 {
		log.Info("seed file applied", "created", created, "total", len(seed.Credentials))
	}
	return nil
}
