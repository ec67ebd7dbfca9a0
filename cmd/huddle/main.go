package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/monocle-dev/huddle/db"
	"github.com/monocle-dev/huddle/internal/auth"
	"github.com/monocle-dev/huddle/internal/cache"
	"github.com/monocle-dev/huddle/internal/config"
	"github.com/monocle-dev/huddle/internal/handlers"
	"github.com/monocle-dev/huddle/internal/mail"
	"github.com/monocle-dev/huddle/internal/notify"
	"github.com/monocle-dev/huddle/internal/realtime"
	"github.com/monocle-dev/huddle/internal/relay"
	"github.com/monocle-dev/huddle/internal/router"
	"github.com/monocle-dev/huddle/internal/scheduler"
	"github.com/monocle-dev/huddle/internal/services"
)

func main() {
	cfg, err := config.Load()

	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURL)

	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err = db.Migrate(gdb); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	var store cache.Store
	if cfg.RedisAddr != "" {
		redisClient := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer redisClient.Close()
		store = cache.NewRedisStore(redisClient)
	} else {
		log.Println("REDIS_ADDR not set, caching in process memory")
		store = cache.NewMemoryStore()
	}

	issuer, err := auth.NewIssuer(cfg.JWTSecret, auth.DefaultTokenTTL)

	if err != nil {
		log.Fatalf("Failed to create token issuer: %v", err)
	}

	registry := realtime.NewRegistry()
	rooms := realtime.NewTracker(cfg.Realtime.MaxRoomConnections)
	rt := realtime.NewRouter(registry, rooms)

	if cfg.RelayChannel != "" {
		if cfg.DatabaseDriver != db.DriverPostgres {
			log.Fatalf("RELAY_CHANNEL requires the postgres driver")
		}

		sqlDB, err := gdb.DB()
		if err != nil {
			log.Fatalf("Failed to get database handle: %v", err)
		}

		pgRelay, err := relay.NewPGRelay(cfg.DatabaseURL, sqlDB, cfg.RelayChannel, rt)
		if err != nil {
			log.Fatalf("Failed to start relay: %v", err)
		}
		defer pgRelay.Close()

		pgRelay.Start(ctx)
		rt.WithRelay(pgRelay, cfg.InstanceID)
		log.Printf("Relaying events on %s as %s", cfg.RelayChannel, cfg.InstanceID)
	}

	hub := realtime.NewHub(registry, rooms, rt, issuer, handlers.NewMembershipAuthorizer(gdb), realtime.HubOptions{
		SendBuffer: cfg.Realtime.SendBuffer,
		PingPeriod: cfg.Realtime.PingPeriod,
	})

	var sender mail.Sender = mail.LogSender{}
	if cfg.Mail.SMTP.Host != "" {
		sender = mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.Mail.SMTP.Host,
			Port:     cfg.Mail.SMTP.Port,
			Username: cfg.Mail.SMTP.Username,
			Password: cfg.Mail.SMTP.Password,
			From:     cfg.Mail.SMTP.From,
			FromName: cfg.Mail.SMTP.FromName,
			UseTLS:   cfg.Mail.SMTP.UseTLS,
			UseSSL:   cfg.Mail.SMTP.UseSSL,
		})
	} else {
		log.Println("SMTP_HOST not set, emails will only be logged")
	}

	var queue mail.Queue
	if cfg.Mail.NSQAddr != "" {
		nsqQueue, err := mail.NewNSQQueue(cfg.Mail.NSQAddr, cfg.Mail.Topic)
		if err != nil {
			log.Fatalf("Failed to create email producer: %v", err)
		}
		defer nsqQueue.Close()
		queue = nsqQueue

		if cfg.Mail.Consume {
			consumer, err := mail.NewConsumer(mail.ConsumerConfig{
				Topic:        cfg.Mail.Topic,
				Channel:      cfg.Mail.Channel,
				NSQDAddrs:    []string{cfg.Mail.NSQAddr},
				LookupdAddrs: cfg.Mail.NSQLookupd,
				Concurrency:  cfg.Mail.Workers,
			}, sender)
			if err != nil {
				log.Fatalf("Failed to create email consumer: %v", err)
			}
			if err := consumer.Start(); err != nil {
				log.Fatalf("Failed to start email consumer: %v", err)
			}
			defer consumer.Stop()
		}
	} else {
		localQueue := mail.NewLocalQueue(sender, cfg.Mail.Workers, cfg.Mail.QueueSize)
		defer localQueue.Close()
		queue = localQueue
	}

	dispatcher := notify.NewDispatcher(notify.NewGormStore(gdb), store, rt, queue, notify.Options{
		ImportantKinds: notify.ParseKinds(cfg.Notify.ImportantKinds),
		CounterTTL:     cfg.UnreadCounterTTL,
	})

	sched := scheduler.NewScheduler()
	sched.AddJob(scheduler.JobNotificationRetention, cfg.Notify.SweepInterval,
		scheduler.NotificationRetention(dispatcher, cfg.Notify.RetentionAge))
	sched.AddJob(scheduler.JobTaskDueReminders, cfg.Notify.DueScanInterval,
		scheduler.TaskDueReminders(gdb, dispatcher, cache.NewInvalidator(store), cfg.Notify.DueWindow))
	defer sched.Stop()

	h := handlers.New(handlers.Deps{
		Context:    ctx,
		DB:         gdb,
		Issuer:     issuer,
		Cache:      store,
		CacheTTL:   cfg.CacheTTL,
		Dispatcher: dispatcher,
		Hub:        hub,
		Webhooks:   services.NewWebhooks(nil),
		Scheduler:  sched,
		Upgrader:   realtime.NewUpgrader(cfg.AllowedOrigins),
		Websocket: realtime.WebsocketOptions{
			WriteWait:      cfg.Realtime.WriteWait,
			PongWait:       cfg.Realtime.PongWait,
			MaxMessageSize: cfg.Realtime.MaxMessageSize,
		},
		CookieDomain:  cfg.CookieDomain,
		SecureCookies: cfg.CookieDomain != "",
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.NewRouter(h, issuer, gdb, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
}
