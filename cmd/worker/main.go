package main

import (
	"log"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/custody/config"
	"github.com/b0ase/custody/internal/audit"
	"github.com/b0ase/custody/internal/chain"
	"github.com/b0ase/custody/internal/tasks"
	"github.com/b0ase/custody/service"
	"github.com/b0ase/custody/storage/postgres"
)

func main() {
	cfg, err := config.ReadConfig("config-worker")
	if err != nil {
		logrus.Fatalf("fail to read config, err: %v", err)
	}

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		logrus.Fatalf("fail to create statsd client, err: %v", err)
	}

	db, err := postgres.NewPostgresBackend(cfg.Database.DSN)
	if err != nil {
		logrus.Fatalf("fail to connect to database, err: %v", err)
	}

	reader, err := chain.NewReader(cfg.Indexers.Endpoints, nil)
	if err != nil {
		logrus.Fatalf("fail to create chain reader, err: %v", err)
	}

	recorder := audit.NewRecorder(db, nil)
	worker := service.NewWorker(cfg, db, reader, recorder, sdClient)

	redisAddr := cfg.Redis.Host + ":" + cfg.Redis.Port
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redisAddr,
			Username: cfg.Redis.User,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				tasks.QueueName: 10,
			},
		},
	)

	logrus.WithFields(logrus.Fields{
		"redis": redisAddr,
	}).Info("Starting worker")

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeTxConfirmation, worker.HandleTxConfirmation)

	if err := srv.Run(mux); err != nil {
		log.Fatalf("could not run server: %v", err)
	}
}
