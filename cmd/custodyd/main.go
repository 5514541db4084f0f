package main

import (
	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/b0ase/custody/api"
	"github.com/b0ase/custody/config"
	"github.com/b0ase/custody/internal/audit"
	"github.com/b0ase/custody/internal/chain"
	"github.com/b0ase/custody/service"
	"github.com/b0ase/custody/storage"
	"github.com/b0ase/custody/storage/postgres"
)

func main() {
	cfg, err := config.ReadConfig("config-custodyd")
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

	redis, err := storage.NewRedisStorage(cfg)
	if err != nil {
		logrus.Fatalf("fail to connect to redis, err: %v", err)
	}

	reader, err := chain.NewReader(cfg.Indexers.Endpoints, nil)
	if err != nil {
		logrus.Fatalf("fail to create chain reader, err: %v", err)
	}
	broadcaster, err := chain.NewBroadcaster(cfg.Relays.Endpoints, nil)
	if err != nil {
		logrus.Fatalf("fail to create broadcaster, err: %v", err)
	}

	var recorder *audit.Recorder
	if cfg.BlockStorage.Bucket != "" {
		blockStorage, err := storage.NewBlockStorage(cfg)
		if err != nil {
			logrus.Fatalf("fail to create block storage, err: %v", err)
		}
		recorder = audit.NewRecorder(db, blockStorage)
	} else {
		recorder = audit.NewRecorder(db, nil)
	}

	redisAddr := cfg.Redis.Host + ":" + cfg.Redis.Port
	queueClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     redisAddr,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer queueClient.Close()

	svc, err := service.NewCustodyService(cfg, db, redis, reader, broadcaster, recorder, queueClient, sdClient)
	if err != nil {
		logrus.Fatalf("fail to create custody service, err: %v", err)
	}

	server := api.NewServer(cfg.Server.Port, svc, sdClient)
	if err := server.StartServer(); err != nil {
		logrus.Fatalf("fail to start server, err: %v", err)
	}
}
