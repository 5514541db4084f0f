package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Host string
		Port int64
	}

	Database struct {
		DSN string
	}

	Redis struct {
		Host     string
		Port     string
		User     string
		Password string
		DB       int
	}

	Custody struct {
		// MasterSeed is the hex encoded master seed the platform key is
		// derived from. Never logged, never transmitted.
		MasterSeed string
		// BackupPublicKey is the compressed public key of the cold storage
		// backup signer. When set, vaults are 2-of-3; otherwise 2-of-2.
		BackupPublicKey string
		FeeRate         int64 // satoshis per byte
		DustLimit       int64
		DraftLockTTL    int64 // seconds before a stale draft lock expires
	}

	Indexers struct {
		Endpoints []string
	}

	Relays struct {
		Endpoints []string
	}

	BlockStorage struct {
		Host      string
		Region    string
		AccessKey string
		SecretKey string
		Bucket    string
	}

	Datadog struct {
		Host string
		Port string
	}
}

func ReadConfig(configName string) (*Config, error) {
	viper.SetConfigName(configName)
	viper.AddConfigPath(".")
	viper.AutomaticEnv()
	viper.SetDefault("Server.Port", 8080)
	viper.SetDefault("Custody.FeeRate", 1)
	viper.SetDefault("Custody.DustLimit", 546)
	viper.SetDefault("Custody.DraftLockTTL", 600)
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fail to read config file, err: %w", err)
	}
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("fail to unmarshal config file, err: %w", err)
	}
	return &cfg, nil
}
