package utils

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"dario.cat/mergo"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/elscout/config"
	"github.com/ethpandaops/elscout/types"
)

// Config is the globally accessible configuration
var Config *types.Config

// ReadConfig will process a configuration
func ReadConfig(cfg *types.Config, path string) error {
	err := readConfigFile(cfg, path)
	if err != nil {
		return err
	}

	readConfigEnv(cfg)

	defaults := &types.Config{}
	err = yaml.Unmarshal([]byte(config.DefaultConfigYml), defaults)
	if err != nil {
		return fmt.Errorf("error parsing default config: %v", err)
	}
	err = mergo.Merge(cfg, defaults)
	if err != nil {
		return fmt.Errorf("error merging default config: %v", err)
	}

	if cfg.Database.Url != "" {
		err = applyDatabaseUrl(cfg, cfg.Database.Url)
		if err != nil {
			return err
		}
	}

	if cfg.Chain.GenesisTimestamp == 0 {
		switch cfg.Chain.Name {
		case "mainnet":
			cfg.Chain.GenesisTimestamp = 1606824023
		case "sepolia":
			cfg.Chain.GenesisTimestamp = 1655733600
		case "holesky":
			cfg.Chain.GenesisTimestamp = 1695902400
		}
	}

	if cfg.ExecutionApi.Endpoint == "" {
		return fmt.Errorf("missing execution layer endpoint (ETH_RPC_URL)")
	}

	log.WithFields(log.Fields{
		"chain":            cfg.Chain.Name,
		"genesisTimestamp": cfg.Chain.GenesisTimestamp,
		"executionapi":     GetRedactedUrl(cfg.ExecutionApi.Endpoint),
		"beaconapi":        GetRedactedUrl(cfg.BeaconApi.Endpoint),
	}).Infof("did init config")

	return nil
}

func readConfigFile(cfg *types.Config, path string) error {
	if path == "" {
		return yaml.Unmarshal([]byte(config.DefaultConfigYml), cfg)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening config file %v: %v", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	err = decoder.Decode(cfg)
	if err != nil {
		return fmt.Errorf("error decoding config file %v: %v", path, err)
	}

	return nil
}

func readConfigEnv(cfg *types.Config) error {
	return envconfig.Process("", cfg)
}

// applyDatabaseUrl maps a DATABASE_URL string onto the engine specific
// database config. Accepted forms: "sqlite:<file>" and "postgres://...".
func applyDatabaseUrl(cfg *types.Config, dbUrl string) error {
	switch {
	case strings.HasPrefix(dbUrl, "sqlite:"):
		cfg.Database.Engine = "sqlite"
		cfg.Database.Sqlite.File = strings.TrimPrefix(dbUrl, "sqlite:")
	case strings.HasPrefix(dbUrl, "postgres://") || strings.HasPrefix(dbUrl, "postgresql://"):
		parsed, err := url.Parse(dbUrl)
		if err != nil {
			return fmt.Errorf("error parsing database url: %v", err)
		}
		cfg.Database.Engine = "pgsql"
		cfg.Database.Pgsql.Host = parsed.Hostname()
		cfg.Database.Pgsql.Port = parsed.Port()
		if cfg.Database.Pgsql.Port == "" {
			cfg.Database.Pgsql.Port = "5432"
		}
		cfg.Database.Pgsql.Username = parsed.User.Username()
		if password, ok := parsed.User.Password(); ok {
			cfg.Database.Pgsql.Password = password
		}
		cfg.Database.Pgsql.Name = strings.TrimPrefix(parsed.Path, "/")
	default:
		return fmt.Errorf("unsupported database url scheme: %v", GetRedactedUrl(dbUrl))
	}
	return nil
}
