package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/elscout/db"
	"github.com/ethpandaops/elscout/indexer/execution"
	"github.com/ethpandaops/elscout/metrics"
	"github.com/ethpandaops/elscout/rpc"
	"github.com/ethpandaops/elscout/services"
	"github.com/ethpandaops/elscout/types"
	"github.com/ethpandaops/elscout/utils"
)

func main() {
	configPath := flag.String("config", "", "Path to the config file, if empty string defaults will be used")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &types.Config{}
	err := utils.ReadConfig(cfg, *configPath)
	if err != nil {
		logrus.Fatalf("error reading config file: %v", err)
	}
	utils.Config = cfg
	logger := utils.InitLogger()

	logger.WithFields(logrus.Fields{
		"config": *configPath,
	}).Printf("starting")

	db.MustInitDB()
	err = db.ApplyEmbeddedDbSchema(-2)
	if err != nil {
		logger.Fatalf("error initializing db schema: %v", err)
	}

	if cfg.Metrics.Enabled {
		err = metrics.StartMetricsServer(logger.WithField("module", "metrics"), cfg.Metrics.Host, cfg.Metrics.Port)
		if err != nil {
			logger.Fatalf("error starting metrics server: %v", err)
		}
	}

	executionGate := rpc.NewCallGate("execution", cfg.ExecutionApi.MaxConcurrent, time.Duration(cfg.ExecutionApi.MinIntervalMs)*time.Millisecond)
	executionClient := rpc.NewExecutionClient("default", cfg.ExecutionApi.Endpoint, executionGate)
	err = executionClient.Initialize(ctx)
	if err != nil {
		logger.Fatalf("error initializing execution client: %v", err)
	}

	var beaconClient *rpc.BeaconClient
	if cfg.BeaconApi.Endpoint != "" {
		beaconGate := rpc.NewCallGate("beacon", cfg.BeaconApi.MaxConcurrent, time.Duration(cfg.BeaconApi.MinIntervalMs)*time.Millisecond)
		beaconClient = rpc.NewBeaconClient("default", cfg.BeaconApi.Endpoint, beaconGate)
	} else {
		logger.Warnf("no beacon endpoint configured, consensus layer enrichment disabled")
	}

	indexerCtx := execution.NewIndexerCtx(ctx, logger.WithField("module", "indexer"), executionClient, beaconClient)
	tokenIndexer := execution.NewTokenIndexer(indexerCtx, logger.WithField("module", "token_indexer"))
	balanceIndexer := execution.NewBalanceIndexer(indexerCtx, logger.WithField("module", "balance_indexer"))
	processor := execution.NewBlockProcessor(indexerCtx, logger.WithField("module", "block_processor"), tokenIndexer, balanceIndexer)
	indexer := execution.NewIndexer(indexerCtx, logger.WithField("module", "indexer"), processor)

	balanceIndexer.Start()
	err = indexer.Start()
	if err != nil {
		logger.Fatalf("error starting indexer: %v", err)
	}

	services.StartStatsService(ctx, logger.WithField("module", "stats"), indexer)

	halted := false
	shutdownChan := make(chan struct{})
	go func() {
		utils.WaitForCtrlC()
		close(shutdownChan)
	}()

	select {
	case <-shutdownChan:
		logger.Println("exiting...")
	case <-indexer.Halted():
		halted = true
	}

	indexer.Stop()
	cancel()
	balanceIndexer.Stop()
	db.MustCloseDB()

	if halted {
		os.Exit(1)
	}
}
