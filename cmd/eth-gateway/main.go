package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bnb-chain/eth-gateway/config"
	"github.com/bnb-chain/eth-gateway/external/devnet"
	"github.com/bnb-chain/eth-gateway/gateway"
	"github.com/bnb-chain/eth-gateway/logging"
	"github.com/bnb-chain/eth-gateway/metrics"
)

const devAccountSeed = "eth-gateway-dev"

func initFlags() {
	flag.String(config.FlagConfigPath, "", "config file path")
	flag.Bool(config.FlagDevMode, false, "serve an in-memory dev host chain")

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		panic(err)
	}
}

func printUsage() {
	fmt.Print("usage: ./eth-gateway --dev [--config-path configFile]\n")
	fmt.Print("the standalone binary serves the dev host chain; host nodes embed the gateway package\n")
}

func devConfig() *config.Config {
	return &config.Config{
		LogConfig: config.LogConfig{Level: "INFO", UseConsoleLogger: true},
		DBConfig:  config.DBConfig{Backend: config.BackendKeyValue},
	}
}

func parseAlloc(alloc map[string]string) map[common.Address]*big.Int {
	result := make(map[common.Address]*big.Int, len(alloc))
	for addr, balance := range alloc {
		if !common.IsHexAddress(addr) {
			panic(fmt.Sprintf("invalid alloc address %s", addr))
		}
		value, ok := new(big.Int).SetString(balance, 10)
		if !ok {
			panic(fmt.Sprintf("invalid alloc balance %s for %s", balance, addr))
		}
		result[common.HexToAddress(addr)] = value
	}
	return result
}

func main() {
	initFlags()
	dev := viper.GetBool(config.FlagDevMode)
	configFilePath := viper.GetString(config.FlagConfigPath)
	if configFilePath == "" {
		configFilePath = os.Getenv(config.EnvVarConfigFilePath)
	}
	if !dev {
		printUsage()
		return
	}

	var cfg *config.Config
	if configFilePath != "" {
		cfg = config.ParseConfigFromFile(configFilePath)
	} else {
		cfg = devConfig()
	}
	cfg.Validate()
	logging.InitLogger(&cfg.LogConfig)

	chainID := cfg.DevConfig.ChainID
	if chainID == 0 {
		chainID = config.DefaultDevChainID
	}
	cfg.RPCConfig.ChainID = chainID
	alloc := parseAlloc(cfg.DevConfig.Alloc)
	if len(alloc) == 0 {
		account := devnet.NewAccount(devAccountSeed)
		alloc[account.Address] = new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
		logging.Logger.Infof("funded dev account %s (key derived from seed %q)", account.Address.Hex(), devAccountSeed)
	}
	chain := devnet.New(devnet.Config{
		ChainID:       new(big.Int).SetUint64(chainID),
		Alloc:         alloc,
		FinalityDepth: cfg.DevConfig.FinalityDepth,
		ForkAwarePool: cfg.PoolConfig.GetStrategy() == config.PoolForkAware,
	})

	gw, err := gateway.New(cfg, chain, chain, chain.TxPool())
	if err != nil {
		logging.Logger.Errorf("failed to create gateway, err=%s", err.Error())
		os.Exit(1)
	}
	if cfg.MetricsConfig.Enable {
		metrics.NewMetrics(cfg.MetricsConfig.GetHttpAddress()).Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go chain.Run(ctx, cfg.DevConfig.GetBlockTime())
	if err = gw.Run(ctx); err != nil {
		logging.Logger.Errorf("gateway stopped, err=%s", err.Error())
		os.Exit(1)
	}
}
