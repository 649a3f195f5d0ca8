package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/84hero/dapp-scout/internal/server"
	"github.com/84hero/dapp-scout/internal/webhook"
	"github.com/84hero/dapp-scout/pkg/chain"
	"github.com/84hero/dapp-scout/pkg/config"
	"github.com/84hero/dapp-scout/pkg/hypersync"
	"github.com/84hero/dapp-scout/pkg/registry"
	"github.com/84hero/dapp-scout/pkg/scanner"
	"github.com/84hero/dapp-scout/pkg/sink"
	"github.com/84hero/dapp-scout/pkg/storage"
	"github.com/ethereum/go-ethereum/log"
	"github.com/spf13/viper"
)

// --- Application Config (outputs and seed contracts) ---

type AppConfig struct {
	Contracts []ContractConfig `mapstructure:"contracts"`
	Outputs   OutputsConfig    `mapstructure:"outputs"`
}

// ContractConfig seeds the in-memory registry backend.
type ContractConfig struct {
	Address  string `mapstructure:"address"`
	DappID   string `mapstructure:"dapp_id"`
	DappName string `mapstructure:"dapp_name"`
}

type OutputsConfig struct {
	Webhook  WebhookOutputConfig  `mapstructure:"webhook"`
	File     FileOutputConfig     `mapstructure:"file"`
	Console  ConsoleOutputConfig  `mapstructure:"console"`
	Redis    RedisOutputConfig    `mapstructure:"redis"`
	Kafka    KafkaOutputConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQOutputConfig `mapstructure:"rabbitmq"`
}

type WebhookOutputConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Secret         string        `mapstructure:"secret"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type FileOutputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type ConsoleOutputConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type RedisOutputConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	Mode     string `mapstructure:"mode"`
}

type KafkaOutputConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
}

type RabbitMQOutputConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	QueueName  string `mapstructure:"queue_name"`
	Durable    bool   `mapstructure:"durable"`
}

// --- Helper Functions ---

func loadAppConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func initRegistry(cfg config.RegistryConfig, seed []ContractConfig) (registry.Registry, error) {
	switch cfg.Backend {
	case "postgres":
		return registry.NewPostgresRegistry(cfg.PostgresURL, cfg.TablePrefix)
	case "redis":
		return registry.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKey)
	default:
		contracts := make([]registry.TrackedContract, 0, len(seed))
		for _, c := range seed {
			contracts = append(contracts, registry.TrackedContract{
				Address:  c.Address,
				DappID:   c.DappID,
				DappName: c.DappName,
			})
		}
		return registry.NewMemoryRegistry(contracts), nil
	}
}

func initCache(cfg config.CacheConfig) (storage.Cache, error) {
	switch cfg.Backend {
	case "postgres":
		return storage.NewPostgresCache(cfg.PostgresURL, cfg.TablePrefix)
	case "redis":
		return storage.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case "none":
		return nil, nil
	default:
		return storage.NewMemoryCache(cfg.TablePrefix), nil
	}
}

func initOutputs(appCfg *AppConfig) []sink.Output {
	var outputs []sink.Output

	// Webhook
	wh := appCfg.Outputs.Webhook
	if wh.Enabled {
		outputs = append(outputs, sink.NewWebhookOutput(webhook.Config{
			URL:            wh.URL,
			Secret:         wh.Secret,
			MaxAttempts:    wh.MaxAttempts,
			InitialBackoff: wh.InitialBackoff,
			MaxBackoff:     wh.MaxBackoff,
		}))
	}

	// File
	if appCfg.Outputs.File.Enabled {
		if fo, err := sink.NewFileOutput(appCfg.Outputs.File.Path); err == nil {
			outputs = append(outputs, fo)
		}
	}

	// Console
	if appCfg.Outputs.Console.Enabled {
		outputs = append(outputs, sink.NewConsoleOutput())
	}

	// Redis
	if appCfg.Outputs.Redis.Enabled {
		if ro, err := sink.NewRedisOutput(appCfg.Outputs.Redis.Addr, appCfg.Outputs.Redis.Password, appCfg.Outputs.Redis.DB, appCfg.Outputs.Redis.Key, appCfg.Outputs.Redis.Mode); err == nil {
			outputs = append(outputs, ro)
		}
	}

	// Kafka
	if appCfg.Outputs.Kafka.Enabled {
		if ko, err := sink.NewKafkaOutput(appCfg.Outputs.Kafka.Brokers, appCfg.Outputs.Kafka.Topic, appCfg.Outputs.Kafka.User, appCfg.Outputs.Kafka.Password); err == nil {
			outputs = append(outputs, ko)
		}
	}

	// RabbitMQ
	if appCfg.Outputs.RabbitMQ.Enabled {
		if ro, err := sink.NewRabbitMQOutput(appCfg.Outputs.RabbitMQ.URL, appCfg.Outputs.RabbitMQ.Exchange, appCfg.Outputs.RabbitMQ.RoutingKey, appCfg.Outputs.RabbitMQ.QueueName, appCfg.Outputs.RabbitMQ.Durable); err == nil {
			outputs = append(outputs, ro)
		}
	}

	return outputs
}

// RunOptions come from the command line. An empty Address means serve mode.
type RunOptions struct {
	Address   string
	FromBlock uint64
	ToBlock   uint64
	DappID    string
}

func main() {
	var opts RunOptions
	flag.StringVar(&opts.Address, "address", "", "wallet address for a one-shot scan (omit to start the HTTP server)")
	flag.Uint64Var(&opts.FromBlock, "from", 0, "first block of the scan range")
	flag.Uint64Var(&opts.ToBlock, "to", 0, "last block of the scan range (0 = current height)")
	flag.StringVar(&opts.DappID, "dapp", "", "restrict the scan to a single dApp id")
	flag.Parse()

	if err := Run(context.Background(), opts); err != nil && err != context.Canceled {
		log.Crit("Application failed", "err", err)
		os.Exit(1)
	}
}

// Run is the testable entry point of the CLI application
func Run(ctx context.Context, opts RunOptions) error {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	coreConfigFile := os.Getenv("CONFIG_FILE")
	if coreConfigFile == "" {
		coreConfigFile = "config.yaml"
	}
	coreCfg, err := config.Load(coreConfigFile)
	if err != nil {
		return err
	}

	// Setup Logger
	logLevel := log.LevelInfo
	if coreCfg.Log.Level == "debug" {
		logLevel = log.LevelDebug
	} else if coreCfg.Log.Level == "warn" {
		logLevel = log.LevelWarn
	} else if coreCfg.Log.Level == "error" {
		logLevel = log.LevelError
	}

	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, logLevel, true)))

	appConfigFile := os.Getenv("APP_CONFIG_FILE")
	if appConfigFile == "" {
		appConfigFile = "app.yaml"
	}
	appCfg, err := loadAppConfig(appConfigFile)
	if err != nil {
		log.Warn("Failed to load app config", "err", err)
		appCfg = &AppConfig{}
	}

	// Chain Presets
	if preset, ok := chain.Get(coreCfg.Network); ok {
		if coreCfg.HyperSync.URL == "" {
			coreCfg.HyperSync.URL = preset.HyperSyncURL
		}
		if coreCfg.HyperSync.RPCFallbackURL == "" {
			coreCfg.HyperSync.RPCFallbackURL = preset.RPCURL
		}
		if coreCfg.Scan.LogBatchSize == 0 {
			coreCfg.Scan.LogBatchSize = preset.LogBatchSize
		}
		if coreCfg.Scan.BatchConcurrency == 0 {
			coreCfg.Scan.BatchConcurrency = preset.BatchConcurrency
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Components
	client, err := hypersync.NewClient(runCtx, coreCfg.HyperSync)
	if err != nil {
		return err
	}
	defer client.Close()

	reg, err := initRegistry(coreCfg.Registry, appCfg.Contracts)
	if err != nil {
		return err
	}
	defer reg.Close()

	cache, err := initCache(coreCfg.Cache)
	if err != nil {
		log.Warn("Cache unavailable, scans will not be cached", "err", err)
		cache = nil
	}
	if cache != nil {
		defer cache.Close()
	}

	outputs := initOutputs(appCfg)
	defer func() {
		for _, o := range outputs {
			o.Close()
		}
	}()

	scanCfg := scanner.Config{
		LogBatchSize:     coreCfg.Scan.LogBatchSize,
		BatchConcurrency: coreCfg.Scan.BatchConcurrency,
		ProgressInterval: coreCfg.Scan.ProgressInterval,
		ProgressEvery:    coreCfg.Scan.ProgressEvery,
	}

	if opts.Address != "" {
		return runOnce(runCtx, client, reg, scanCfg, outputs, opts)
	}

	srv := server.New(server.Config{
		Addr:     coreCfg.Server.Addr,
		CacheTTL: coreCfg.Cache.TTL,
		ScanCfg:  scanCfg,
	}, client, reg, cache, outputs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(runCtx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("Shutting down...")
		cancel()
		return <-errCh
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return <-errCh
	}
}

// runOnce scans a single wallet, prints the summary to stdout and fans it
// out to the configured sinks.
func runOnce(ctx context.Context, client hypersync.Client, reg registry.Registry, scanCfg scanner.Config, outputs []sink.Output, opts RunOptions) error {
	s := scanner.New(client, reg, scanCfg, nil)

	updates, unsubscribe := s.Progress().Subscribe()
	defer unsubscribe()
	go func() {
		for u := range updates {
			log.Info("Scan progress",
				"checked", u.Current,
				"total", u.Total,
				"pct", u.Percentage,
				"matches", u.MatchesSoFar)
		}
	}()

	summary, err := s.Scan(ctx, opts.Address, scanner.Options{
		FromBlock: opts.FromBlock,
		ToBlock:   opts.ToBlock,
		DappID:    opts.DappID,
	})
	if err != nil {
		return err
	}

	for _, sendErr := range sink.Fanout(ctx, outputs, summary) {
		log.Warn("Sink delivery failed", "err", sendErr)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
