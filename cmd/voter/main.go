package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"magicchain/chain"
	"magicchain/config"
	"magicchain/db"
	"magicchain/logs"
	"magicchain/sender"
)

func main() {
	var (
		configPath = flag.String("config", "", "JSON config file (optional)")
		envFile    = flag.String("env", "", ".env file (optional)")
		serverURL  = flag.String("server", "", "coordinator URL, e.g. http://127.0.0.1:3000")
		nodeID     = flag.String("node", "", "node id (default: random)")
		dataDir    = flag.String("data", "", "local ledger directory")
		solve      = flag.Bool("solve", false, "solve every puzzle and submit a block")
		useHTTP3   = flag.Bool("http3", false, "talk to the coordinator over HTTP/3")
		quiet      = flag.Bool("quiet", false, "no terminal rendering, log only")
	)
	flag.Parse()

	if *envFile != "" {
		config.LoadDotEnv(*envFile)
	} else {
		config.LoadDotEnv()
	}
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(2)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *serverURL != "" {
		cfg.Client.ServerURL = *serverURL
	}
	if *nodeID != "" {
		cfg.Client.NodeID = *nodeID
	}
	if *dataDir != "" {
		cfg.Client.DataDir = *dataDir
	}
	if *useHTTP3 {
		cfg.Client.UseHTTP3 = true
	}
	if cfg.Client.NodeID == "" {
		cfg.Client.NodeID = randomNodeID(rand.New(rand.NewSource(time.Now().UnixNano())))
	}

	if err := logs.Init(logs.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logs: %v\n", err)
		os.Exit(2)
	}
	defer logs.Sync()

	if err := run(cfg, *solve, *quiet); err != nil && !errors.Is(err, context.Canceled) {
		logs.Error("[Voter] %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, solve, quiet bool) error {
	dbm, err := db.Open(cfg.Client.DataDir, logs.NewNodeLogger("db", 0), cfg)
	if err != nil {
		return fmt.Errorf("open local db: %w", err)
	}
	defer dbm.Close()

	ledger, err := chain.Open(dbm, cfg.Database.BlockCacheSize, logs.NewNodeLogger("chain", 0))
	if err != nil {
		return fmt.Errorf("open local chain: %w", err)
	}
	client, err := sender.NewClient(cfg, logs.NewNodeLogger("sender", 0))
	if err != nil {
		return err
	}

	v := &view{quiet: quiet}
	v.banner(cfg.Client.NodeID, cfg.Client.ServerURL)
	voter := newClientVoter(cfg.Client.NodeID, client, ledger, solve, v)
	if d := cfg.Client.RequestTimeout.D(); d > 0 {
		voter.timeout = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return client.SubscribeLoop(ctx, cfg.Client.NodeID, voter.OnFrame)
}
