package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"magicchain/config"
	"magicchain/logs"
)

func main() {
	var (
		configPath = flag.String("config", "", "JSON config file (optional)")
		envFile    = flag.String("env", "", ".env file (optional, default searches ./.env)")
		addr       = flag.String("addr", "", "HTTP listen address, overrides config")
		policy     = flag.String("policy", "", "quorum policy: any-positive | strict-majority | fixed-count")
		fresh      = flag.Bool("fresh", false, "remove the data directory before start")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *policy != "" {
		cfg.Consensus.Policy = *policy
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	if err := logs.Init(logOptions(cfg.Log)); err != nil {
		fmt.Fprintf(os.Stderr, "logs: %v\n", err)
		os.Exit(2)
	}
	defer logs.Sync()

	if *fresh {
		// 清理旧数据
		os.RemoveAll(cfg.Database.Path)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServerInstance(cfg)
	if err != nil {
		logs.Error("[Server] init failed: %v", err)
		os.Exit(1)
	}
	if err := srv.Run(ctx); err != nil {
		logs.Error("[Server] %v", err)
		os.Exit(1)
	}
}

func loadConfig(path, envFile string) (*config.Config, error) {
	if envFile != "" {
		config.LoadDotEnv(envFile)
	} else if p := config.LoadDotEnv(); p != "" {
		logs.Debug("[Server] loaded %s", p)
	}

	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logOptions(c config.LogConfig) logs.Options {
	return logs.Options{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}
