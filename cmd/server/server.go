package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"magicchain/chain"
	"magicchain/config"
	"magicchain/consensus"
	"magicchain/db"
	"magicchain/handlers"
	"magicchain/interfaces"
	"magicchain/logs"
	"magicchain/middleware"
	"magicchain/network"
	"magicchain/puzzle"
	"magicchain/stats"
	"magicchain/txpool"
	"magicchain/types"
	"magicchain/utils"
)

// ServerInstance 协调者进程持有的全部组件
type ServerInstance struct {
	cfg *config.Config

	DBManager      *db.Manager
	Chain          *chain.Chain
	TxPool         *txpool.TxPool
	Hub            *network.Hub
	Coordinator    *consensus.Coordinator
	HandlerManager *handlers.HandlerManager
	Metrics        *stats.Metrics
	RateLimiter    *middleware.RateLimiter

	Server      *http.Server
	HTTP3Server *http3.Server

	Logger logs.Logger
}

func newServerInstance(cfg *config.Config) (*ServerInstance, error) {
	s := &ServerInstance{cfg: cfg, Logger: logs.NewNodeLogger("server", cfg.Log.BufferLines)}

	dbm, err := db.Open(cfg.Database.Path, logs.NewNodeLogger("db", 0), cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s.DBManager = dbm

	if s.Chain, err = chain.Open(dbm, cfg.Database.BlockCacheSize, logs.NewNodeLogger("chain", 0)); err != nil {
		dbm.Close()
		return nil, fmt.Errorf("open chain: %w", err)
	}
	if s.TxPool, err = txpool.NewTxPool(dbm, logs.NewNodeLogger("txpool", 0), cfg); err != nil {
		dbm.Close()
		return nil, fmt.Errorf("txpool: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.Metrics = stats.NewMetrics(registry)

	s.Hub = network.NewHub(cfg.Broadcast.SubscriberBuffer)
	s.Hub.Observer = s.Metrics

	gen := puzzle.NewGenerator(puzzle.Options{
		Blanks:          cfg.Puzzle.Blanks,
		ShuffleAttempts: cfg.Puzzle.ShuffleAttempts,
		RequireUnique:   cfg.Puzzle.RequireUnique,
		UniqueAttempts:  cfg.Puzzle.UniqueAttempts,
	})

	s.Coordinator, err = consensus.NewCoordinator(consensus.Config{
		Policy:            cfg.Consensus.Policy,
		FixedCount:        cfg.Consensus.FixedCount,
		TotalNodes:        cfg.Consensus.TotalNodes,
		TransactionWindow: cfg.Consensus.TransactionWindow.D(),
		RoundTimeout:      cfg.Consensus.RoundTimeout.D(),
	}, gen, s.Hub, s.TxPool, consensus.NewEventBus(), logs.NewNodeLogger("coordinator", 0))
	if err != nil {
		dbm.Close()
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	s.Metrics.AttachEvents(s.Coordinator.Events())
	s.Coordinator.Events().Subscribe(types.EventBlockFinalized, s.onBlockFinalized)

	s.HandlerManager = handlers.NewHandlerManager(s.Coordinator, s.Hub, s.Chain, s.TxPool, dbm, cfg, logs.NewNodeLogger("http", 0))
	s.HandlerManager.SetMetrics(s.Metrics, registry)
	s.RateLimiter = middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	return s, nil
}

// onBlockFinalized 定稿的区块写入服务端账本。客户端序号落后时按服务端高度重新编号
func (s *ServerInstance) onBlockFinalized(e interfaces.Event) {
	b, ok := e.Data().(*types.Block)
	if !ok {
		return
	}
	err := s.Chain.Append(b)
	if errors.Is(err, chain.ErrStaleIndex) {
		latest, _ := s.Chain.Latest()
		s.Logger.Warn("[Server] block from %s has index %d, ledger is at %d; renumbering",
			b.NodeID, b.Index, latest.Index)
		renumbered := b.Clone()
		renumbered.Index = latest.Index + 1
		renumbered.PrevSolution = latest.Solution.Clone()
		err = s.Chain.Append(renumbered)
	}
	if err != nil {
		s.Logger.Error("[Server] append finalized block failed: %v", err)
	}
}

func (s *ServerInstance) handler() http.Handler {
	mux := http.NewServeMux()
	s.HandlerManager.RegisterRoutes(mux)
	httpLogger := logs.NewNodeLogger("http", 0)
	return middleware.Chain(mux,
		middleware.Recover(httpLogger),
		middleware.Logging(s.HandlerManager.Stats, s.Metrics, httpLogger),
		s.RateLimiter.RateLimit,
	)
}

// Run 启动所有组件并阻塞到 ctx 结束，然后按顺序关闭
func (s *ServerInstance) Run(ctx context.Context) error {
	if err := s.TxPool.Start(); err != nil {
		return err
	}
	stopCleanup := make(chan struct{})
	s.RateLimiter.StartIPCleanup(stopCleanup)

	handler := s.handler()
	s.Server = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: s.cfg.Server.HTTPTimeout.D(),
	}

	errCh := make(chan error, 2)
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		s.shutdown(stopCleanup)
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}
	go func() {
		if err := s.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	s.Logger.Info("[Server] listening on %s (policy=%s, total_nodes=%d)",
		ln.Addr(), s.cfg.Consensus.Policy, s.cfg.Consensus.TotalNodes)

	if s.cfg.Server.HTTP3Addr != "" {
		if err := s.startHTTP3(handler, errCh); err != nil {
			s.shutdown(stopCleanup)
			return err
		}
	}

	coordCtx, cancelCoord := context.WithCancel(ctx)
	defer cancelCoord()
	s.Coordinator.Start(coordCtx)

	select {
	case <-ctx.Done():
		s.Logger.Info("[Server] shutting down")
	case err = <-errCh:
	}
	s.shutdown(stopCleanup)
	return err
}

func (s *ServerInstance) startHTTP3(handler http.Handler, errCh chan<- error) error {
	dir := filepath.Dir(s.cfg.Database.Path)
	tlsCfg, err := utils.LoadServerTLS(
		filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key"),
		nil, s.cfg.Server.CertValidityDays)
	if err != nil {
		return err
	}
	s.HTTP3Server = &http3.Server{
		Addr:      s.cfg.Server.HTTP3Addr,
		Handler:   handler,
		TLSConfig: http3.ConfigureTLSConfig(tlsCfg),
		QUICConfig: &quic.Config{
			KeepAlivePeriod: s.cfg.Server.QUICKeepAlivePeriod.D(),
			MaxIdleTimeout:  s.cfg.Server.QUICMaxIdleTimeout.D(),
		},
	}
	go func() {
		s.Logger.Info("[Server] HTTP/3 listening on %s", s.cfg.Server.HTTP3Addr)
		if err := s.HTTP3Server.ListenAndServe(); err != nil && !isServerClosedErr(err) {
			errCh <- fmt.Errorf("http3 server: %w", err)
		}
	}()
	return nil
}

func (s *ServerInstance) shutdown(stopCleanup chan struct{}) {
	close(stopCleanup)
	s.Coordinator.Stop()

	if s.HTTP3Server != nil {
		if err := s.HTTP3Server.Close(); err != nil && !isServerClosedErr(err) {
			s.Logger.Warn("[Server] failed to close HTTP/3 server: %v", err)
		}
	}
	if s.Server != nil {
		timeout := s.cfg.Server.ShutdownTimeout.D()
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.Server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Warn("[Server] failed to shutdown HTTP server: %v", err)
		}
		cancel()
	}

	s.TxPool.Stop()
	// 最后关闭数据库
	s.DBManager.Close()
	s.Logger.Info("[Server] stopped")
}

func isServerClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, http.ErrServerClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "server closed") ||
		strings.Contains(msg, "use of closed network connection")
}
