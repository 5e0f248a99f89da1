// Package server assembles a filecore node: metadata index, fast store,
// blob storage, and the file services wired behind the HTTP API, the
// websocket upload channel, the background maintenance loops, and the
// optional Prometheus listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pulsechat/filecore/internal/api"
	"github.com/pulsechat/filecore/internal/api/auth"
	"github.com/pulsechat/filecore/internal/cleanup"
	"github.com/pulsechat/filecore/internal/logger"
	"github.com/pulsechat/filecore/internal/metrics"
	"github.com/pulsechat/filecore/internal/ws"
	"github.com/pulsechat/filecore/pkg/blob"
	"github.com/pulsechat/filecore/pkg/chunks"
	"github.com/pulsechat/filecore/pkg/config"
	"github.com/pulsechat/filecore/pkg/fastkv"
	"github.com/pulsechat/filecore/pkg/filestore"
	"github.com/pulsechat/filecore/pkg/index"
	"github.com/pulsechat/filecore/pkg/token"
	"github.com/pulsechat/filecore/pkg/transcode"
)

// Server is a fully wired filecore node.
//
// New builds the server in a stopped state; Start serves until the context
// is cancelled and then shuts down gracefully. The server owns its stores
// and closes them on the way out.
type Server struct {
	cfg *config.Config

	idx   *index.Store
	kv    fastkv.FastKV
	blobs blob.Store

	files      *filestore.Service
	sessions   *chunks.Manager
	tokens     *token.Service
	transcoder *transcode.Transcoder

	hub    *ws.Hub
	runner *cleanup.Runner

	httpServer    *http.Server
	metricsServer *http.Server

	shutdownOnce sync.Once
	closeOnce    sync.Once
}

// New wires every component from the configuration.
//
// The fast store is pinged and the index schema migrated here, so a node
// with an unreachable Redis or a broken database fails at startup rather
// than on the first request.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	verifier, err := auth.NewVerifier(auth.Config{
		Secret: cfg.Auth.Secret,
		Issuer: cfg.Auth.Issuer,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w (set auth.secret or FILECORE_AUTH_SECRET)", err)
	}

	idx, err := index.New(&cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("open metadata index: %w", err)
	}

	kv := fastkv.New(cfg.FastStore)
	if err := kv.Ping(ctx); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("fast store unreachable: %w", err)
	}

	blobs, err := blob.New(ctx, cfg.Blobs)
	if err != nil {
		_ = kv.Close()
		_ = idx.Close()
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	transcoder, err := transcode.New(cfg.Transcode)
	if err != nil {
		_ = blobs.Close()
		_ = kv.Close()
		_ = idx.Close()
		return nil, fmt.Errorf("transcoder: %w", err)
	}

	files := filestore.New(idx, blobs)
	sessions := chunks.New(kv, files, cfg.Chunks)
	tokens := token.New(kv)

	hub := ws.NewHub(ws.Deps{
		Verifier: verifier,
		Files:    files,
		Tokens:   tokens,
		Sessions: sessions,
		KV:       kv,
	})

	runner := cleanup.NewRunner(sessions, files, kv, cleanup.Config{
		SessionInterval: cfg.Cleanup.SessionInterval,
		QueueInterval:   cfg.Cleanup.QueueInterval,
		FileInterval:    cfg.Cleanup.FileInterval,
		FileAge:         cfg.Cleanup.FileAge,
		FileBatch:       cfg.Cleanup.FileBatch,
	}, nil)

	router := api.NewRouter(api.Deps{
		Verifier:      verifier,
		Files:         files,
		Tokens:        tokens,
		Transcoder:    transcoder,
		KV:            kv,
		Index:         idx,
		Blobs:         blobs,
		MaxUploadSize: int64(cfg.Server.MaxUploadSize),
		Uploads:       hub,
	})

	s := &Server{
		cfg:        cfg,
		idx:        idx,
		kv:         kv,
		blobs:      blobs,
		files:      files,
		sessions:   sessions,
		tokens:     tokens,
		transcoder: transcoder,
		hub:        hub,
		runner:     runner,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		s.metricsServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Metrics.Port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// Start serves until ctx is cancelled or a listener fails, then shuts
// down gracefully within the configured shutdown timeout. The websocket
// hub and the cleanup loops run for exactly as long as the listeners.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		s.hub.Run(runCtx)
	}()
	go func() {
		defer loops.Done()
		s.runner.Run(runCtx)
	}()

	errChan := make(chan error, 2)
	go func() {
		logger.Info("file API listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("file API server: %w", err)
		}
	}()
	if s.metricsServer != nil {
		go func() {
			logger.Info("metrics listening", "addr", s.metricsServer.Addr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errChan:
		logger.Error("listener failed", "err", serveErr)
	}

	// Stop accepting work, let in-flight requests drain, then release
	// the stores. A fresh context: the run context is already dead.
	cancel()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	stopErr := s.Stop(shutdownCtx)
	loops.Wait()
	s.close()

	if serveErr != nil {
		return serveErr
	}
	return stopErr
}

// Stop initiates graceful shutdown of both listeners. Safe to call more
// than once and concurrently with Start.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		if s.metricsServer != nil {
			if mErr := s.metricsServer.Shutdown(ctx); mErr != nil {
				logger.Error("metrics server shutdown error", "err", mErr)
			}
		}
		if sErr := s.httpServer.Shutdown(ctx); sErr != nil {
			err = fmt.Errorf("file API shutdown: %w", sErr)
		} else {
			logger.Info("file API stopped gracefully")
		}
	})
	return err
}

// Addr returns the bind address of the file API listener.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) close() {
	s.closeOnce.Do(func() {
		if err := s.blobs.Close(); err != nil {
			logger.Error("blob store close error", "err", err)
		}
		if err := s.kv.Close(); err != nil {
			logger.Error("fast store close error", "err", err)
		}
		if err := s.idx.Close(); err != nil {
			logger.Error("metadata index close error", "err", err)
		}
	})
}
