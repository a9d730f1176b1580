package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/umar/chatsync/internal/auth"
	"github.com/umar/chatsync/internal/config"
	"github.com/umar/chatsync/internal/conn"
	"github.com/umar/chatsync/internal/drafts"
	"github.com/umar/chatsync/internal/metrics"
	redisc "github.com/umar/chatsync/internal/redis"
	"github.com/umar/chatsync/internal/restapi"
	"github.com/umar/chatsync/internal/syncer"
	"github.com/umar/chatsync/internal/typing"
)

// session is a wired client: transport, REST collaborator, drafts and the
// syncer on top of them.
type session struct {
	sync    *syncer.Syncer
	conn    *conn.Manager
	drafts  *drafts.Store
	redis   *redis.Client
	metrics *http.Server
	log     *slog.Logger
}

func openSession(ctx context.Context, cfg *config.Config, log *slog.Logger) (*session, error) {
	cl := cfg.Client
	if cl.Token == "" {
		return nil, errors.New("client.token is required (or set CHATSYNC_TOKEN)")
	}
	claims, err := auth.Inspect(cl.Token)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	wsURL, err := cl.WebsocketURL()
	if err != nil {
		return nil, err
	}

	s := &session{log: log}

	reg := metrics.NewRegistry()
	clientMetrics := metrics.NewClient(reg)
	if cl.MetricsAddr != "" {
		s.metrics = &http.Server{Addr: cl.MetricsAddr, Handler: metrics.Handler(reg)}
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	backend, err := s.draftsBackend(ctx, cfg, claims.UserID)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.drafts, err = drafts.Open(ctx, backend, log)
	if err != nil {
		backend.Close()
		s.Close()
		return nil, err
	}

	rc := cl.Reconnect
	s.conn = conn.New(conn.Options{
		URL: wsURL,
		Backoff: conn.Backoff{
			Initial:     rc.Initial.Duration(),
			Max:         rc.Max.Duration(),
			Factor:      rc.Factor,
			Jitter:      rc.Jitter,
			MaxAttempts: rc.MaxAttempts,
		},
		Logger:  log,
		Metrics: clientMetrics,
	})

	s.sync, err = syncer.New(syncer.Options{
		Token:      cl.Token,
		API:        restapi.New(cl.APIURL, cl.Token, cl.RequestTimeout.Duration()),
		Conn:       s.conn,
		Drafts:     s.drafts,
		AckTimeout: cl.AckTimeout.Duration(),
		PageSize:   cl.HistoryPageSize,
		Typing: typing.Config{
			Debounce:  cl.Typing.Debounce.Duration(),
			Idle:      cl.Typing.Idle.Duration(),
			RemoteTTL: cl.Typing.RemoteTTL.Duration(),
		},
		SweepInterval: cl.Typing.Sweep.Duration(),
		Logger:        log,
		Metrics:       clientMetrics,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) draftsBackend(ctx context.Context, cfg *config.Config, userID string) (drafts.Backend, error) {
	policy, err := drafts.ParsePolicy(cfg.Client.Drafts.Policy)
	if err != nil {
		return nil, err
	}
	switch policy {
	case drafts.PolicyPebble:
		return drafts.OpenPebble(cfg.Client.Drafts.Path)
	case drafts.PolicyRedis:
		s.redis, err = redisc.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		return drafts.Redis(s.redis, userID), nil
	}
	return drafts.Memory(), nil
}

// Close releases everything the session opened. Pending draft writes are
// flushed first.
func (s *session) Close() {
	if s.conn != nil {
		s.conn.Disconnect()
	}
	if s.drafts != nil {
		if err := s.drafts.Close(); err != nil {
			s.log.Warn("closing drafts", "error", err)
		}
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.metrics.Shutdown(ctx)
	}
}
