// Package service renders files on request from the bus. Each request runs
// in its own session on its own goroutine; audio is published per chunk and
// every outcome is reported on the status subject and in the journal.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-midi/internal/bus"
	"github.com/loqalabs/loqa-midi/internal/config"
	"github.com/loqalabs/loqa-midi/internal/engine/backends"
	"github.com/loqalabs/loqa-midi/internal/eventstore"
	"github.com/loqalabs/loqa-midi/internal/protocol"
	"github.com/loqalabs/loqa-midi/internal/render"
	"github.com/loqalabs/loqa-midi/internal/sink"
)

// Service consumes render requests.
type Service struct {
	cfg     config.ServiceConfig
	render  config.RenderConfig
	backend *backends.Backend
	log     *slog.Logger
	bus     *bus.Client
	store   *eventstore.Store
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sema    chan struct{}

	mu      sync.Mutex
	sub     *nats.Subscription
	healthy bool
}

// New subscribes to render requests. When the service is disabled, nil is
// returned.
func New(ctx context.Context, cfg config.Config, backend *backends.Backend, busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) (*Service, error) {
	if !cfg.Service.Enabled {
		return nil, nil
	}
	if busClient == nil {
		return nil, errors.New("render service requires bus client")
	}
	if backend == nil {
		return nil, errors.New("render service requires an engine backend")
	}
	concurrency := cfg.Service.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	cctx, cancel := context.WithCancel(ctx)
	svc := &Service{
		cfg:     cfg.Service,
		render:  cfg.Render,
		backend: backend,
		log:     logger.With(slog.String("component", "render.service")),
		bus:     busClient,
		store:   store,
		ctx:     cctx,
		cancel:  cancel,
		sema:    make(chan struct{}, concurrency),
	}
	sub, err := busClient.Conn().Subscribe(protocol.SubjectRenderRequest, svc.handle)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectRenderRequest, err)
	}
	svc.sub = sub
	svc.healthy = true
	svc.log.Info("render service subscribed",
		slog.String("subject", protocol.SubjectRenderRequest),
		slog.Int("max_concurrency", concurrency))
	return svc, nil
}

// Close stops accepting requests, cancels running renders and waits for them.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.sub != nil {
		_ = s.sub.Drain()
		s.sub = nil
	}
	s.healthy = false
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// Healthy reports whether the service is subscribed.
func (s *Service) Healthy() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *Service) handle(msg *nats.Msg) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	var req protocol.RenderRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("invalid render request", slog.String("error", err.Error()))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if !protocol.ValidSessionID(req.SessionID) {
		s.log.Warn("rejected render request", slog.String("session_id", req.SessionID))
		s.reply(msg, protocol.RenderStatus{SessionID: req.SessionID, Path: req.Path, Status: protocol.StatusFailed,
			Error: fmt.Sprintf("invalid session id: want 1..%d of [A-Za-z0-9_-]", protocol.MaxSessionIDLength)})
		return
	}
	if req.Path == "" {
		s.reply(msg, protocol.RenderStatus{SessionID: req.SessionID, Status: protocol.StatusFailed, Error: "path is required"})
		return
	}

	s.reply(msg, protocol.RenderStatus{SessionID: req.SessionID, Path: req.Path, Status: protocol.StatusAccepted})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sema <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		defer func() { <-s.sema }()
		s.run(req)
	}()
}

func (s *Service) run(req protocol.RenderRequest) {
	ctx := s.ctx
	log := s.log.With(slog.String("session_id", req.SessionID), slog.String("path", req.Path))
	start := time.Now()

	if err := s.store.BeginRender(ctx, eventstore.Render{
		SessionID:    req.SessionID,
		Path:         req.Path,
		EngineMode:   s.backend.Mode,
		ReverbPreset: req.ReverbPreset,
		ReverbWet:    req.ReverbWet,
	}); err != nil {
		log.Warn("failed to journal render", slog.String("error", err.Error()))
	}

	stats, durationMs, err := s.renderFile(ctx, req, log)

	status := protocol.RenderStatus{
		SessionID:  req.SessionID,
		Path:       req.Path,
		Status:     protocol.StatusCompleted,
		Blocks:     stats.Blocks,
		Bytes:      stats.Bytes,
		DurationMs: durationMs,
	}
	if err != nil {
		status.Status = protocol.StatusFailed
		status.Error = err.Error()
		log.Error("render failed", slog.String("error", err.Error()))
	} else {
		log.Info("render completed",
			slog.Int64("bytes", stats.Bytes),
			slog.Duration("elapsed", time.Since(start)))
	}
	if err := s.store.FinishRender(context.WithoutCancel(ctx), req.SessionID, eventstore.Outcome{
		Blocks:     stats.Blocks,
		Bytes:      stats.Bytes,
		DurationMs: int64(durationMs),
		Err:        err,
	}); err != nil {
		log.Warn("failed to journal render outcome", slog.String("error", err.Error()))
	}
	s.publishStatus(status)
}

func (s *Service) renderFile(ctx context.Context, req protocol.RenderRequest, log *slog.Logger) (render.Stats, int32, error) {
	sess, err := render.Open(ctx, req.Path, s.backend.Factory, render.Options{
		Reverb:            render.Reverb{Preset: req.ReverbPreset, Wet: req.ReverbWet},
		AggregationFactor: s.render.AggregationFactor,
		Logger:            log,
	})
	if err != nil {
		return render.Stats{}, 0, err
	}

	durationMs, err := sess.Duration()
	if err != nil {
		return render.Stats{}, 0, errors.Join(err, sess.Close())
	}
	if req.SeekMs > 0 {
		if err := sess.Seek(req.SeekMs); err != nil {
			return render.Stats{}, durationMs, errors.Join(err, sess.Close())
		}
		s.appendEvent(ctx, req.SessionID, "seek", map[string]any{"position_ms": req.SeekMs})
	}

	cfg := sess.Config()
	out := sink.Bus(s.bus.Conn(), req.SessionID, sink.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels})
	stats, err := sess.Render(ctx, out)
	err = errors.Join(err, out.Close(), sess.Close())
	s.appendEvent(ctx, req.SessionID, "finished", map[string]any{
		"chunks":      stats.Chunks,
		"final_state": stats.FinalState.String(),
	})
	return stats, durationMs, err
}

func (s *Service) appendEvent(ctx context.Context, sessionID, typ string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.store.AppendEvent(context.WithoutCancel(ctx), eventstore.Event{SessionID: sessionID, Type: typ, Payload: data}); err != nil {
		s.log.Warn("failed to journal event", slog.String("type", typ), slog.String("error", err.Error()))
	}
}

// reply publishes status and answers the request if it expects a reply.
func (s *Service) reply(msg *nats.Msg, status protocol.RenderStatus) {
	s.publishStatus(status)
	if msg.Reply == "" {
		return
	}
	if data, err := json.Marshal(s.stamp(status)); err == nil {
		_ = msg.Respond(data)
	}
}

func (s *Service) stamp(status protocol.RenderStatus) protocol.RenderStatus {
	status.Timestamp = time.Now().UTC()
	return status
}

func (s *Service) publishStatus(status protocol.RenderStatus) {
	data, err := json.Marshal(s.stamp(status))
	if err != nil {
		s.log.Warn("failed to encode status", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectRenderStatus, data); err != nil {
		s.log.Warn("failed to publish status", slog.String("error", err.Error()))
	}
}
