package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-midi/internal/bus"
	"github.com/loqalabs/loqa-midi/internal/config"
	"github.com/loqalabs/loqa-midi/internal/engine/backends"
	"github.com/loqalabs/loqa-midi/internal/eventstore"
	"github.com/loqalabs/loqa-midi/internal/natsserver"
	"github.com/loqalabs/loqa-midi/internal/protocol"
	"github.com/loqalabs/loqa-midi/internal/smftest"
)

type harness struct {
	client *bus.Client
	store  *eventstore.Store
	svc    *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.EventStore = config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "journal.db"), RetentionMode: "session"}

	srv, err := natsserver.Start(cfg.Bus, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(ctx, cfg.Bus, "service-test", log, srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	store, err := eventstore.Open(ctx, cfg.EventStore, log)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	backend, err := backends.New(ctx, cfg.Engine, log)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}

	svc, err := New(ctx, cfg, backend, client, store, log)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)
	return &harness{client: client, store: store, svc: svc}
}

func (h *harness) subscribe(t *testing.T, subject string) chan *nats.Msg {
	t.Helper()
	ch := make(chan *nats.Msg, 1024)
	sub, err := h.client.Conn().ChanSubscribe(subject, ch)
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := h.client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return ch
}

func (h *harness) request(t *testing.T, req protocol.RenderRequest) {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if err := h.client.Conn().Publish(protocol.SubjectRenderRequest, data); err != nil {
		t.Fatalf("publish request: %v", err)
	}
}

func waitStatus(t *testing.T, ch chan *nats.Msg, sessionID, want string) protocol.RenderStatus {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-ch:
			var status protocol.RenderStatus
			if err := json.Unmarshal(msg.Data, &status); err != nil {
				t.Fatalf("decode status: %v", err)
			}
			if status.SessionID == sessionID && status.Status == want {
				return status
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s status", want)
		}
	}
}

func TestServiceRendersRequestedFile(t *testing.T) {
	h := newHarness(t)
	if !h.svc.Healthy() {
		t.Fatal("expected healthy service")
	}
	path := smftest.WriteFile(t, "song.mid", smftest.Song(1000))
	statuses := h.subscribe(t, protocol.SubjectRenderStatus)
	audio := h.subscribe(t, protocol.AudioSubject("job-1"))

	h.request(t, protocol.RenderRequest{SessionID: "job-1", Path: path, ReverbPreset: 1, ReverbWet: 400})
	status := waitStatus(t, statuses, "job-1", protocol.StatusCompleted)
	if status.DurationMs != 1000 || status.Bytes == 0 {
		t.Fatalf("unexpected status %+v", status)
	}

	var total int64
	for {
		select {
		case msg := <-audio:
			var chunk protocol.AudioChunk
			if err := json.Unmarshal(msg.Data, &chunk); err != nil {
				t.Fatalf("decode chunk: %v", err)
			}
			total += int64(len(chunk.PCM))
			if chunk.Final {
				if total != status.Bytes {
					t.Fatalf("expected %d audio bytes, got %d", status.Bytes, total)
				}
				r, err := h.store.GetRender(context.Background(), "job-1")
				if err != nil {
					t.Fatalf("get render: %v", err)
				}
				if r.Status != eventstore.StatusCompleted || r.Bytes != status.Bytes {
					t.Fatalf("unexpected journal entry %+v", r)
				}
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for final audio chunk")
		}
	}
}

func TestServiceReportsFailures(t *testing.T) {
	h := newHarness(t)
	statuses := h.subscribe(t, protocol.SubjectRenderStatus)

	h.request(t, protocol.RenderRequest{SessionID: "job-2", Path: filepath.Join(t.TempDir(), "missing.mid")})
	status := waitStatus(t, statuses, "job-2", protocol.StatusFailed)
	if status.Error == "" {
		t.Fatal("expected failure reason")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		r, err := h.store.GetRender(context.Background(), "job-2")
		if err == nil && r.Status == eventstore.StatusFailed {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected failed journal entry, got %+v (%v)", r, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestServiceRejectsInvalidReverb(t *testing.T) {
	h := newHarness(t)
	statuses := h.subscribe(t, protocol.SubjectRenderStatus)
	path := smftest.WriteFile(t, "song.mid", smftest.Song(500))

	h.request(t, protocol.RenderRequest{SessionID: "job-3", Path: path, ReverbPreset: 9})
	waitStatus(t, statuses, "job-3", protocol.StatusFailed)
}

func TestServiceRejectsUnsafeSessionIDs(t *testing.T) {
	h := newHarness(t)
	statuses := h.subscribe(t, protocol.SubjectRenderStatus)
	wildcard := h.subscribe(t, protocol.SubjectRenderAudioPrefix+".>")
	path := smftest.WriteFile(t, "song.mid", smftest.Song(500))

	for _, id := range []string{"job 4", "job.*", ">"} {
		h.request(t, protocol.RenderRequest{SessionID: id, Path: path})
		status := waitStatus(t, statuses, id, protocol.StatusFailed)
		if !strings.Contains(status.Error, "invalid session id") {
			t.Fatalf("%q: unexpected failure %q", id, status.Error)
		}
		if _, err := h.store.GetRender(context.Background(), id); !errors.Is(err, eventstore.ErrNotFound) {
			t.Fatalf("%q: expected no journal entry, got %v", id, err)
		}
	}
	select {
	case msg := <-wildcard:
		t.Fatalf("expected no audio, got a message on %s", msg.Subject)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServiceAnswersRequestReply(t *testing.T) {
	h := newHarness(t)
	path := smftest.WriteFile(t, "song.mid", smftest.Song(500))
	data, err := json.Marshal(protocol.RenderRequest{Path: path})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	msg, err := h.client.Conn().Request(protocol.SubjectRenderRequest, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var status protocol.RenderStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if status.Status != protocol.StatusAccepted || !protocol.ValidSessionID(status.SessionID) {
		t.Fatalf("expected accepted reply with a generated id, got %+v", status)
	}
}

func TestNewDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Service.Enabled = false
	svc, err := New(context.Background(), cfg, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || svc != nil {
		t.Fatalf("expected nil service, got %v, %v", svc, err)
	}
	if svc.Healthy() {
		t.Fatal("expected nil service to be unhealthy")
	}
}
