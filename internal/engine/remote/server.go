package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-midi/internal/engine"
)

// Serve runs the helper side of the protocol: it answers calls from r with
// an engine created by factory, writing results to w. It returns nil when
// the host shuts the engine down or closes r.
func Serve(ctx context.Context, r io.Reader, w io.Writer, factory engine.Factory, log *slog.Logger) error {
	srv := &server{
		ctx:     ctx,
		enc:     json.NewEncoder(w),
		dec:     json.NewDecoder(bufio.NewReader(r)),
		factory: factory,
		streams: make(map[int64]engine.Stream),
		log:     log.With(slog.String("component", "engine-helper")),
	}
	defer srv.release()

	for {
		var req frame
		if err := srv.dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read call: %w", err)
		}
		if req.Kind != kindCall {
			return fmt.Errorf("%w: expected call, got %q", ErrRemote, req.Kind)
		}
		res := srv.dispatch(req)
		res.Kind = kindResult
		res.ID = req.ID
		if err := srv.enc.Encode(res); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		if srv.broken != nil {
			return srv.broken
		}
		if req.Op == opShutdown && res.Error == "" {
			return nil
		}
	}
}

type server struct {
	ctx     context.Context
	enc     *json.Encoder
	dec     *json.Decoder
	factory engine.Factory
	eng     engine.Engine
	streams map[int64]engine.Stream
	log     *slog.Logger
	broken  error
}

func (s *server) release() {
	for id, st := range s.streams {
		if err := st.Close(); err != nil {
			s.log.Warn("failed to close abandoned stream", slog.Int64("stream", id), slog.String("error", err.Error()))
		}
	}
	if s.eng != nil {
		if err := s.eng.Shutdown(); err != nil {
			s.log.Warn("failed to shut down abandoned engine", slog.String("error", err.Error()))
		}
	}
}

func (s *server) dispatch(req frame) frame {
	var res frame
	err := s.handle(req, &res)
	if err != nil {
		res.Error = err.Error()
		res.Code = errorCode(err)
	}
	return res
}

func (s *server) handle(req frame, res *frame) error {
	if req.Op == opInit {
		if s.eng != nil {
			return errors.New("engine already initialized")
		}
		eng, err := s.factory(s.ctx)
		if err != nil {
			return err
		}
		s.eng = eng
		return nil
	}
	if s.eng == nil {
		return engine.ErrEngineShutdown
	}

	switch req.Op {
	case opConfig:
		cfg, err := s.eng.Config()
		res.Config = &cfg
		return err
	case opSetParameter:
		return s.eng.SetParameter(req.Module, req.Param, req.Value)
	case opOpen:
		if _, ok := s.streams[req.Stream]; ok {
			return fmt.Errorf("stream %d already open", req.Stream)
		}
		st, err := s.eng.OpenStream(&hostSource{srv: s, stream: req.Stream, size: req.Size})
		if err != nil {
			return err
		}
		s.streams[req.Stream] = st
		return nil
	case opShutdown:
		err := s.eng.Shutdown()
		s.eng = nil
		return err
	}

	st, ok := s.streams[req.Stream]
	if !ok {
		return fmt.Errorf("%w: unknown stream %d", engine.ErrStreamClosed, req.Stream)
	}
	switch req.Op {
	case opPrepare:
		return st.Prepare()
	case opRender:
		cfg, err := s.eng.Config()
		if err != nil {
			return err
		}
		if req.Frames <= 0 || req.Frames > cfg.BlockFrames {
			return fmt.Errorf("render of %d frames, block size is %d", req.Frames, cfg.BlockFrames)
		}
		pcm := make([]int16, req.Frames*cfg.Channels)
		n, err := st.Render(pcm, req.Frames)
		if err != nil {
			return err
		}
		res.Data = encodePCM(pcm[:n*cfg.Channels])
		return nil
	case opState:
		state, err := st.State()
		res.State = state
		return err
	case opLocate:
		return st.Locate(req.Ms, req.Relative)
	case opLocation:
		ms, err := st.Location()
		res.Ms = ms
		return err
	case opDuration:
		ms, err := st.Duration()
		res.Ms = ms
		return err
	case opPause:
		return st.Pause()
	case opResume:
		return st.Resume()
	case opClose:
		delete(s.streams, req.Stream)
		return st.Close()
	default:
		return fmt.Errorf("unknown operation %q", req.Op)
	}
}

// hostSource pulls bytes from the host while a call is being served.
type hostSource struct {
	srv    *server
	stream int64
	size   int64
}

func (h *hostSource) Size() int64 {
	if h.size > 0 {
		return h.size
	}
	reply, err := h.srv.callback(frame{Kind: kindSize, Stream: h.stream})
	if err != nil {
		return 0
	}
	h.size = reply.Size
	return h.size
}

func (h *hostSource) Pull(p []byte, offset int64) int {
	if len(p) == 0 {
		return 0
	}
	reply, err := h.srv.callback(frame{Kind: kindPull, Stream: h.stream, Offset: offset, Count: len(p)})
	if err != nil {
		return 0
	}
	return copy(p, reply.Data)
}

func (s *server) callback(req frame) (frame, error) {
	if s.broken != nil {
		return frame{}, s.broken
	}
	if err := s.enc.Encode(req); err != nil {
		s.broken = fmt.Errorf("send %s: %w", req.Kind, err)
		return frame{}, s.broken
	}
	var reply frame
	if err := s.dec.Decode(&reply); err != nil {
		s.broken = fmt.Errorf("receive %s reply: %w", req.Kind, err)
		return frame{}, s.broken
	}
	if reply.Kind != kindReply {
		s.broken = fmt.Errorf("%w: expected reply, got %q", ErrRemote, reply.Kind)
		return frame{}, s.broken
	}
	if reply.Error != "" {
		return reply, fmt.Errorf("%w: %s", ErrRemote, reply.Error)
	}
	return reply, nil
}
