package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-midi/internal/engine"
)

// NewExecFactory parses command with shell quoting rules and returns a
// factory that starts one helper process per engine.
func NewExecFactory(command string, log *slog.Logger) (engine.Factory, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("engine command is empty")
	}
	log = log.With(slog.String("component", "remote-engine"), slog.String("command", args[0]))

	return func(ctx context.Context) (engine.Engine, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cmd := exec.Command(args[0], args[1:]...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("engine stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("engine stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start engine helper: %w", err)
		}
		log.Debug("engine helper started", slog.Int("pid", cmd.Process.Pid))

		release := func() error {
			_ = stdin.Close()
			err := cmd.Wait()
			if stderr.Len() > 0 {
				log.Debug("engine helper stderr", slog.String("output", stderr.String()))
			}
			if err != nil {
				return fmt.Errorf("engine helper exited: %w", err)
			}
			return nil
		}
		eng, err := Dial(stdout, stdin, release)
		if err != nil {
			_ = cmd.Process.Kill()
			return nil, errors.Join(err, release())
		}
		return eng, nil
	}, nil
}

// Engine is the host side of a remote engine.
type Engine struct {
	c        *client
	release  func() error
	shutdown bool
}

// Dial initializes an engine over an established frame channel. release,
// when non-nil, runs after shutdown to free the transport.
func Dial(r io.Reader, w io.Writer, release func() error) (*Engine, error) {
	c := &client{
		enc:     json.NewEncoder(w),
		dec:     json.NewDecoder(bufio.NewReader(r)),
		sources: make(map[int64]engine.Source),
	}
	if _, err := c.call(frame{Op: opInit}); err != nil {
		return nil, fmt.Errorf("initialize remote engine: %w", err)
	}
	return &Engine{c: c, release: release}, nil
}

func (e *Engine) Config() (engine.Config, error) {
	if e.shutdown {
		return engine.Config{}, engine.ErrEngineShutdown
	}
	res, err := e.c.call(frame{Op: opConfig})
	if err != nil {
		return engine.Config{}, err
	}
	if res.Config == nil {
		return engine.Config{}, fmt.Errorf("%w: config missing from reply", ErrRemote)
	}
	return *res.Config, nil
}

func (e *Engine) SetParameter(module engine.Module, param engine.Param, value int32) error {
	if e.shutdown {
		return engine.ErrEngineShutdown
	}
	_, err := e.c.call(frame{Op: opSetParameter, Module: module, Param: param, Value: value})
	return err
}

func (e *Engine) OpenStream(src engine.Source) (engine.Stream, error) {
	if e.shutdown {
		return nil, engine.ErrEngineShutdown
	}
	cfg, err := e.Config()
	if err != nil {
		return nil, err
	}
	id := e.c.register(src)
	if _, err := e.c.call(frame{Op: opOpen, Stream: id, Size: src.Size()}); err != nil {
		e.c.unregister(id)
		return nil, err
	}
	return &stream{c: e.c, id: id, cfg: cfg}, nil
}

func (e *Engine) Shutdown() error {
	if e.shutdown {
		return engine.ErrEngineShutdown
	}
	e.shutdown = true
	_, err := e.c.call(frame{Op: opShutdown})
	if e.release != nil {
		err = errors.Join(err, e.release())
	}
	return err
}

type stream struct {
	c      *client
	id     int64
	cfg    engine.Config
	closed bool
}

func (s *stream) call(f frame) (frame, error) {
	if s.closed {
		return frame{}, engine.ErrStreamClosed
	}
	f.Stream = s.id
	return s.c.call(f)
}

func (s *stream) Prepare() error {
	_, err := s.call(frame{Op: opPrepare})
	return err
}

func (s *stream) Render(pcm []int16, frames int) (int, error) {
	res, err := s.call(frame{Op: opRender, Frames: frames})
	if err != nil {
		return 0, err
	}
	samples := decodePCM(pcm, res.Data)
	return samples / s.cfg.Channels, nil
}

func (s *stream) State() (engine.State, error) {
	res, err := s.call(frame{Op: opState})
	if err != nil {
		return engine.StateError, err
	}
	return res.State, nil
}

func (s *stream) Locate(ms int32, relative bool) error {
	_, err := s.call(frame{Op: opLocate, Ms: ms, Relative: relative})
	return err
}

func (s *stream) Location() (int32, error) {
	res, err := s.call(frame{Op: opLocation})
	return res.Ms, err
}

func (s *stream) Duration() (int32, error) {
	res, err := s.call(frame{Op: opDuration})
	return res.Ms, err
}

func (s *stream) Pause() error {
	_, err := s.call(frame{Op: opPause})
	return err
}

func (s *stream) Resume() error {
	_, err := s.call(frame{Op: opResume})
	return err
}

func (s *stream) Close() error {
	if s.closed {
		return engine.ErrStreamClosed
	}
	s.closed = true
	_, err := s.c.call(frame{Op: opClose, Stream: s.id})
	s.c.unregister(s.id)
	return err
}

// client serializes calls and answers the helper's source callbacks.
type client struct {
	mu         sync.Mutex
	enc        *json.Encoder
	dec        *json.Decoder
	nextID     uint64
	nextStream int64
	sources    map[int64]engine.Source
	broken     error
}

func (c *client) register(src engine.Source) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextStream++
	c.sources[c.nextStream] = src
	return c.nextStream
}

func (c *client) unregister(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, id)
}

func (c *client) call(req frame) (frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return frame{}, c.broken
	}
	c.nextID++
	req.Kind = kindCall
	req.ID = c.nextID
	if err := c.enc.Encode(req); err != nil {
		return frame{}, c.fail(fmt.Errorf("send %s: %w", req.Op, err))
	}
	for {
		var msg frame
		if err := c.dec.Decode(&msg); err != nil {
			return frame{}, c.fail(fmt.Errorf("receive %s: %w", req.Op, err))
		}
		switch msg.Kind {
		case kindPull, kindSize:
			if err := c.enc.Encode(c.answer(msg)); err != nil {
				return frame{}, c.fail(fmt.Errorf("answer %s: %w", msg.Kind, err))
			}
		case kindResult:
			if msg.ID != req.ID {
				return frame{}, c.fail(fmt.Errorf("%w: result %d for call %d", ErrRemote, msg.ID, req.ID))
			}
			if msg.Error != "" {
				return msg, decodeError(msg)
			}
			return msg, nil
		default:
			return frame{}, c.fail(fmt.Errorf("%w: unexpected frame %q", ErrRemote, msg.Kind))
		}
	}
}

// fail marks the channel unusable; frames can no longer be matched to calls.
func (c *client) fail(err error) error {
	c.broken = err
	return err
}

func (c *client) answer(msg frame) frame {
	reply := frame{Kind: kindReply, ID: msg.ID, Stream: msg.Stream}
	src, ok := c.sources[msg.Stream]
	if !ok {
		reply.Error = fmt.Sprintf("unknown stream %d", msg.Stream)
		return reply
	}
	switch msg.Kind {
	case kindSize:
		reply.Size = src.Size()
	case kindPull:
		count := min(int64(msg.Count), src.Size())
		if count <= 0 {
			return reply
		}
		buf := make([]byte, count)
		reply.Data = buf[:src.Pull(buf, msg.Offset)]
	}
	return reply
}
