package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/glossa/internal/app"
	"github.com/MrWong99/glossa/pkg/audio"
	"github.com/MrWong99/glossa/pkg/audio/opus"
)

const (
	// readLimit bounds a single client message.
	readLimit = 1 << 20

	// outboxSize is the number of messages buffered per connection before
	// the client counts as too slow.
	outboxSize = 256

	writeTimeout = 10 * time.Second
)

// errSlowClient ends a connection whose outbox is full.
var errSlowClient = errors.New("server: client is not reading fast enough")

// Command is a JSON text message from the client.
type Command struct {
	// Type is one of start, accept, rewind, replay, quiz_speak, quiz_skip
	// and close.
	Type string `json:"type"`

	// Start and Audio are read for "start".
	Start *app.StartRequest `json:"start,omitempty"`
	Audio *AudioSpec        `json:"audio,omitempty"`

	// Record is the history index for "rewind".
	Record int `json:"record,omitempty"`
}

// AudioSpec describes the microphone stream sent as binary messages.
type AudioSpec struct {
	// Codec is "pcm" (16-bit little-endian, the default) or "opus".
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

func (a *AudioSpec) format() audio.Format {
	f := audio.RecognitionFormat
	if a == nil {
		return f
	}
	if a.SampleRate > 0 {
		f.SampleRate = a.SampleRate
	}
	if a.Channels > 0 {
		f.Channels = a.Channels
	}
	return f
}

// decoder turns client audio messages into recognition-format PCM.
type decoder struct {
	format    audio.Format
	opus      *opus.Decoder
	converter *audio.Converter
}

func newDecoder(spec *AudioSpec, log *slog.Logger) (*decoder, error) {
	f := spec.format()
	if !f.Valid() {
		return nil, fmt.Errorf("unsupported audio format %s", f)
	}
	d := &decoder{format: f, converter: audio.NewConverter(audio.RecognitionFormat, log)}
	codec := "pcm"
	if spec != nil && spec.Codec != "" {
		codec = spec.Codec
	}
	switch codec {
	case "pcm":
	case "opus":
		dec, err := opus.NewDecoder(f)
		if err != nil {
			return nil, err
		}
		d.opus = dec
	default:
		return nil, fmt.Errorf("unsupported audio codec %q", codec)
	}
	return d, nil
}

func (d *decoder) decode(msg []byte) ([]byte, error) {
	frame := audio.AudioFrame{Data: msg, SampleRate: d.format.SampleRate, Channels: d.format.Channels}
	if d.opus != nil {
		var err error
		if frame, err = d.opus.Decode(msg); err != nil {
			return nil, err
		}
	}
	return d.converter.Convert(frame).Data, nil
}

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// conn is one practice connection. It implements [app.Output].
type conn struct {
	ws    *websocket.Conn
	log   *slog.Logger
	abort context.CancelCauseFunc

	outbox    chan outbound
	closeOnce sync.Once
	closed    chan struct{}

	session *app.Session
	decoder *decoder
}

var _ app.Output = (*conn)(nil)

func newConn(ws *websocket.Conn, log *slog.Logger, abort context.CancelCauseFunc) *conn {
	return &conn{
		ws:     ws,
		log:    log,
		abort:  abort,
		outbox: make(chan outbound, outboxSize),
		closed: make(chan struct{}),
	}
}

// Send implements [app.Output].
func (c *conn) Send(e app.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("server: encode event: %w", err)
	}
	return c.push(outbound{typ: websocket.MessageText, data: data})
}

// Audio implements [app.Output].
func (c *conn) Audio(chunk []byte) error {
	return c.push(outbound{typ: websocket.MessageBinary, data: chunk})
}

func (c *conn) push(m outbound) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.outbox <- m:
		return nil
	default:
		c.abort(errSlowClient)
		return errSlowClient
	}
}

func (c *conn) sendError(err error) {
	_ = c.Send(app.Event{Type: app.EventError, Error: err.Error()})
}

func (c *conn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// writeLoop drains the outbox until ctx is cancelled.
func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-c.outbox:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, m.typ, m.data)
			cancel()
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// handlePractice runs one practice connection until the client leaves, the
// session idles out or the server shuts down.
func (s *Server) handlePractice(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		s.log.Warn("server: websocket handshake failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	c := newConn(ws, s.log.With("remote", r.RemoteAddr), cancel)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error {
		defer cancel(nil)
		return s.readLoop(gctx, c)
	})
	err = g.Wait()
	c.shutdown()
	if cause := context.Cause(ctx); errors.Is(cause, errSlowClient) {
		err = cause
	}

	if c.session != nil {
		if stopErr := s.backend.Sessions().Stop(c.session.ID()); stopErr != nil && !errors.Is(stopErr, app.ErrSessionNotFound) {
			c.log.Warn("server: stop session", "err", stopErr)
		}
	}

	if errors.Is(err, errIdle) {
		c.log.Info("server: closed idle connection")
		return
	}
	status, reason := websocket.StatusNormalClosure, ""
	switch {
	case errors.Is(err, errSlowClient):
		status, reason = websocket.StatusPolicyViolation, "too slow"
	case err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled):
		c.log.Warn("server: practice connection failed", "err", err)
		status, reason = websocket.StatusInternalError, "internal error"
	}
	_ = ws.Close(status, reason)
}

// errIdle ends a connection that sent nothing within the idle timeout.
var errIdle = errors.New("server: connection idle")

// readLoop handles client messages. It returns nil when the client closes
// the connection or sends "close".
func (s *Server) readLoop(ctx context.Context, c *conn) error {
	idle := &idleTimer{
		ws:      c.ws,
		timeout: func() time.Duration { return s.backend.Sessions().Practice().SessionIdleTimeout },
	}
	defer idle.stop()
	for {
		idle.reset()
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if idle.expired.Load() {
				return errIdle
			}
			if websocket.CloseStatus(err) != -1 {
				return nil
			}
			return err
		}
		if typ == websocket.MessageBinary {
			s.onAudio(c, data)
			continue
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.sendError(fmt.Errorf("invalid command: %w", err))
			continue
		}
		if cmd.Type == "close" {
			return nil
		}
		if err := s.dispatch(ctx, c, cmd); err != nil {
			c.log.Debug("server: command rejected", "type", cmd.Type, "err", err)
			c.sendError(err)
		}
	}
}

// idleTimer closes a connection that sent nothing within the idle timeout.
// The timeout is read on every reset so practice reloads apply to open
// connections.
type idleTimer struct {
	ws      *websocket.Conn
	timeout func() time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	expired atomic.Bool
}

func (it *idleTimer) reset() {
	d := it.timeout()
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.timer != nil {
		it.timer.Stop()
		it.timer = nil
	}
	if d > 0 {
		it.timer = time.AfterFunc(d, it.expire)
	}
}

func (it *idleTimer) stop() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.timer != nil {
		it.timer.Stop()
		it.timer = nil
	}
}

// expire closes the socket with a policy violation. Read must not be
// cancelled for this: the library then drops the connection without a close
// frame.
func (it *idleTimer) expire() {
	it.expired.Store(true)
	_ = it.ws.Close(websocket.StatusPolicyViolation, "idle timeout")
}

func (s *Server) onAudio(c *conn, msg []byte) {
	if c.session == nil {
		c.sendError(errors.New("send a start command before audio"))
		return
	}
	pcm, err := c.decoder.decode(msg)
	if err != nil {
		c.log.Debug("server: undecodable audio", "err", err)
		return
	}
	if len(pcm) == 0 {
		return
	}
	if err := c.session.SendAudio(pcm); err != nil {
		c.sendError(err)
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, cmd Command) error {
	if cmd.Type == "start" {
		return s.start(ctx, c, cmd)
	}
	if c.session == nil {
		return fmt.Errorf("no session: send a start command before %q", cmd.Type)
	}
	switch cmd.Type {
	case "accept":
		return c.session.Accept()
	case "rewind":
		return c.session.Rewind(cmd.Record)
	case "replay":
		return c.session.Replay()
	case "quiz_speak":
		return c.session.QuizSpeak()
	case "quiz_skip":
		return c.session.QuizSkip()
	default:
		return fmt.Errorf("unknown command %q", cmd.Type)
	}
}

func (s *Server) start(ctx context.Context, c *conn, cmd Command) error {
	if c.session != nil {
		return errors.New("a session is already running on this connection")
	}
	if cmd.Start == nil {
		return errors.New("start command without a start request")
	}
	dec, err := newDecoder(cmd.Audio, c.log)
	if err != nil {
		return err
	}
	sess, err := s.backend.Sessions().Start(ctx, *cmd.Start, c)
	if err != nil {
		return err
	}
	c.session, c.decoder = sess, dec
	c.log = c.log.With("session", sess.ID())
	return nil
}
