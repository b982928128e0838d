package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"hackworld.ai/internal/ids"
	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/world"
)

// World is the part of the simulation a connection talks to.
type World interface {
	Inbox() chan<- world.CommandEnvelope
	Join() chan<- world.JoinRequest
	Leave() chan<- sbp.ConnID
	CurrentTick() uint64
}

type Options struct {
	// OutQueue bounds the per-connection outbound queue.
	OutQueue         int
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

func (o *Options) applyDefaults() {
	if o.OutQueue <= 0 {
		o.OutQueue = 64
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
}

type Server struct {
	world World
	log   logging.Logger
	opts  Options

	upgrader websocket.Upgrader
}

func NewServer(w World, logger logging.Logger, opts Options) *Server {
	if logger == nil {
		logger = logging.Noop()
	}
	opts.applyDefaults()
	return &Server{
		world: w,
		log:   logger.With(logging.String("component", "ws")),
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		connID := sbp.ConnID(ids.NewPrefixed("conn"))
		log := s.log.With(logging.String("conn", string(connID)))

		out := make(chan []byte, s.opts.OutQueue)
		evicted := make(chan struct{})
		welcome, ok := s.handshake(ctx, conn, connID, out, evicted)
		if !ok {
			return
		}
		log.Info(ctx, "connection joined", logging.String("identity", welcome.Identity), logging.Bool("resumed", welcome.Resumed))

		// Replies produced by this connection itself, e.g. decode errors.
		replies := make(chan []byte, 8)

		// Writer goroutine. gorilla allows one concurrent writer, so every
		// frame after the handshake goes through here.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				var b []byte
				select {
				case <-ctx.Done():
					return
				case <-evicted:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "superseded"),
						time.Now().Add(time.Second))
					log.Info(ctx, "connection superseded")
					cancel()
					_ = conn.Close()
					return
				case b = <-out:
				case b = <-replies:
				}
				_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					_ = conn.Close()
					return
				}
			}
		}()

		s.readLoop(ctx, conn, connID, replies)
		cancel()
		<-writerDone

		// The world keeps the identity; only the binding goes.
		s.leave(connID)
		log.Info(context.Background(), "connection closed")
	}
}

func (s *Server) leave(connID sbp.ConnID) {
	select {
	case s.world.Leave() <- connID:
	case <-time.After(s.opts.WriteTimeout):
		s.log.Warn(context.Background(), "leave not delivered", logging.String("conn", string(connID)))
	}
}

// abandonJoin undoes a join the world may already have applied. Leaves are
// applied before joins within a tick, so the leave waits for the answer.
func (s *Server) abandonJoin(connID sbp.ConnID, respCh <-chan world.JoinResponse) {
	select {
	case resp := <-respCh:
		if resp.Code != "" {
			return
		}
	case <-time.After(s.opts.HandshakeTimeout):
	}
	s.leave(connID)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, connID sbp.ConnID, replies chan<- []byte) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := protocol.DecodeCommand(msg)
		if err != nil {
			s.reply(replies, protocol.CodeFor(err), err.Error())
			continue
		}
		select {
		case s.world.Inbox() <- world.CommandEnvelope{Conn: connID, Cmd: cmd}:
		case <-ctx.Done():
			return
		default:
			s.reply(replies, protocol.ErrBusy, "inbox full")
		}
	}
}

func (s *Server) reply(replies chan<- []byte, code, message string) {
	b, err := protocol.Marshal(protocol.NewError(s.world.CurrentTick(), code, message))
	if err != nil {
		return
	}
	select {
	case replies <- b:
	default:
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, connID sbp.ConnID, out chan []byte, evicted chan struct{}) (protocol.WelcomeMsg, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return protocol.WelcomeMsg{}, false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		s.refuse(conn, protocol.ErrProtoHandshake, "expected HELLO")
		return protocol.WelcomeMsg{}, false
	}
	if base.ProtocolVersion != protocol.Version {
		s.refuse(conn, protocol.ErrProtoVersion, "bad protocol_version")
		return protocol.WelcomeMsg{}, false
	}
	var hello protocol.HelloMsg
	if err := protocol.Validate(protocol.TypeHello, msg); err != nil {
		s.refuse(conn, protocol.ErrProtoHandshake, err.Error())
		return protocol.WelcomeMsg{}, false
	}
	if err := protocol.Unmarshal(msg, &hello); err != nil {
		s.refuse(conn, protocol.ErrProtoHandshake, "malformed HELLO")
		return protocol.WelcomeMsg{}, false
	}

	respCh := make(chan world.JoinResponse, 1)
	req := world.JoinRequest{
		Conn:        connID,
		Name:        hello.ClientName,
		ResumeToken: strings.TrimSpace(hello.ResumeToken),
		Out:         out,
		Evicted:     evicted,
		Resp:        respCh,
	}
	timeout := time.NewTimer(s.opts.HandshakeTimeout)
	defer timeout.Stop()
	select {
	case s.world.Join() <- req:
	case <-ctx.Done():
		return protocol.WelcomeMsg{}, false
	case <-timeout.C:
		s.refuse(conn, protocol.ErrBusy, "join queue full")
		return protocol.WelcomeMsg{}, false
	}

	// Once queued the world will answer at its next tick; waiting here keeps
	// the welcome ahead of any event on out.
	var resp world.JoinResponse
	select {
	case resp = <-respCh:
	case <-ctx.Done():
		s.abandonJoin(connID, respCh)
		return protocol.WelcomeMsg{}, false
	}
	if resp.Code != "" {
		s.refuse(conn, resp.Code, "join refused")
		return protocol.WelcomeMsg{}, false
	}
	if err := s.writeJSON(conn, resp.Welcome); err != nil {
		s.leave(connID)
		return protocol.WelcomeMsg{}, false
	}
	return resp.Welcome, true
}

func (s *Server) refuse(conn *websocket.Conn, code, message string) {
	_ = s.writeJSON(conn, protocol.NewError(s.world.CurrentTick(), code, message))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message),
		time.Now().Add(time.Second))
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	b, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	}
	return nil
}
