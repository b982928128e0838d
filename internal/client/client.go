// Package client is a participant's side of the kernel protocol: it joins
// over websocket and hands server events to the local routines that asked
// for them.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/router"
)

var ErrClosed = errors.New("client: closed")

// Handler is a local routine's callback.
type Handler func(ctx context.Context, e router.Event)

type route struct {
	pred router.Predicate
	h    Handler
}

type Client struct {
	conn    *websocket.Conn
	log     logging.Logger
	welcome protocol.WelcomeMsg

	writeMu sync.Mutex

	mu        sync.Mutex
	routes    []route
	unhandled uint64
}

// Dial connects to url and completes the HELLO/WELCOME handshake. A non-empty
// token resumes an earlier identity.
func Dial(ctx context.Context, url, name, token string, log logging.Logger) (*Client, error) {
	if log == nil {
		log = logging.Noop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &Client{conn: conn, log: log}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      name,
		ResumeToken:     token,
	}
	if err := c.write(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read WELCOME: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	ev, err := DecodeEvent(msg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	switch m := ev.(type) {
	case *protocol.WelcomeMsg:
		c.welcome = *m
	case *protocol.ErrorMsg:
		_ = conn.Close()
		return nil, fmt.Errorf("join refused: %s %s", m.Code, m.Message)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %s", ev.EventKind())
	}
	c.log = log.With(logging.String("identity", c.welcome.Identity))
	return c, nil
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

// Handle registers h for events matching p. Routes are tried in order and
// every match runs.
func (c *Client) Handle(p router.Predicate, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes = append(c.routes, route{pred: p, h: h})
}

// Routine registers h for events owned by the routine named details.
func (c *Client) Routine(details string, h Handler) {
	c.Handle(router.OwnerDetails(details), h)
}

func (c *Client) Launch(details, path string) error {
	return c.write(protocol.LaunchProcessMsg{
		Type:            protocol.TypeLaunchProcess,
		ProtocolVersion: protocol.Version,
		OwnerDetails:    details,
		ProgramPath:     path,
	})
}

func (c *Client) Interrupt(pid int, recursive bool) error {
	return c.write(protocol.InterruptProcessMsg{
		Type:            protocol.TypeInterruptProcess,
		ProtocolVersion: protocol.Version,
		PID:             pid,
		Recursive:       recursive,
	})
}

func (c *Client) List() error {
	return c.write(protocol.ListProcessesMsg{Type: protocol.TypeListProcesses, ProtocolVersion: protocol.Version})
}

// Run reads events until ctx ends or the connection closes.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		ev, err := DecodeEvent(msg)
		if err != nil {
			c.log.Warn(ctx, "undecodable event", logging.Err(err))
			continue
		}
		c.dispatch(ctx, ev)
	}
}

func (c *Client) dispatch(ctx context.Context, ev router.Event) int {
	c.mu.Lock()
	routes := append([]route(nil), c.routes...)
	c.mu.Unlock()

	n := 0
	for _, rt := range routes {
		if rt.pred.Match(ev) {
			rt.h(ctx, ev)
			n++
		}
	}
	if n == 0 {
		c.mu.Lock()
		c.unhandled++
		c.mu.Unlock()
		c.log.Debug(ctx, "no routine for event", logging.String("kind", ev.EventKind()))
	}
	return n
}

func (c *Client) Unhandled() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unhandled
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) write(v any) error {
	b, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// DecodeEvent decodes a server message into its typed form.
func DecodeEvent(b []byte) (router.Event, error) {
	base, err := protocol.DecodeBase(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	var ev router.Event
	switch base.Type {
	case protocol.TypeWelcome:
		ev = &protocol.WelcomeMsg{}
	case protocol.TypeLaunchAck:
		ev = &protocol.LaunchAckMsg{}
	case protocol.TypeUserInterrupted:
		ev = &protocol.UserInterruptedMsg{}
	case protocol.TypeProcessList:
		ev = &protocol.ProcessListMsg{}
	case protocol.TypeError:
		ev = &protocol.ErrorMsg{}
	default:
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownType, base.Type)
	}
	if err := protocol.Unmarshal(b, ev); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	return ev, nil
}
