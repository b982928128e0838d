package world

import (
	"context"
	"strings"

	"hackworld.ai/internal/ids"
	"hackworld.ai/internal/logging"
	"hackworld.ai/internal/protocol"
	"hackworld.ai/internal/router"
	"hackworld.ai/internal/sbp"
)

func (w *World) buildWelcome(s *session, resumed bool) protocol.WelcomeMsg {
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		Identity:        string(s.Identity),
		ResumeToken:     s.ResumeToken,
		ComputerID:      s.ComputerID,
		TickRateHz:      w.cfg.TickRateHz,
		CurrentTick:     w.tick.Load(),
		Programs:        w.programs.Names(),
		Resumed:         resumed,
	}
}

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "participant"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// joinSession binds req.Conn to an identity: the one behind req.ResumeToken
// when it is known, otherwise a fresh identity with its own computer.
func (w *World) joinSession(ctx context.Context, req JoinRequest) JoinResponse {
	var s *session
	resumed := false
	if tok := strings.TrimSpace(req.ResumeToken); tok != "" {
		if id, ok := w.byToken[tok]; ok {
			s = w.sessions[id]
			resumed = true
		}
	}
	if s == nil {
		s = &session{
			Identity:    sbp.Identity(ids.NewPrefixed("id")),
			Name:        normalizeName(req.Name),
			ResumeToken: ids.NewPrefixed("resume"),
			ComputerID:  ids.NewPrefixed("pc"),
			JoinedTick:  w.tick.Load(),
		}
		if err := w.addSession(s); err != nil {
			w.log.Error(ctx, "create session", logging.Err(err))
			return JoinResponse{Code: protocol.ErrInternal}
		}
	}

	w.clients[req.Conn] = &clientState{Out: req.Out, Evicted: req.Evicted}
	if evicted, ok := w.reg.Bind(req.Conn, s.Identity); ok {
		w.evict(ctx, evicted, s.Identity)
	}

	w.stepJoins = append(w.stepJoins, RecordedJoin{
		Identity:    string(s.Identity),
		Name:        s.Name,
		ResumeToken: s.ResumeToken,
		ComputerID:  s.ComputerID,
		Resumed:     resumed,
	})
	w.log.Info(ctx, "participant joined",
		logging.String("identity", string(s.Identity)),
		logging.String("conn", string(req.Conn)),
		logging.Bool("resumed", resumed))
	return JoinResponse{Welcome: w.buildWelcome(s, resumed)}
}

// addSession registers s and creates its computer.
func (w *World) addSession(s *session) error {
	c, err := w.newComputer(s.ComputerID, s.Identity)
	if err != nil {
		return err
	}
	w.sessions[s.Identity] = s
	w.byToken[s.ResumeToken] = s.Identity
	w.computers[c.ID] = c
	return nil
}

// replayJoin recreates a recorded session without a connection.
func (w *World) replayJoin(j RecordedJoin) error {
	if _, ok := w.sessions[sbp.Identity(j.Identity)]; ok {
		return nil
	}
	return w.addSession(&session{
		Identity:    sbp.Identity(j.Identity),
		Name:        j.Name,
		ResumeToken: j.ResumeToken,
		ComputerID:  j.ComputerID,
		JoinedTick:  w.tick.Load(),
	})
}

func (w *World) evict(ctx context.Context, conn sbp.ConnID, id sbp.Identity) {
	cl := w.clients[conn]
	delete(w.clients, conn)
	if cl != nil && cl.Evicted != nil {
		close(cl.Evicted)
	}
	w.log.Info(ctx, "connection superseded",
		logging.String("identity", string(id)), logging.String("conn", string(conn)))
}

// handleLeave forgets a closed connection. The identity and its computer stay.
func (w *World) handleLeave(conn sbp.ConnID) (sbp.Identity, bool) {
	id, bound := w.reg.IdentityOf(conn)
	w.reg.UnbindConnection(conn)
	delete(w.clients, conn)
	return id, bound
}

func (w *World) computerOf(id sbp.Identity) *Computer {
	s := w.sessions[id]
	if s == nil {
		return nil
	}
	return w.computers[s.ComputerID]
}

// sendTo is the router's outbound path: encode and queue on the connection,
// dropping the oldest queued message when the client is slow.
func (w *World) sendTo(conn sbp.ConnID, e router.Event) bool {
	cl := w.clients[conn]
	if cl == nil || cl.Out == nil {
		return false
	}
	b, err := protocol.Marshal(e)
	if err != nil {
		w.log.Error(context.Background(), "encode outbound", logging.Err(err))
		return false
	}
	sendLatest(cl.Out, b)
	return true
}
