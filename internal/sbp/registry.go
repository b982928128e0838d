package sbp

// Registry is the partial bijection between live connections and identities.
//
// It is owned by the world loop; callers on other goroutines must go through
// the world's request channels.
type Registry struct {
	byConn     map[ConnID]Identity
	byIdentity map[Identity]ConnID
}

func NewRegistry() *Registry {
	return &Registry{
		byConn:     map[ConnID]Identity{},
		byIdentity: map[Identity]ConnID{},
	}
}

// Bind associates conn with id, replacing whatever either side was bound to.
// It returns the connection that previously held id, if any, so the caller can
// tell a superseded session to go away.
func (r *Registry) Bind(conn ConnID, id Identity) (evicted ConnID, ok bool) {
	if old, found := r.byConn[conn]; found {
		if old == id {
			return "", false
		}
		delete(r.byIdentity, old)
	}
	if prev, found := r.byIdentity[id]; found && prev != conn {
		delete(r.byConn, prev)
		evicted, ok = prev, true
	}
	r.byConn[conn] = id
	r.byIdentity[id] = conn
	return evicted, ok
}

func (r *Registry) IdentityOf(conn ConnID) (Identity, bool) {
	id, ok := r.byConn[conn]
	return id, ok
}

func (r *Registry) ConnectionOf(id Identity) (ConnID, bool) {
	c, ok := r.byIdentity[id]
	return c, ok
}

func (r *Registry) UnbindConnection(conn ConnID) {
	id, ok := r.byConn[conn]
	if !ok {
		return
	}
	delete(r.byConn, conn)
	if r.byIdentity[id] == conn {
		delete(r.byIdentity, id)
	}
}

func (r *Registry) UnbindIdentity(id Identity) {
	conn, ok := r.byIdentity[id]
	if !ok {
		return
	}
	delete(r.byIdentity, id)
	if r.byConn[conn] == id {
		delete(r.byConn, conn)
	}
}

func (r *Registry) Len() int { return len(r.byConn) }
