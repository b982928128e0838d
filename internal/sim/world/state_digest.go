package world

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"hackworld.ai/internal/sbp"
	"hackworld.ai/internal/sim/process"
)

type hashWriter interface {
	Write(p []byte) (n int, err error)
}

// stateDigest hashes everything replay must reproduce. Connections are left
// out: they are transport state, not world state.
func (w *World) stateDigest(nowTick uint64) string {
	h := sha256.New()
	var tmp [8]byte

	digestWriteU64(h, &tmp, nowTick)
	w.digestSessions(h, &tmp)
	for _, id := range w.computerIDs() {
		w.computers[id].digest(h, &tmp)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (w *World) digestSessions(h hashWriter, tmp *[8]byte) {
	ids := make([]sbp.Identity, 0, len(w.sessions))
	for id := range w.sessions {
		ids = append(ids, id)
	}
	sortIdentities(ids)
	digestWriteU64(h, tmp, uint64(len(ids)))
	for _, id := range ids {
		s := w.sessions[id]
		digestWriteString(h, tmp, string(s.Identity))
		digestWriteString(h, tmp, s.Name)
		digestWriteString(h, tmp, s.ResumeToken)
		digestWriteString(h, tmp, s.ComputerID)
	}
}

func (c *Computer) digest(h hashWriter, tmp *[8]byte) {
	digestWriteString(h, tmp, c.ID)
	digestWriteString(h, tmp, string(c.Owner))
	digestWriteI64(h, tmp, int64(c.tree.NextPID()))

	digestWriteU64(h, tmp, uint64(c.tree.Len()))
	c.tree.Walk(func(i process.Info) {
		digestWriteI64(h, tmp, int64(i.ID.PID))
		digestWriteI64(h, tmp, int64(i.Parent))
		digestWriteI64(h, tmp, int64(i.State))
		digestWriteString(h, tmp, string(i.Source))
		if i.Owner != nil {
			h.Write([]byte{1})
			digestWriteString(h, tmp, string(i.Owner.Identity))
			digestWriteString(h, tmp, i.Owner.Details)
		} else {
			h.Write([]byte{0})
		}
		digestWriteU64(h, tmp, uint64(len(i.Children)))
		for _, ch := range i.Children {
			digestWriteI64(h, tmp, int64(ch))
		}
	})

	tasks := c.sched.Export()
	digestWriteU64(h, tmp, uint64(len(tasks)))
	for _, t := range tasks {
		digestWriteString(h, tmp, t.Group)
		digestWriteString(h, tmp, t.Action.Name)
		digestWriteI64(h, tmp, int64(t.Action.PID))
		digestWriteString(h, tmp, t.Action.Arg)
		digestWriteI64(h, tmp, int64(t.InitialDelay))
		digestWriteI64(h, tmp, int64(t.PeriodicDelay))
		digestWriteI64(h, tmp, int64(t.Remaining))
	}
}

func digestWriteU64(h hashWriter, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func digestWriteI64(h hashWriter, tmp *[8]byte, v int64) {
	digestWriteU64(h, tmp, uint64(v))
}

// Strings are length-prefixed so adjacent fields cannot run together.
func digestWriteString(h hashWriter, tmp *[8]byte, s string) {
	digestWriteU64(h, tmp, uint64(len(s)))
	h.Write([]byte(s))
}
