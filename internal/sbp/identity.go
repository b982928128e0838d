// Package sbp holds participant identities and the connection registry that
// maps transport connections onto them.
package sbp

import "fmt"

// Identity names a remote participant independently of its transport connection.
type Identity string

// ConnID is the opaque handle of one transport connection.
type ConnID string

// UserID addresses one participant-owned routine. A participant may own many
// routines at once; Details tells them apart and is chosen by the client.
type UserID struct {
	Identity Identity `json:"identity"`
	Details  string   `json:"details"`
}

func (u UserID) String() string {
	return fmt.Sprintf("%s/%s", u.Identity, u.Details)
}

// Equal compares both components.
func (u UserID) Equal(o UserID) bool {
	return u.Identity == o.Identity && u.Details == o.Details
}
