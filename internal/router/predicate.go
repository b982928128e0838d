// Package router moves events between connections and the simulation: it
// resolves who sent an inbound event, picks the handlers whose predicate
// matches, and addresses outbound events to the connection of their owner.
package router

import (
	"fmt"
	"strings"

	"hackworld.ai/internal/sbp"
)

// Event is anything that can be routed.
type Event interface {
	EventKind() string
}

// Owned events carry the routine they concern.
type Owned interface {
	Event
	EventOwner() sbp.UserID
}

type Op int

const (
	OpAny Op = iota
	OpKind
	OpOwnerDetails
	OpAnd
	OpOr
)

func (o Op) String() string {
	switch o {
	case OpAny:
		return "any"
	case OpKind:
		return "kind"
	case OpOwnerDetails:
		return "owner_details"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Predicate selects events. Only the fields relevant to Op are read.
type Predicate struct {
	Op      Op
	Kind    string      // OpKind
	Details string      // OpOwnerDetails
	Args    []Predicate // OpAnd, OpOr
}

func Any() Predicate                        { return Predicate{Op: OpAny} }
func KindIs(kind string) Predicate          { return Predicate{Op: OpKind, Kind: kind} }
func OwnerDetails(details string) Predicate { return Predicate{Op: OpOwnerDetails, Details: details} }
func And(args ...Predicate) Predicate       { return Predicate{Op: OpAnd, Args: args} }
func Or(args ...Predicate) Predicate        { return Predicate{Op: OpOr, Args: args} }

// Match evaluates p against e. AND and OR short-circuit left to right; an
// empty AND matches and an empty OR does not. Unknown ops never match.
func (p Predicate) Match(e Event) bool {
	switch p.Op {
	case OpAny:
		return true
	case OpKind:
		return e != nil && e.EventKind() == p.Kind
	case OpOwnerDetails:
		o, ok := e.(Owned)
		return ok && o.EventOwner().Details == p.Details
	case OpAnd:
		for _, a := range p.Args {
			if !a.Match(e) {
				return false
			}
		}
		return true
	case OpOr:
		for _, a := range p.Args {
			if a.Match(e) {
				return true
			}
		}
		return false
	}
	return false
}

func (p Predicate) String() string {
	switch p.Op {
	case OpKind:
		return "kind=" + p.Kind
	case OpOwnerDetails:
		return "owner_details=" + p.Details
	case OpAnd, OpOr:
		parts := make([]string, 0, len(p.Args))
		for _, a := range p.Args {
			parts = append(parts, a.String())
		}
		return p.Op.String() + "(" + strings.Join(parts, ",") + ")"
	}
	return p.Op.String()
}
