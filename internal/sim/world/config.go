package world

import (
	"errors"
	"fmt"

	"hackworld.ai/internal/sim/process"
	"hackworld.ai/internal/sim/scheduler"
)

// ErrUnknownGroup rejects tasks in a group no computer advances.
var ErrUnknownGroup = errors.New("world: scheduler group is not advanced")

type Config struct {
	ID         string
	TickRateHz int

	// Operational parameters. These are included in snapshots for deterministic replay/resume.
	SnapshotEveryTicks int
	// ComputerUpdateEvery is the period, in ticks, of each computer's process update.
	ComputerUpdateEvery int
	// FirstPID is the pid given to every computer's root process.
	FirstPID process.PID
	// Groups are advanced on every computer each tick, in this order. The
	// computer update group must be one of them.
	Groups []string

	InboxSize int
}

func (c *Config) applyDefaults() error {
	if c.ID == "" {
		c.ID = "world_1"
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 5
	}
	if c.SnapshotEveryTicks < 0 {
		return fmt.Errorf("world: negative snapshot interval %d", c.SnapshotEveryTicks)
	}
	if c.ComputerUpdateEvery <= 0 {
		c.ComputerUpdateEvery = 1
	}
	if c.FirstPID < 0 {
		return fmt.Errorf("world: negative first pid %d", c.FirstPID)
	}
	if len(c.Groups) == 0 {
		c.Groups = []string{scheduler.GroupComputerUpdate}
	}
	if err := validateGroups(c.Groups); err != nil {
		return err
	}
	c.Groups = append([]string(nil), c.Groups...)
	if c.InboxSize <= 0 {
		c.InboxSize = 1024
	}
	return nil
}

func validateGroups(groups []string) error {
	seen := map[string]bool{}
	for _, g := range groups {
		if g == "" || seen[g] {
			return fmt.Errorf("world: empty or duplicate group %q", g)
		}
		seen[g] = true
	}
	if !seen[scheduler.GroupComputerUpdate] {
		return fmt.Errorf("world: groups %v miss %s", groups, scheduler.GroupComputerUpdate)
	}
	return nil
}

func (c *Config) advances(group string) bool {
	for _, g := range c.Groups {
		if g == group {
			return true
		}
	}
	return false
}
