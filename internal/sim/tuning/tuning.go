package tuning

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"hackworld.ai/internal/sim/scheduler"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz          int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks  int `yaml:"snapshot_every_ticks"`
	ComputerUpdateEvery int `yaml:"computer_update_every"`
	FirstPID            int `yaml:"first_pid"`
	// Groups are the scheduler phases every computer advances each tick, in order.
	Groups []string `yaml:"groups"`

	Queues Queues `yaml:"queues"`
}

type Queues struct {
	Inbox     int `yaml:"inbox"`
	ClientOut int `yaml:"client_out"`
	Snapshots int `yaml:"snapshots"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:     "1.0",
		TickRateHz:          5,
		SnapshotEveryTicks:  3000,
		ComputerUpdateEvery: 1,
		FirstPID:            0,
		Groups:              []string{scheduler.GroupComputerUpdate},
		Queues: Queues{
			Inbox:     1024,
			ClientOut: 64,
			Snapshots: 4,
		},
	}
}

// Load reads path over the defaults, so a file only needs the keys it changes.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.TickRateHz <= 0:
		return errors.New("tick_rate_hz must be > 0")
	case t.SnapshotEveryTicks < 0:
		return errors.New("snapshot_every_ticks must be >= 0")
	case t.ComputerUpdateEvery <= 0:
		return errors.New("computer_update_every must be > 0")
	case t.FirstPID < 0:
		return errors.New("first_pid must be >= 0")
	case t.Queues.Inbox <= 0 || t.Queues.ClientOut <= 0 || t.Queues.Snapshots <= 0:
		return errors.New("queue sizes must be > 0")
	}
	seen := map[string]bool{}
	for _, g := range t.Groups {
		if g == "" || seen[g] {
			return fmt.Errorf("groups: empty or duplicate group %q", g)
		}
		seen[g] = true
	}
	if !seen[scheduler.GroupComputerUpdate] {
		return fmt.Errorf("groups must include %s", scheduler.GroupComputerUpdate)
	}
	return nil
}
