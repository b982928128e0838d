// Package programs holds the program catalog and the built-in executors that
// processes run.
package programs

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"hackworld.ai/internal/sim/process"
)

// Program kinds understood by the loader.
const (
	KindDaemon     = "daemon"
	KindTimer      = "timer"
	KindSpawner    = "spawner"
	KindBrokenInit = "broken_init"
	KindBrokenRun  = "broken_run"
)

var (
	ErrUnknownProgram = errors.New("programs: unknown program")
	ErrSpawnCycle     = errors.New("programs: spawner launches itself")
)

type Config struct {
	Programs []Spec `yaml:"programs"`
}

// Spec describes one installable program.
type Spec struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
	Kind string `yaml:"kind"`

	// timer
	Ticks int `yaml:"ticks,omitempty"`
	// spawner
	Child string `yaml:"child,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Catalog maps program paths and names to specs. It implements process.Loader.
type Catalog struct {
	byPath map[string]Spec
	byName map[string]string
}

// Load reads a catalog file. An empty path yields the built-in defaults.
func Load(path string) (*Catalog, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = Config{}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("programs.yaml: %w", err)
		}
	}
	c, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("programs.yaml: %w", err)
	}
	return c, nil
}

// Default returns the catalog compiled into the server.
func Default() *Catalog {
	c, err := New(defaults())
	if err != nil {
		panic(err)
	}
	return c
}

func defaults() Config {
	return Config{Programs: []Spec{
		{Name: "daemon", Path: "/bin/daemon", Kind: KindDaemon},
		{Name: "sleep", Path: "/bin/sleep", Kind: KindTimer, Ticks: 10},
		{Name: "init", Path: "/sbin/init", Kind: KindSpawner, Child: "/bin/daemon", Count: 1},
		{Name: "corrupt", Path: "/bin/corrupt", Kind: KindBrokenInit},
		{Name: "crash", Path: "/bin/crash", Kind: KindBrokenRun},
	}}
}

func New(cfg Config) (*Catalog, error) {
	c := &Catalog{byPath: map[string]Spec{}, byName: map[string]string{}}
	for i := range cfg.Programs {
		s := cfg.Programs[i]
		s.normalize()
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("program %d: %w", i, err)
		}
		if _, dup := c.byPath[s.Path]; dup {
			return nil, fmt.Errorf("duplicate path %q", s.Path)
		}
		if _, dup := c.byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate name %q", s.Name)
		}
		c.byPath[s.Path] = s
		c.byName[s.Name] = s.Path
	}
	for _, s := range c.byPath {
		if s.Kind == KindSpawner {
			if _, ok := c.byPath[s.Child]; !ok {
				return nil, fmt.Errorf("spawner %q: unknown child %q", s.Name, s.Child)
			}
		}
	}
	if err := c.checkSpawnCycles(); err != nil {
		return nil, err
	}
	return c, nil
}

// checkSpawnCycles rejects spawners that would, directly or through other
// spawners, launch themselves. A spawner has one child, so following the
// chain from every spawner finds every cycle.
func (c *Catalog) checkSpawnCycles() error {
	for _, start := range c.sortedPaths() {
		var chain []string
		seen := map[string]bool{}
		for p := start; c.byPath[p].Kind == KindSpawner; p = c.byPath[p].Child {
			chain = append(chain, p)
			if seen[p] {
				return fmt.Errorf("%w: %s", ErrSpawnCycle, strings.Join(chain, " -> "))
			}
			seen[p] = true
		}
	}
	return nil
}

func (c *Catalog) sortedPaths() []string {
	out := make([]string, 0, len(c.byPath))
	for p := range c.byPath {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Spec) normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.Path = strings.TrimSpace(s.Path)
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	s.Child = strings.TrimSpace(s.Child)
	if s.Kind == KindTimer && s.Ticks == 0 {
		s.Ticks = 1
	}
	if s.Kind == KindSpawner && s.Count == 0 {
		s.Count = 1
	}
}

func (s Spec) validate() error {
	if s.Name == "" || s.Path == "" {
		return fmt.Errorf("name and path are required")
	}
	switch s.Kind {
	case KindDaemon, KindBrokenInit, KindBrokenRun:
	case KindTimer:
		if s.Ticks < 0 {
			return fmt.Errorf("%s: negative ticks", s.Name)
		}
	case KindSpawner:
		if s.Child == "" || s.Count < 0 {
			return fmt.Errorf("%s: spawner needs a child and a non-negative count", s.Name)
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

// Resolve maps a program path to the source a process is launched from.
func (c *Catalog) Resolve(path string) (process.Source, bool) {
	s, ok := c.byPath[path]
	if !ok {
		return "", false
	}
	return process.Source(s.Path), true
}

// PathOf finds the path a program is installed under by its name.
func (c *Catalog) PathOf(name string) (string, bool) {
	p, ok := c.byName[name]
	return p, ok
}

// Lookup tries path first, then name.
func (c *Catalog) Lookup(pathOrName string) (process.Source, bool) {
	if src, ok := c.Resolve(pathOrName); ok {
		return src, true
	}
	if p, ok := c.PathOf(pathOrName); ok {
		return c.Resolve(p)
	}
	return "", false
}

func (c *Catalog) Spec(path string) (Spec, bool) {
	s, ok := c.byPath[path]
	return s, ok
}

// Names lists installed program names, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.byName))
	for n := range c.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Load builds a fresh executor for src.
func (c *Catalog) Load(src process.Source) (process.Executor, error) {
	s, ok := c.byPath[string(src)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProgram, src)
	}
	switch s.Kind {
	case KindDaemon:
		return &Daemon{}, nil
	case KindTimer:
		return &Timer{Ticks: s.Ticks}, nil
	case KindSpawner:
		return &Spawner{Child: process.Source(s.Child), Count: s.Count}, nil
	case KindBrokenInit:
		return &Broken{FailInit: true}, nil
	case KindBrokenRun:
		return &Broken{}, nil
	}
	return nil, fmt.Errorf("%w: kind %q", ErrUnknownProgram, s.Kind)
}
