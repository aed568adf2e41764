// Package sim runs scripted lobby scenarios against in-process peers linked by
// the loopback transport and the in-memory directory.
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/lobby/internal/config"
)

// Action names one scenario step.
type Action string

const (
	ActionCreate       Action = "create"
	ActionJoin         Action = "join"
	ActionJoinOrCreate Action = "join_or_create"
	ActionJoinRandom   Action = "join_random"
	ActionDisconnect   Action = "disconnect"
	// ActionCrash stops a peer without leaving its lobby.
	ActionCrash Action = "crash"
	// ActionSpawn adds an entity to a peer's world.
	ActionSpawn  Action = "spawn"
	ActionWait   Action = "wait"
	ActionExpect Action = "expect"
)

// DefaultExpectWithin bounds an expect step that sets no Within.
const DefaultExpectWithin = 5 * time.Second

// Scenario is a scripted run.
type Scenario struct {
	Name string `yaml:"name"`
	// Peers lists the peer IDs to start, in order.
	Peers []string `yaml:"peers"`
	// UnreliableLoss is the loopback drop probability for unreliable sends.
	UnreliableLoss float64 `yaml:"unreliable_loss"`
	// Config holds peer settings using the same keys as a lobbyd config
	// file. Peer identity, transport kind and directory backend are fixed
	// by the runner.
	Config yaml.Node `yaml:"config"`
	// Overrides holds per-peer settings layered over Config.
	Overrides map[string]yaml.Node `yaml:"overrides"`
	Steps     []Step               `yaml:"steps"`
}

// Step is one scenario action.
type Step struct {
	Action     Action `yaml:"action"`
	Peer       string `yaml:"peer"`
	Code       string `yaml:"code"`
	MaxMembers int    `yaml:"max_members"`
	Kind       string `yaml:"kind"`
	// Owner of a spawned entity; empty for scene objects.
	Owner  string        `yaml:"owner"`
	State  string        `yaml:"state"`
	For    time.Duration `yaml:"for"`
	Expect *Expectation  `yaml:"expect"`
	// Fail, when set, is a substring the operation's error must contain.
	Fail string `yaml:"fail"`
}

// Expectation is polled until it holds or Within elapses.
type Expectation struct {
	// NoSession requires that the peer has no current session.
	NoSession bool   `yaml:"no_session"`
	Host      string `yaml:"host"`
	Code      string `yaml:"code"`
	Members   *int   `yaml:"members"`
	Hosting   *bool  `yaml:"hosting"`
	// Outcome is the last migration outcome: pending, succeeded or abandoned.
	Outcome  string        `yaml:"outcome"`
	Entities *int          `yaml:"entities"`
	Within   time.Duration `yaml:"within"`
}

// Load reads and validates the scenario at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a scenario document.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks that every step names a known peer and carries the fields
// its action needs.
func (sc *Scenario) Validate() error {
	var errs []error
	if len(sc.Peers) == 0 {
		errs = append(errs, errors.New("scenario needs at least one peer"))
	}
	seen := make(map[string]bool, len(sc.Peers))
	for _, p := range sc.Peers {
		if p == "" {
			errs = append(errs, errors.New("peer IDs must not be empty"))
		}
		if seen[p] {
			errs = append(errs, fmt.Errorf("peer %q listed twice", p))
		}
		seen[p] = true
	}
	for id := range sc.Overrides {
		if !seen[id] {
			errs = append(errs, fmt.Errorf("override for unknown peer %q", id))
		}
	}
	if sc.UnreliableLoss < 0 || sc.UnreliableLoss > 1 {
		errs = append(errs, fmt.Errorf("unreliable_loss must be within [0,1], got %v", sc.UnreliableLoss))
	}
	for i, st := range sc.Steps {
		if err := st.validate(seen); err != nil {
			errs = append(errs, fmt.Errorf("step %d (%s): %w", i+1, st.Action, err))
		}
	}
	return errors.Join(errs...)
}

var peerActions = []Action{
	ActionCreate, ActionJoin, ActionJoinOrCreate, ActionJoinRandom,
	ActionDisconnect, ActionCrash, ActionSpawn, ActionExpect,
}

func (st Step) validate(peers map[string]bool) error {
	if slices.Contains(peerActions, st.Action) && !peers[st.Peer] {
		return fmt.Errorf("unknown peer %q", st.Peer)
	}
	switch st.Action {
	case ActionCreate, ActionJoin, ActionJoinOrCreate:
		if st.Code == "" {
			return errors.New("code is required")
		}
	case ActionJoinRandom, ActionDisconnect, ActionCrash:
	case ActionSpawn:
		if st.Kind == "" {
			return errors.New("kind is required")
		}
	case ActionWait:
		if st.For <= 0 {
			return errors.New("for must be positive")
		}
	case ActionExpect:
		if st.Expect == nil {
			return errors.New("expect block is required")
		}
		switch st.Expect.Outcome {
		case "", "pending", "succeeded", "abandoned":
		default:
			return fmt.Errorf("unknown outcome %q", st.Expect.Outcome)
		}
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
	return nil
}

// PeerConfig builds the configuration of peer id by layering the scenario
// Config and the peer's override over the lobbyd defaults.
func (sc *Scenario) PeerConfig(id string) (config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)
	v.SetConfigType("yaml")
	for _, n := range []*yaml.Node{&sc.Config, overrideOf(sc.Overrides, id)} {
		if n == nil || n.Kind == 0 {
			continue
		}
		raw, err := yaml.Marshal(n)
		if err != nil {
			return config.Config{}, fmt.Errorf("encoding config for %s: %w", id, err)
		}
		if err := v.MergeConfig(bytes.NewReader(raw)); err != nil {
			return config.Config{}, fmt.Errorf("reading config for %s: %w", id, err)
		}
	}
	v.Set("peer.id", id)
	v.Set("transport.kind", "loopback")
	v.Set("directory.backend", "memory")
	if !v.IsSet("peer.display_name") {
		v.Set("peer.display_name", "player-"+id)
	}
	return config.LoadFromViper(v)
}

func overrideOf(overrides map[string]yaml.Node, id string) *yaml.Node {
	n, ok := overrides[id]
	if !ok {
		return nil
	}
	return &n
}
