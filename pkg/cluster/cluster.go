package cluster

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/baxromumarov/rollout-engine/pkg/participant"
	"github.com/baxromumarov/rollout-engine/pkg/policy"
	"github.com/baxromumarov/rollout-engine/pkg/protocol"
	"github.com/baxromumarov/rollout-engine/pkg/rollout"
)

var (
	ErrUnknownGroup   = errors.New("unknown server group")
	ErrDuplicateGroup = errors.New("server group already registered")
)

// ChannelFactory opens the long-lived channel to the participant at addr.
type ChannelFactory func(addr string) participant.Channel

// Member is one server of a group
type Member struct {
	Identity protocol.Identity
	Addr     string

	channel   participant.Channel
	alive     bool
	lastCheck time.Time
}

// MemberStatus is a point-in-time view of a member's liveness
type MemberStatus struct {
	Identity  protocol.Identity `json:"identity"`
	Addr      string            `json:"addr"`
	Alive     bool              `json:"alive"`
	LastCheck time.Time         `json:"last_check,omitempty"`
}

// Group is a named set of statically known servers sharing a rollout policy
type Group struct {
	Name    string
	Policy  policy.Config
	Members []*Member
}

// Cluster manages the server groups known to the coordinator
type Cluster struct {
	mu      sync.RWMutex
	groups  map[string]*Group
	byAddr  map[string]*Member
	connect ChannelFactory
}

// NewCluster creates a new cluster
func NewCluster(connect ChannelFactory) *Cluster {
	return &Cluster{
		groups:  make(map[string]*Group),
		byAddr:  make(map[string]*Member),
		connect: connect,
	}
}

// MemberSpec describes a member when registering a group
type MemberSpec struct {
	Host   string
	Server string
	Addr   string
}

// AddGroup registers a group and opens a channel to each member. A process
// listed in two groups shares one channel.
func (c *Cluster) AddGroup(name string, cfg policy.Config, members []MemberSpec) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("group %s: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.groups[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateGroup, name)
	}

	g := &Group{Name: name, Policy: cfg, Members: make([]*Member, 0, len(members))}
	for _, spec := range members {
		m := &Member{
			Identity: protocol.Identity{Group: name, Host: spec.Host, Server: spec.Server},
			Addr:     spec.Addr,
			alive:    true,
		}
		if shared, ok := c.byAddr[spec.Addr]; ok {
			m.channel = shared.channel
		} else {
			m.channel = c.connect(spec.Addr)
			c.byAddr[spec.Addr] = m
		}
		g.Members = append(g.Members, m)
	}

	c.groups[name] = g
	return nil
}

// RemoveGroup forgets a group
func (c *Cluster) RemoveGroup(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.groups, name)
}

// GetGroup returns a group by name
func (c *Cluster) GetGroup(name string) (*Group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, ok := c.groups[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, name)
	}
	return g, nil
}

// GroupNames returns all group names sorted
func (c *Cluster) GroupNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.groups))
	for name := range c.groups {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Size returns the number of groups
func (c *Cluster) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.groups)
}

// Plan builds the rollout plan applying op to every member of the group.
// Members that fail their health check are still included; they are
// recorded as failed by the rollout rather than silently dropped.
func (c *Cluster) Plan(group string, op protocol.Operation) (rollout.Plan, error) {
	g, err := c.GetGroup(group)
	if err != nil {
		return rollout.Plan{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	members := make([]rollout.Member, len(g.Members))
	for i, m := range g.Members {
		members[i] = rollout.Member{Identity: m.Identity, Channel: m.channel}
	}

	return rollout.Plan{
		Group:     g.Name,
		Members:   members,
		Operation: op,
		Policy:    g.Policy,
	}, nil
}

// Plans builds one plan per group, in the order given. Any unknown group
// fails the whole call so nothing is rolled out.
func (c *Cluster) Plans(groups []string, op protocol.Operation) ([]rollout.Plan, error) {
	seen := make(map[string]bool, len(groups))
	plans := make([]rollout.Plan, 0, len(groups))
	for _, name := range groups {
		if seen[name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateGroup, name)
		}
		seen[name] = true

		plan, err := c.Plan(name, op)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// Addresses returns every distinct participant address sorted
func (c *Cluster) Addresses() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	addrs := make([]string, 0, len(c.byAddr))
	for addr := range c.byAddr {
		addrs = append(addrs, addr)
	}

	sort.Strings(addrs)

	return addrs
}

// Status reports the liveness of every member of a group
func (c *Cluster) Status(group string) ([]MemberStatus, error) {
	g, err := c.GetGroup(group)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]MemberStatus, len(g.Members))
	for i, m := range g.Members {
		alive, last := m.alive, m.lastCheck
		if owner, ok := c.byAddr[m.Addr]; ok {
			alive, last = owner.alive, owner.lastCheck
		}
		out[i] = MemberStatus{Identity: m.Identity, Addr: m.Addr, Alive: alive, LastCheck: last}
	}
	return out, nil
}

// setAlive records a health check result for the process at addr.
// Reports whether the liveness changed.
func (c *Cluster) setAlive(addr string, alive bool, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.byAddr[addr]
	if !ok {
		return false
	}
	changed := m.alive != alive
	m.alive = alive
	m.lastCheck = at
	return changed
}
