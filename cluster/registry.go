package cluster

/*
* The membership table shared by all the nodes of a process
 */

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"synod/paxos"
)

var (
	ErrFrozen          = errors.New("registry is frozen")
	ErrDuplicateMember = errors.New("member already registered")
	ErrUnknownMember   = errors.New("unknown member")
)

// Member is a node of the cluster and the role it plays
type Member struct {
	ID   paxos.NodeID
	Addr string
	Kind paxos.RoleKind
}

// String formats the member as id=role@address, the format read by ParseMember
func (m Member) String() string {
	return fmt.Sprintf("%d=%s@%s", m.ID, m.Kind, m.Addr)
}

// ParseMember parses a member in the id=role@address format
func ParseMember(s string) (Member, error) {
	idStr, rest, ok := strings.Cut(s, "=")
	if !ok {
		return Member{}, fmt.Errorf("member %q: expected id=role@address", s)
	}
	roleStr, addr, ok := strings.Cut(rest, "@")
	if !ok || addr == "" {
		return Member{}, fmt.Errorf("member %q: expected id=role@address", s)
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return Member{}, fmt.Errorf("member %q: %w", s, err)
	}
	kind, err := paxos.ParseRoleKind(roleStr)
	if err != nil {
		return Member{}, fmt.Errorf("member %q: %w", s, err)
	}
	return Member{ID: paxos.NodeID(id), Addr: addr, Kind: kind}, nil
}

// Registry maps node IDs to their address and role.
// It is filled during setup and frozen before the protocol runs, the acceptor count never changes afterwards.
type Registry struct {
	lock      sync.RWMutex
	members   map[paxos.NodeID]Member
	acceptors int
	frozen    bool
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[paxos.NodeID]Member)}
}

// NewStaticRegistry builds a frozen registry from a known member list
func NewStaticRegistry(members []Member) (*Registry, error) {
	registry := NewRegistry()
	for _, member := range members {
		if err := registry.Register(member); err != nil {
			return nil, err
		}
	}
	registry.Freeze()
	return registry, nil
}

func (r *Registry) Register(member Member) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.frozen {
		return fmt.Errorf("registering node %d: %w", member.ID, ErrFrozen)
	}
	if _, exists := r.members[member.ID]; exists {
		return fmt.Errorf("registering node %d: %w", member.ID, ErrDuplicateMember)
	}
	r.members[member.ID] = member
	if member.Kind == paxos.AcceptorRole {
		r.acceptors++
	}
	return nil
}

// Freeze stops registration, it must be called before any message is exchanged
func (r *Registry) Freeze() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.frozen = true
}

func (r *Registry) Frozen() bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.frozen
}

func (r *Registry) Lookup(id paxos.NodeID) (Member, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	member, ok := r.members[id]
	return member, ok
}

// Members returns every member ordered by ID
func (r *Registry) Members() []Member {
	r.lock.RLock()
	defer r.lock.RUnlock()
	members := make([]Member, 0, len(r.members))
	for _, member := range r.members {
		members = append(members, member)
	}
	slices.SortFunc(members, func(a, b Member) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return members
}

func (r *Registry) AcceptorCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.acceptors
}

// Majority reports whether count responders are more than half of the acceptors
func (r *Registry) Majority(count int) bool {
	return paxos.Majority(count, r.AcceptorCount())
}
