package protocol

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Role names the capabilities privileged operations require. Role management
// itself is an external concern; the core only asks "does this caller hold
// the role right now?".
type Role string

const (
	RoleAdmin   Role = "ADMIN"   // market creation, mapping, pause
	RoleRelayer Role = "RELAYER" // batch settlement operator
	RoleTrader  Role = "TRADER"  // privileged ledger caller (the engine)
)

// Authorizer answers capability checks. Implementations are injected into
// each privileged operation so tests can substitute any policy.
type Authorizer interface {
	HasRole(addr common.Address, role Role) bool
}

// StaticRoles is a fixed in-memory role table, sufficient for a single-node
// deployment and for tests.
type StaticRoles struct {
	mu    sync.RWMutex
	roles map[common.Address]map[Role]bool
}

func NewStaticRoles() *StaticRoles {
	return &StaticRoles{roles: make(map[common.Address]map[Role]bool)}
}

func (r *StaticRoles) Grant(addr common.Address, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roles[addr] == nil {
		r.roles[addr] = make(map[Role]bool)
	}
	r.roles[addr][role] = true
}

func (r *StaticRoles) Revoke(addr common.Address, role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roles[addr], role)
}

func (r *StaticRoles) HasRole(addr common.Address, role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[addr][role]
}
