package relayserver

import (
	"net"
	"sync"

	"github.com/formthefog/form-net-relay/internal/wire"
)

// addressBook remembers the most recently observed UDP source address for
// each public key, learned from ConnectionRequest, Heartbeat, or any
// RelayPacket. Forwarding uses this to find the current address of a
// session's opposite party.
type addressBook struct {
	mu        sync.RWMutex
	addresses map[wire.PubKey]net.Addr
}

func newAddressBook() *addressBook {
	return &addressBook{addresses: make(map[wire.PubKey]net.Addr)}
}

func (a *addressBook) Learn(pub wire.PubKey, addr net.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addresses[pub] = addr
}

func (a *addressBook) Lookup(pub wire.PubKey) (net.Addr, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	addr, ok := a.addresses[pub]
	return addr, ok
}
