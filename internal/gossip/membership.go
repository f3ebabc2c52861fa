package gossip

import (
	"context"
	"sort"
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/golang/glog"

	"github.com/cheddar/seaport/internal/ring"
)

// MemberStatus represents the state of a peer.
type MemberStatus int

const (
	Alive MemberStatus = iota
	Suspect
	Dead
)

// String returns the string representation of MemberStatus.
func (s MemberStatus) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Member is a peer this node has streamed with or was configured to dial.
type Member struct {
	ID          string
	Addr        string
	Status      MemberStatus
	Incarnation uint64
	Streams     int
	LastSeen    time.Time
}

// Membership tracks peers from stream handshakes and disconnects. A peer
// with no open stream turns Suspect, then Dead after the suspect timeout.
type Membership struct {
	mu      sync.RWMutex
	localID string
	members map[string]*Member // id -> Member
	addrs   map[string]string  // dial addr -> id

	clock          bclock.Clock
	suspectTimeout time.Duration

	onMembershipChanged func([]ring.Node)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMembership creates a peer table for localID.
func NewMembership(localID string, clk bclock.Clock, suspectTimeout time.Duration) *Membership {
	if clk == nil {
		clk = bclock.New()
	}
	if suspectTimeout <= 0 {
		suspectTimeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Membership{
		localID:        localID,
		members:        make(map[string]*Member),
		addrs:          make(map[string]string),
		clock:          clk,
		suspectTimeout: suspectTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// SetOnMembershipChanged sets a callback invoked with the alive peers
// whenever membership changes.
func (m *Membership) SetOnMembershipChanged(callback func([]ring.Node)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMembershipChanged = callback
}

// Start runs the timeout checker until Stop.
func (m *Membership) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clock.Ticker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.checkTimeouts()
			}
		}
	}()
}

// Stop stops the timeout checker.
func (m *Membership) Stop() {
	m.cancel()
	m.wg.Wait()
}

// AddSeedMembers records configured peers. Seeds start Suspect until a
// stream to them completes its handshake.
func (m *Membership) AddSeedMembers(seeds []ring.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, seed := range seeds {
		if seed.ID == m.localID {
			continue
		}
		if seed.Addr != "" {
			m.addrs[seed.Addr] = seed.ID
		}
		if _, exists := m.members[seed.ID]; !exists {
			m.members[seed.ID] = &Member{
				ID:          seed.ID,
				Addr:        seed.Addr,
				Status:      Suspect,
				Incarnation: 1,
				LastSeen:    m.clock.Now(),
			}
		}
	}
}

// Connected records a completed handshake with id. addr is the dial address
// when this node initiated the stream, or "" for inbound streams.
func (m *Membership) Connected(id, addr string) {
	if id == "" || id == m.localID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Seeds may be configured under a placeholder id; rebind to the real one
	if addr != "" {
		if old, ok := m.addrs[addr]; ok && old != id {
			if prev, exists := m.members[old]; exists && prev.Streams == 0 {
				delete(m.members, old)
			}
		}
		m.addrs[addr] = id
	}

	member, exists := m.members[id]
	if !exists {
		member = &Member{ID: id}
		m.members[id] = member
		glog.Infof("[%s] Discovered new peer: %s", m.localID, id)
	}
	if addr != "" {
		member.Addr = addr
	}
	member.Streams++
	member.LastSeen = m.clock.Now()
	if member.Status != Alive {
		member.Status = Alive
		member.Incarnation++
		glog.Infof("[%s] Marked %s as ALIVE", m.localID, id)
		m.notifyMembershipChanged()
	}
}

// Disconnected records the end of a stream with id.
func (m *Membership) Disconnected(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	member, exists := m.members[id]
	if !exists {
		return
	}
	if member.Streams > 0 {
		member.Streams--
	}
	member.LastSeen = m.clock.Now()
	if member.Streams == 0 && member.Status == Alive {
		member.Status = Suspect
		member.Incarnation++
		glog.Infof("[%s] Marked %s as SUSPECT (stream ended)", m.localID, id)
		m.notifyMembershipChanged()
	}
}

// checkTimeouts moves peers that stayed Suspect too long to Dead.
func (m *Membership) checkTimeouts() {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, member := range m.members {
		if member.Status == Suspect && now.Sub(member.LastSeen) > m.suspectTimeout {
			member.Status = Dead
			member.Incarnation++
			glog.Infof("[%s] Marked %s as DEAD (suspect timeout)", m.localID, id)
		}
	}
}

// Redial returns the peers with a dial address and no open stream, sorted
// by address.
func (m *Membership) Redial() []ring.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]ring.Node, 0)
	for _, member := range m.members {
		if member.Addr != "" && member.Streams == 0 {
			nodes = append(nodes, ring.Node{ID: member.ID, Addr: member.Addr})
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Addr < nodes[j].Addr })
	return nodes
}

// Snapshot returns a copy of every member sorted by id.
func (m *Membership) Snapshot() []*Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make([]*Member, 0, len(m.members))
	for _, member := range m.members {
		cp := *member
		snapshot = append(snapshot, &cp)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	return snapshot
}

// Get returns a copy of one member.
func (m *Membership) Get(id string) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	member, ok := m.members[id]
	if !ok {
		return Member{}, false
	}
	return *member, true
}

// AliveNodes returns only Alive members as ring.Node slice.
func (m *Membership) AliveNodes() []ring.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aliveNodes()
}

func (m *Membership) aliveNodes() []ring.Node {
	nodes := make([]ring.Node, 0)
	for _, member := range m.members {
		if member.Status == Alive {
			nodes = append(nodes, ring.Node{ID: member.ID, Addr: member.Addr})
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// notifyMembershipChanged invokes the callback if set (must be called with lock held).
func (m *Membership) notifyMembershipChanged() {
	if m.onMembershipChanged != nil {
		alive := m.aliveNodes()
		go m.onMembershipChanged(alive) // Async to avoid blocking
	}
}
