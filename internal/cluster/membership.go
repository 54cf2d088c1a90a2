// Package cluster tracks grid membership with memberlist and publishes
// every membership change as a view to the request layer.
package cluster

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/rs/zerolog"

	"github.com/gridmesh/gridmesh/internal/remoting"
	"github.com/gridmesh/gridmesh/pkg/proto"
)

// ViewListener receives every new view. Listeners run on the membership
// dispatch goroutine, one view at a time.
type ViewListener func(view View)

// View is a snapshot of the live members.
type View struct {
	ID      uint64
	Members remoting.Members
}

// Addresses returns the members in sorted order.
func (v View) Addresses() []proto.Address {
	addrs := make([]proto.Address, 0, len(v.Members))
	for a := range v.Members {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Config contains configuration for cluster membership.
type Config struct {
	// NodeAddress is this node's RPC address. It doubles as the memberlist
	// node name, so it must be unique in the grid.
	NodeAddress proto.Address
	// BindAddr is the gossip listen address, e.g. ":7946".
	BindAddr string
	// Seeds are gossip addresses of existing members.
	Seeds  []string
	Logger zerolog.Logger
}

// Membership wraps memberlist. Joins and leaves update the local member set
// and schedule a view dispatch; bursts of events collapse into one view.
type Membership struct {
	ml       *memberlist.Memberlist
	logger   zerolog.Logger
	self     proto.Address
	bindAddr string

	mu        sync.Mutex
	members   remoting.Members
	viewID    uint64
	listeners []ViewListener

	dirty    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates the memberlist instance, starts view dispatch and joins the
// seeds. Failing to reach the seeds is logged, not fatal; gossip retries.
func New(config Config, listeners ...ViewListener) (*Membership, error) {
	logger := config.Logger.With().Str("component", "membership").Logger()

	m := &Membership{
		logger:    logger,
		self:      config.NodeAddress,
		bindAddr:  config.BindAddr,
		members:   make(remoting.Members),
		listeners: listeners,
		dirty:     make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	cfg, err := m.memberlistConfig(config)
	if err != nil {
		return nil, err
	}

	go m.dispatchLoop()

	ml, err := memberlist.Create(cfg)
	if err != nil {
		m.stopDispatch()
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	m.ml = ml

	if len(config.Seeds) > 0 {
		if err := m.Join(config.Seeds); err != nil {
			logger.Warn().Err(err).Strs("seeds", config.Seeds).Msg("Failed to join seed nodes (will retry via gossip)")
		}
	}

	return m, nil
}

func (m *Membership) memberlistConfig(config Config) (*memberlist.Config, error) {
	if config.NodeAddress == "" {
		return nil, fmt.Errorf("node address is required")
	}

	cfg := memberlist.DefaultLocalConfig()
	cfg.Name = config.NodeAddress.String()
	cfg.BindAddr = "0.0.0.0"

	_, port, err := net.SplitHostPort(config.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid bind address %q: %w", config.BindAddr, err)
	}
	portNum, err := net.LookupPort("tcp", port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}
	cfg.BindPort = portNum

	// LAN profile: detect departures quickly so pending requests fail fast.
	cfg.TCPTimeout = 10 * time.Second
	cfg.IndirectChecks = 3
	cfg.RetransmitMult = 4
	cfg.SuspicionMult = 4
	cfg.ProbeTimeout = 500 * time.Millisecond
	cfg.ProbeInterval = 1 * time.Second
	cfg.GossipInterval = 200 * time.Millisecond
	cfg.GossipNodes = 3

	cfg.Events = &eventDelegate{m: m}
	cfg.LogOutput = &logAdapter{logger: m.logger}
	return cfg, nil
}

// AddListener registers l for views published from now on.
func (m *Membership) AddListener(l ViewListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Join contacts seeds. It fails only if no seed answered.
func (m *Membership) Join(seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}

	joined, err := m.ml.Join(seeds)
	if err != nil {
		return fmt.Errorf("join cluster: %w", err)
	}
	if joined == 0 {
		return fmt.Errorf("failed to join any seed nodes")
	}

	m.logger.Info().Int("joined", joined).Int("total_seeds", len(seeds)).Msg("Joined grid")
	return nil
}

// Self returns this node's address.
func (m *Membership) Self() proto.Address {
	return m.self
}

// View returns the current view.
func (m *Membership) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// NumMembers returns the number of live members, self included.
func (m *Membership) NumMembers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.members)
}

// Leave gracefully leaves the grid.
func (m *Membership) Leave() error {
	if err := m.ml.Leave(5 * time.Second); err != nil {
		return fmt.Errorf("leave cluster: %w", err)
	}
	return nil
}

// Shutdown stops memberlist and view dispatch. It is idempotent.
func (m *Membership) Shutdown() error {
	err := m.ml.Shutdown()
	m.stopDispatch()
	if err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	return nil
}

func (m *Membership) stopDispatch() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}

func (m *Membership) snapshotLocked() View {
	members := make(remoting.Members, len(m.members))
	for a := range m.members {
		members[a] = struct{}{}
	}
	return View{ID: m.viewID, Members: members}
}

func (m *Membership) nodeJoined(addr proto.Address) {
	m.mu.Lock()
	if _, ok := m.members[addr]; ok {
		m.mu.Unlock()
		return
	}
	m.members[addr] = struct{}{}
	m.viewID++
	m.mu.Unlock()

	m.logger.Info().Str("node", addr.String()).Msg("Node joined")
	m.markDirty()
}

func (m *Membership) nodeLeft(addr proto.Address) {
	m.mu.Lock()
	if _, ok := m.members[addr]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.members, addr)
	m.viewID++
	m.mu.Unlock()

	m.logger.Info().Str("node", addr.String()).Msg("Node left")
	m.markDirty()
}

// markDirty never blocks: memberlist calls the event delegate with its
// node lock held.
func (m *Membership) markDirty() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

func (m *Membership) dispatchLoop() {
	defer close(m.done)
	var lastID uint64
	for {
		select {
		case <-m.stop:
			return
		case <-m.dirty:
		}

		m.mu.Lock()
		view := m.snapshotLocked()
		listeners := append([]ViewListener(nil), m.listeners...)
		m.mu.Unlock()

		if view.ID == lastID {
			continue
		}
		lastID = view.ID

		m.logger.Debug().
			Uint64("view_id", view.ID).
			Int("members", len(view.Members)).
			Msg("Publishing view")
		for _, l := range listeners {
			l(view)
		}
	}
}

// eventDelegate feeds memberlist events into the member set.
type eventDelegate struct {
	m *Membership
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
	d.m.nodeJoined(proto.Address(n.Name))
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	d.m.nodeLeft(proto.Address(n.Name))
}

func (d *eventDelegate) NotifyUpdate(*memberlist.Node) {}

// logAdapter adapts memberlist's log output to zerolog.
type logAdapter struct {
	logger zerolog.Logger
}

func (l *logAdapter) Write(p []byte) (n int, err error) {
	l.logger.Debug().Str("source", "memberlist").Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}
