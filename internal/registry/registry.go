package registry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"

	"github.com/cheddar/seaport/internal/auth"
	"github.com/cheddar/seaport/internal/crdt"
	"github.com/cheddar/seaport/internal/gossip"
	"github.com/cheddar/seaport/internal/loop"
	"github.com/cheddar/seaport/internal/metrics"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("registry: closed")
	// ErrNoRole is returned when a registration has no role.
	ErrNoRole = errors.New("registry: role is required")
	// ErrPortRangeExhausted is returned when every port in the allocation
	// range is already claimed by this node.
	ErrPortRangeExhausted = errors.New("registry: port range exhausted")
	// ErrPortInUse is returned when an explicit port is already claimed by
	// another service of this node.
	ErrPortInUse = errors.New("registry: port in use")
	// ErrReservedField is returned for Meta keys that collide with record fields.
	ErrReservedField = errors.New("registry: reserved field")
	// ErrNotFound is returned when freeing an unknown service or port.
	ErrNotFound = errors.New("registry: service not found")
	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("registry: invalid config")
)

const (
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultPortLow           = 10000
	DefaultPortHigh          = 65535
)

// Config holds the registry settings.
type Config struct {
	// HeartbeatInterval is how often own services are refreshed.
	HeartbeatInterval time.Duration
	// IsServer enables eviction of stale services.
	IsServer bool
	// PrivateKey (PEM or OpenSSH) enables signing of local updates.
	PrivateKey []byte
	// PublicKey, when set, must match PrivateKey.
	PublicKey string
	// Authorized keys are trusted at startup.
	Authorized []string
	// PortRange is the inclusive allocation range.
	PortRange [2]int
	// Host is this node's address when known up front.
	Host string
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PortRange == [2]int{} {
		c.PortRange = [2]int{DefaultPortLow, DefaultPortHigh}
	}
}

func validRange(r [2]int) bool {
	return r[0] >= 1 && r[1] <= maxPort && r[0] <= r[1]
}

// NewOption configures New.
type NewOption func(*Registry)

// WithClock replaces the wall clock used for heartbeats and eviction.
func WithClock(c bclock.Clock) NewOption {
	return func(r *Registry) { r.clock = c }
}

// WithMetrics records registry activity.
func WithMetrics(m *metrics.Metrics) NewOption {
	return func(r *Registry) { r.metrics = m }
}

// WithNodeID fixes the node id instead of generating a ULID.
func WithNodeID(id string) NewOption {
	return func(r *Registry) { r.id = id }
}

// Registry advertises and discovers services through a replicated document.
// All methods are safe for concurrent use.
type Registry struct {
	cfg     Config
	id      string
	clock   bclock.Clock
	metrics *metrics.Metrics

	loop *loop.Loop
	doc  *crdt.Doc

	services   *crdt.View
	addresses  *crdt.View
	authorized *crdt.View
	mine       *crdt.View
	keyring    *auth.Keyring
	authz      *auth.Authorizer

	// Only touched on the loop
	host     string
	ports    map[int]string // port -> service id
	pending  []*pendingRegistration
	waiters  map[int]*waiter
	nextWait int
	subs     map[int]*subscriber
	nextSub  int
	closed   bool
	rng      *rand.Rand

	streamsMu sync.Mutex
	streams   map[*gossip.Stream]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

type pendingRegistration struct {
	svc Service
}

// New creates a registry and starts its heartbeat (and, for servers,
// eviction) timers.
func New(cfg Config, opts ...NewOption) (*Registry, error) {
	cfg.applyDefaults()
	if !validRange(cfg.PortRange) {
		return nil, fmt.Errorf("%w: port range %v", ErrInvalidConfig, cfg.PortRange)
	}

	r := &Registry{
		cfg:     cfg,
		ports:   make(map[int]string),
		waiters: make(map[int]*waiter),
		subs:    make(map[int]*subscriber),
		streams: make(map[*gossip.Stream]struct{}),
		stop:    make(chan struct{}),
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.id == "" {
		r.id = ulid.Make().String()
	}
	if r.clock == nil {
		r.clock = bclock.New()
	}

	var authOpts []auth.Option
	authOpts = append(authOpts, auth.WithRejectHandler(r.onReject))
	if len(cfg.PrivateKey) > 0 {
		priv, err := auth.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load private key: %w", err)
		}
		if cfg.PublicKey != "" {
			pub, err := auth.ParsePublicKey(cfg.PublicKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load public key: %w", err)
			}
			if !pub.Equal(priv.Public()) {
				return nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidConfig)
			}
		}
		authOpts = append(authOpts, auth.WithPrivateKey(priv))
	}

	r.loop = loop.New()
	r.doc = crdt.NewDoc(r.id, crdt.WithScheduler(r.loop))
	r.services = r.doc.CreateView(crdt.TypeIs(TypeService))
	r.addresses = r.doc.CreateView(crdt.TypeIs(TypeAddress))
	r.authorized = r.doc.CreateView(crdt.TypeIs(TypeAuthorize))
	r.mine = r.doc.CreateView(func(s crdt.State) bool {
		return s.GetString(crdt.TypeField) == TypeService && s.GetString(FieldNode) == r.id
	})
	r.keyring = auth.NewKeyring(r.authorized)
	authz, err := auth.New(r.keyring, authOpts...)
	if err != nil {
		r.loop.Stop()
		return nil, fmt.Errorf("failed to create authorizer: %w", err)
	}
	r.authz = authz
	r.doc.SetAuthorizer(authz)

	r.services.On(r.onServiceEvent)
	r.addresses.On(r.onAddressEvent)
	r.doc.Subscribe(func(crdt.Update, any) { r.metrics.UpdateApplied() })

	var authErr error
	err = r.loop.Do(func() {
		r.host = cfg.Host
		for _, key := range cfg.Authorized {
			if _, err := r.authorize(key); err != nil {
				authErr = multierr.Append(authErr, err)
			}
		}
	})
	if err == nil {
		err = authErr
	}
	if err != nil {
		r.loop.Stop()
		return nil, err
	}

	r.startTimers()
	glog.Infof("[%s] registry started (server=%v, heartbeat=%s, signing=%v)", r.id, cfg.IsServer, cfg.HeartbeatInterval, r.authz.CanSign())
	return r, nil
}

// ID returns the node id.
func (r *Registry) ID() string {
	return r.id
}

// do runs fn on the loop unless the registry is closed.
func (r *Registry) do(fn func() error) error {
	var err error
	loopErr := r.loop.Do(func() {
		if r.closed {
			err = ErrClosed
			return
		}
		err = fn()
	})
	if loopErr != nil {
		return ErrClosed
	}
	return err
}

// Host returns the node's host address, or "" while unknown.
func (r *Registry) Host() (string, error) {
	var host string
	err := r.do(func() error {
		host = r.host
		return nil
	})
	return host, err
}

// Subscribe returns a channel of registry events and a func that cancels
// the subscription. The channel is closed after EventClose or cancel.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	s := newSubscriber()
	var id int
	err := r.do(func() error {
		id = r.nextSub
		r.nextSub++
		r.subs[id] = s
		return nil
	})
	if err != nil {
		s.close()
		return s.out, func() {}
	}
	return s.out, func() {
		s.stop()
		_ = r.do(func() error {
			delete(r.subs, id)
			return nil
		})
	}
}

// emit runs on the loop.
func (r *Registry) emit(ev Event) {
	for _, s := range r.subs {
		s.push(ev)
	}
}

// Authorize trusts publicKey for signing updates and replicates it as an
// authorize row. It returns the row id.
func (r *Registry) Authorize(publicKey string) (string, error) {
	var id string
	err := r.do(func() error {
		var err error
		id, err = r.authorize(publicKey)
		return err
	})
	return id, err
}

func (r *Registry) authorize(key string) (string, error) {
	if _, err := auth.ParsePublicKey(key); err != nil {
		return "", fmt.Errorf("failed to authorize key: %w", err)
	}
	id := newRowID()
	r.keyring.Trust(id, key)
	if _, err := r.doc.Set(id, crdt.Patch{
		crdt.TypeField: crdt.String(TypeAuthorize),
		auth.KeyField:  crdt.String(key),
	}); err != nil {
		return "", fmt.Errorf("failed to authorize key: %w", err)
	}
	glog.Infof("[%s] authorized key %s", r.id, id)
	return id, nil
}

// Keys returns the trusted keys by authorize row id.
func (r *Registry) Keys() (map[string]string, error) {
	var keys map[string]string
	err := r.do(func() error {
		keys = r.keyring.Snapshot()
		return nil
	})
	return keys, err
}

func (r *Registry) onReject(rej auth.Reject) {
	r.metrics.UpdateRejected(rej.Reason)
	r.emit(Event{Kind: EventReject, Reject: rej})
}

// onServiceEvent runs on the loop once changes to a service row settle.
func (r *Registry) onServiceEvent(ev crdt.ViewEvent) {
	switch ev.Kind {
	case crdt.Create:
		svc := serviceFromState(ev.RowID, ev.State)
		glog.V(1).Infof("[%s] register %s (%s)", r.id, svc, svc.ID)
		r.emit(Event{Kind: EventRegister, Service: svc})
		r.resolveWaiters(svc)
	case crdt.Remove:
		svc := serviceFromState(ev.RowID, ev.Prev)
		glog.V(1).Infof("[%s] free %s (%s)", r.id, svc, svc.ID)
		if svc.Node == r.id && r.ports[svc.Port] == svc.ID {
			delete(r.ports, svc.Port)
		}
		r.emit(Event{Kind: EventFree, Service: svc})
	}
	r.metrics.SetServices(r.services.Len())
}

// onAddressEvent learns this node's host from the address row a host-role
// peer wrote for it.
func (r *Registry) onAddressEvent(ev crdt.ViewEvent) {
	if ev.Kind != crdt.Create || ev.State.GetString(FieldNode) != r.id {
		return
	}
	host := ev.State.GetString(FieldHost)
	if host == "" {
		return
	}
	r.host = host
	glog.Infof("[%s] host is %s", r.id, host)
	r.emit(Event{Kind: EventHost, Host: host})
	r.flushPending()
}

// Close stops the timers, ends every stream and emits EventClose. Later
// calls return ErrClosed from every method.
func (r *Registry) Close() error {
	first := false
	err := r.loop.Do(func() {
		if r.closed {
			return
		}
		first = true
		r.closed = true
		r.emit(Event{Kind: EventClose})
		for id, s := range r.subs {
			s.close()
			delete(r.subs, id)
		}
		for id, w := range r.waiters {
			w.ch <- waitResult{err: ErrClosed}
			delete(r.waiters, id)
		}
	})
	if err != nil || !first {
		return nil
	}

	close(r.stop)
	r.wg.Wait()

	var errs error
	r.streamsMu.Lock()
	for s := range r.streams {
		errs = multierr.Append(errs, s.Close())
		delete(r.streams, s)
	}
	r.streamsMu.Unlock()

	r.loop.Stop()
	glog.Infof("[%s] registry closed", r.id)
	return errs
}
