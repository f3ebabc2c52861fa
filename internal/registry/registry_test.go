package registry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheddar/seaport/internal/auth"
	"github.com/cheddar/seaport/internal/crdt"
	"github.com/cheddar/seaport/internal/gossip"
	"github.com/cheddar/seaport/internal/loop"
)

const waitFor = 2 * time.Second

func newRegistry(t *testing.T, id string, cfg Config, opts ...NewOption) *Registry {
	t.Helper()
	r, err := New(cfg, append([]NewOption{WithNodeID(id)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// link runs a stream between a and b over an in-memory pipe. hostOfB is the
// address a records for b ("" for none), and likewise for hostOfA. The
// returned func cuts the link and waits for both streams to end.
func link(t *testing.T, a *Registry, hostOfB string, b *Registry, hostOfA string) func() {
	t.Helper()
	ca, cb := net.Pipe()
	sa := a.CreateStream(ca, hostOfB)
	sb := b.CreateStream(cb, hostOfA)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sa.Run(ctx) }()
	go func() { _ = sb.Run(ctx) }()
	cut := func() {
		cancel()
		<-sa.Done()
		<-sb.Done()
	}
	t.Cleanup(cut)
	return cut
}

func query(t *testing.T, r *Registry, filter string) []Service {
	t.Helper()
	out, err := r.Query(filter)
	require.NoError(t, err)
	return out
}

func nextEvent(t *testing.T, ch <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestRegistry_RegisterAndQuery(t *testing.T) {
	r := newRegistry(t, "n1", Config{Host: "10.0.0.1"})

	svc, err := r.RegisterMeta("api@1.2.0", Meta("zone", "eu"))
	require.NoError(t, err)
	assert.Equal(t, "api", svc.Role)
	assert.Equal(t, "1.2.0", svc.Version)
	assert.Equal(t, "10.0.0.1", svc.Host)
	assert.Equal(t, "n1", svc.Node)
	assert.GreaterOrEqual(t, svc.Port, DefaultPortLow)
	assert.LessOrEqual(t, svc.Port, DefaultPortHigh)

	_, err = r.Register("db", Version("9.6"), Port(5432))
	require.NoError(t, err)

	got := query(t, r, "api@^1")
	require.Len(t, got, 1)
	assert.Equal(t, svc.ID, got[0].ID)
	assert.Equal(t, svc.Port, got[0].Port)
	assert.Equal(t, "eu", got[0].Meta["zone"])

	assert.Empty(t, query(t, r, "api@2"))
	assert.Len(t, query(t, r, ""), 2)

	db := query(t, r, "db@9.6")
	require.Len(t, db, 1)
	assert.Equal(t, 5432, db[0].Port)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := newRegistry(t, "n1", Config{Host: "h"})

	_, err := r.Register("")
	assert.ErrorIs(t, err, ErrNoRole)

	_, err = r.Register("@1.0.0")
	assert.ErrorIs(t, err, ErrNoRole)

	_, err = r.Register("api", Meta(FieldPort, 1))
	assert.ErrorIs(t, err, ErrReservedField)

	_, err = r.Register("api", Range(10, 5))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{PortRange: [2]int{0, 10}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRegistry_PortAllocation(t *testing.T) {
	r := newRegistry(t, "n1", Config{Host: "h"})

	p1, err := r.Register("a", Range(20000, 20001))
	require.NoError(t, err)
	p2, err := r.Register("b", Range(20000, 20001))
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)

	_, err = r.Register("c", Range(20000, 20001))
	require.ErrorIs(t, err, ErrPortRangeExhausted)

	require.NoError(t, r.FreePort(p1))
	p3, err := r.Register("c", Range(20000, 20001))
	require.NoError(t, err)
	assert.Equal(t, p1, p3)

	assert.ErrorIs(t, r.FreePort(1), ErrNotFound)
	assert.ErrorIs(t, r.FreeID("missing"), ErrNotFound)
}

func TestRegistry_ExplicitPort(t *testing.T) {
	r := newRegistry(t, "n1", Config{Host: "h"})

	tests := []struct {
		name string
		port int
	}{
		{"negative", -1},
		{"above range", 65536},
		{"far above range", 1 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register("api", Port(tt.port))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	first, err := r.RegisterMeta("api", Port(8080))
	require.NoError(t, err)
	_, err = r.Register("web", Port(8080))
	require.ErrorIs(t, err, ErrPortInUse)
	assert.Len(t, query(t, r, ""), 1)

	// The first claim still owns the port and releases it on free
	require.NoError(t, r.FreePort(8080))
	assert.Empty(t, query(t, r, "api"))
	second, err := r.RegisterMeta("web", Port(8080))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 8080, second.Port)
}

func TestRegistry_FreeEmitsPriorState(t *testing.T) {
	r := newRegistry(t, "n1", Config{Host: "h"})
	events, cancel := r.Subscribe()
	defer cancel()

	svc, err := r.RegisterMeta("web@2.0.0")
	require.NoError(t, err)
	reg := nextEvent(t, events, func(ev Event) bool { return ev.Kind == EventRegister })
	assert.Equal(t, svc.ID, reg.Service.ID)

	require.NoError(t, r.Free(svc))
	free := nextEvent(t, events, func(ev Event) bool { return ev.Kind == EventFree })
	assert.Equal(t, svc.ID, free.Service.ID)
	assert.Equal(t, "web", free.Service.Role)
	assert.Equal(t, "2.0.0", free.Service.Version)
	assert.Equal(t, svc.Port, free.Service.Port)
	assert.Empty(t, query(t, r, "web"))
}

func TestRegistry_PendingUntilHostKnown(t *testing.T) {
	r := newRegistry(t, "n1", Config{})

	svc, err := r.RegisterMeta("web")
	require.NoError(t, err)
	assert.Empty(t, svc.Host)
	assert.NotZero(t, svc.Port)
	assert.Empty(t, query(t, r, "web"))

	// Pending registrations hold their port and can be freed
	require.NoError(t, r.FreePort(svc.Port))
	assert.ErrorIs(t, r.FreeID(svc.ID), ErrNotFound)

	withHost, err := r.RegisterMeta("api", Host("192.168.0.9"))
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.9", withHost.Host)
	assert.Len(t, query(t, r, "api"), 1)
}

func TestRegistry_HostDiscoveryAndDisconnect(t *testing.T) {
	server := newRegistry(t, "server", Config{Host: "10.0.0.1", IsServer: true})
	client := newRegistry(t, "client", Config{})
	events, cancel := client.Subscribe()
	defer cancel()

	pending, err := client.RegisterMeta("web@1.0.0")
	require.NoError(t, err)

	cut := link(t, server, "10.0.0.2", client, "")

	ev := nextEvent(t, events, func(ev Event) bool { return ev.Kind == EventHost })
	assert.Equal(t, "10.0.0.2", ev.Host)
	host, err := client.Host()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", host)

	require.Eventually(t, func() bool {
		return len(query(t, server, "web")) == 1
	}, waitFor, 10*time.Millisecond)

	got := query(t, server, "web")[0]
	assert.Equal(t, pending.ID, got.ID)
	assert.Equal(t, pending.Port, got.Port)
	assert.Equal(t, "10.0.0.2", got.Host)
	assert.Equal(t, "client", got.Node)
	assert.Len(t, query(t, client, "web"), 1, "flushing pending registrations must write exactly one row")

	cut()

	require.Eventually(t, func() bool {
		return len(query(t, server, "web")) == 0
	}, waitFor, 10*time.Millisecond)

	var addresses int
	require.NoError(t, server.do(func() error {
		addresses = server.addresses.Len()
		return nil
	}))
	assert.Zero(t, addresses)
}

func TestRegistry_ReplicationWithoutHost(t *testing.T) {
	a := newRegistry(t, "a", Config{Host: "a.local"})
	b := newRegistry(t, "b", Config{Host: "b.local"})

	_, err := a.Register("api")
	require.NoError(t, err)
	link(t, a, "", b, "")
	_, err = b.Register("db")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(query(t, a, "")) == 2 && len(query(t, b, "")) == 2
	}, waitFor, 10*time.Millisecond)

	got := query(t, b, "api")
	require.Len(t, got, 1)
	assert.Equal(t, "a.local", got[0].Host)
	assert.Equal(t, "a", got[0].Node)
}

func TestRegistry_SignedReplication(t *testing.T) {
	priv, pub, err := auth.GenerateKeyPair()
	require.NoError(t, err)

	signer := newRegistry(t, "signer", Config{
		Host:       "s.local",
		PrivateKey: priv,
		PublicKey:  string(pub),
		Authorized: []string{string(pub)},
	})
	open := newRegistry(t, "open", Config{Host: "o.local"})
	events, cancel := signer.Subscribe()
	defer cancel()

	_, err = signer.Register("api")
	require.NoError(t, err)
	link(t, signer, "", open, "")

	require.Eventually(t, func() bool {
		return len(query(t, open, "api")) == 1
	}, waitFor, 10*time.Millisecond)

	keys, err := open.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 1, "advertised keys are trusted by the receiving side")

	_, err = open.Register("rogue")
	require.NoError(t, err)

	rej := nextEvent(t, events, func(ev Event) bool { return ev.Kind == EventReject })
	assert.Equal(t, "open", rej.Reject.Writer)
	assert.Equal(t, auth.ReasonUnsigned, rej.Reject.Reason)
	assert.Empty(t, query(t, signer, "rogue"))
}

// connected returns a stream option and a channel closed once the stream's
// handshake completes.
func connected() (StreamOption, <-chan struct{}) {
	ch := make(chan struct{})
	return OnConnect(func(string) { close(ch) }), ch
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for handshake")
	}
}

func TestRegistry_SelfLoopIgnored(t *testing.T) {
	r := newRegistry(t, "n1", Config{IsServer: true})
	events, cancel := r.Subscribe()
	defer cancel()

	ca, cb := net.Pipe()
	hostOpt, hostUp := connected()
	plainOpt, plainUp := connected()
	sa := r.CreateStream(ca, "10.0.0.9", hostOpt)
	sb := r.CreateStream(cb, "", plainOpt)
	ctx, stop := context.WithCancel(context.Background())
	defer func() {
		stop()
		<-sa.Done()
		<-sb.Done()
	}()
	go func() { _ = sa.Run(ctx) }()
	go func() { _ = sb.Run(ctx) }()
	waitClosed(t, hostUp)
	waitClosed(t, plainUp)

	var addresses int
	require.NoError(t, r.do(func() error {
		addresses = r.addresses.Len()
		return nil
	}))
	assert.Zero(t, addresses, "no address row for a stream to itself")

	host, err := r.Host()
	require.NoError(t, err)
	assert.Empty(t, host)

	select {
	case ev := <-events:
		assert.NotEqual(t, EventHost, ev.Kind, "unexpected event %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistry_HostStreamDoesNotTrustPeerKeys(t *testing.T) {
	_, pub, err := auth.GenerateKeyPair()
	require.NoError(t, err)

	tests := []struct {
		name     string
		host     string
		wantKeys int
	}{
		{"host stream ignores advertised keys", "10.0.0.7", 0},
		{"plain stream trusts advertised keys", "", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRegistry(t, "server", Config{Host: "10.0.0.1"})

			// A bare peer advertising a key that exists in no document
			l := loop.New()
			defer l.Stop()
			peerDoc := crdt.NewDoc("peer", crdt.WithScheduler(l))
			ca, cb := net.Pipe()
			peer := gossip.NewStream(cb, gossip.Config{
				Doc:  peerDoc,
				Exec: l,
				Meta: func() *gossip.Meta {
					return &gossip.Meta{Authorized: map[string]string{"k1": string(pub)}}
				},
			})
			opt, up := connected()
			s := r.CreateStream(ca, tt.host, opt)

			ctx, stop := context.WithCancel(context.Background())
			defer func() {
				stop()
				<-s.Done()
				<-peer.Done()
			}()
			go func() { _ = s.Run(ctx) }()
			go func() { _ = peer.Run(ctx) }()
			waitClosed(t, up)

			keys, err := r.Keys()
			require.NoError(t, err)
			assert.Len(t, keys, tt.wantKeys)
		})
	}
}

func TestRegistry_MismatchedKeys(t *testing.T) {
	priv, _, err := auth.GenerateKeyPair()
	require.NoError(t, err)
	_, otherPub, err := auth.GenerateKeyPair()
	require.NoError(t, err)

	_, err = New(Config{PrivateKey: priv, PublicKey: string(otherPub)})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Authorized: []string{"not a key"}})
	assert.ErrorIs(t, err, auth.ErrUnsupportedKey)
}

func TestRegistry_Heartbeat(t *testing.T) {
	mock := bclock.NewMock()
	r := newRegistry(t, "n1", Config{Host: "h", HeartbeatInterval: 10 * time.Second}, WithClock(mock))

	svc, err := r.RegisterMeta("web")
	require.NoError(t, err)
	start := svc.Heartbeat

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		got := query(t, r, "web")
		return len(got) == 1 && got[0].Heartbeat.After(start)
	}, waitFor, 10*time.Millisecond)
}

func TestRegistry_EvictsStaleServices(t *testing.T) {
	mock := bclock.NewMock()
	interval := 10 * time.Second
	r := newRegistry(t, "server", Config{Host: "h", IsServer: true, HeartbeatInterval: interval}, WithClock(mock))
	events, cancel := r.Subscribe()
	defer cancel()

	// A service owned by a node that stopped heartbeating
	require.NoError(t, r.do(func() error {
		_, err := r.doc.Set("ghost-1", crdt.Patch{
			crdt.TypeField: crdt.String(TypeService),
			FieldRole:      crdt.String("ghost"),
			FieldPort:      crdt.Int(7000),
			FieldNode:      crdt.String("elsewhere"),
			FieldHeartbeat: crdt.Int(mock.Now().UnixMilli()),
		})
		return err
	}))
	require.Len(t, query(t, r, "ghost"), 1)

	require.Eventually(t, func() bool {
		mock.Add(interval)
		return len(query(t, r, "ghost")) == 0
	}, waitFor, 10*time.Millisecond)

	ev := nextEvent(t, events, func(ev Event) bool { return ev.Kind == EventFree })
	assert.Equal(t, "ghost-1", ev.Service.ID)
	assert.Equal(t, "elsewhere", ev.Service.Node)
	assert.Equal(t, 7000, ev.Service.Port)
}

func TestRegistry_ClientsDoNotEvict(t *testing.T) {
	mock := bclock.NewMock()
	interval := 10 * time.Second
	r := newRegistry(t, "client", Config{Host: "h", HeartbeatInterval: interval}, WithClock(mock))

	require.NoError(t, r.do(func() error {
		_, err := r.doc.Set("ghost-1", crdt.Patch{
			crdt.TypeField: crdt.String(TypeService),
			FieldRole:      crdt.String("ghost"),
			FieldNode:      crdt.String("elsewhere"),
			FieldHeartbeat: crdt.Int(0),
		})
		return err
	}))
	for i := 0; i < 5; i++ {
		mock.Add(interval)
	}
	assert.Len(t, query(t, r, "ghost"), 1)
}

func TestRegistry_Get(t *testing.T) {
	r := newRegistry(t, "n1", Config{Host: "h"})

	type result struct {
		services []Service
		err      error
	}
	done := make(chan result, 1)
	go func() {
		services, err := r.Get(context.Background(), "cache@^2")
		done <- result{services, err}
	}()

	_, err := r.Register("cache@1.0.0")
	require.NoError(t, err)
	svc, err := r.RegisterMeta("cache@2.1.0")
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Len(t, res.services, 1)
		assert.Equal(t, svc.ID, res.services[0].ID)
	case <-time.After(waitFor):
		t.Fatal("Get did not return")
	}

	// Already present: no waiting
	got, err := r.Get(context.Background(), "cache")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Get(ctx, "nothing")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_Close(t *testing.T) {
	r, err := New(Config{Host: "h"})
	require.NoError(t, err)
	events, cancel := r.Subscribe()
	defer cancel()

	waiting := make(chan error, 1)
	go func() {
		_, err := r.Get(context.Background(), "never")
		waiting <- err
	}()
	// Let Get park its waiter before closing
	require.Eventually(t, func() bool {
		var n int
		_ = r.do(func() error { n = len(r.waiters); return nil })
		return n == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, r.Close())
	assert.NoError(t, r.Close())

	nextEvent(t, events, func(ev Event) bool { return ev.Kind == EventClose })
	_, open := <-events
	assert.False(t, open)

	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("Get did not return after Close")
	}

	_, err = r.Register("web")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.Query("")
	assert.True(t, errors.Is(err, ErrClosed))
}
