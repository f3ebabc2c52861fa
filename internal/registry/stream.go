package registry

import (
	"context"
	"errors"
	"io"

	"github.com/golang/glog"

	"github.com/cheddar/seaport/internal/crdt"
	"github.com/cheddar/seaport/internal/gossip"
)

// StreamOption observes one stream's lifecycle. Callbacks run on the
// registry's loop and must not block or call back into the registry.
// Options accumulate, so several observers may watch the same stream.
type StreamOption func(*streamHooks)

type streamHooks struct {
	onConnect    []func(remoteID string)
	onDisconnect []func(remoteID string, err error)
}

// OnConnect is called when the stream's handshake completes.
func OnConnect(fn func(remoteID string)) StreamOption {
	return func(h *streamHooks) { h.onConnect = append(h.onConnect, fn) }
}

// OnDisconnect is called when a handshaken stream ends.
func OnDisconnect(fn func(remoteID string, err error)) StreamOption {
	return func(h *streamHooks) { h.onDisconnect = append(h.onDisconnect, fn) }
}

// CreateStream wraps conn in a gossip stream bound to this registry. The
// caller runs it with Run.
//
// host is the remote's reachable address as seen by this side, or "" for a
// stream without one. A stream with a host records an address row for the
// remote node and, when it ends, removes that row and every service the
// remote owned. A stream without a host trusts the authorized keys the
// remote advertises.
func (r *Registry) CreateStream(conn io.ReadWriteCloser, host string, opts ...StreamOption) *gossip.Stream {
	hooks := streamHooks{}
	for _, opt := range opts {
		opt(&hooks)
	}

	var (
		addressID string
		remote    string
		s         *gossip.Stream
	)
	cfg := gossip.Config{
		Doc:  r.doc,
		Exec: r.loop,
		Meta: func() *gossip.Meta {
			return &gossip.Meta{Authorized: r.keyring.Snapshot()}
		},
		OnHeader: func(h gossip.Header) {
			r.metrics.StreamOpened()
			for _, fn := range hooks.onConnect {
				fn(h.ID)
			}
			if r.closed {
				return
			}
			if host == "" {
				if h.Meta != nil {
					for id, key := range h.Meta.Authorized {
						r.keyring.Trust(id, key)
					}
				}
				return
			}
			if h.ID == r.id {
				return
			}
			remote = h.ID
			addressID = newRowID()
			if _, err := r.doc.Set(addressID, crdt.Patch{
				crdt.TypeField: crdt.String(TypeAddress),
				FieldNode:      crdt.String(h.ID),
				FieldHost:      crdt.String(host),
			}); err != nil {
				glog.Errorf("[%s] failed to record address of %s: %v", r.id, h.ID, err)
			}
		},
		OnEnd: func(remoteID string, err error) {
			r.metrics.StreamClosed()
			if errors.Is(err, gossip.ErrDecode) {
				r.metrics.DecodeFailure()
			}
			r.untrack(s)
			for _, fn := range hooks.onDisconnect {
				fn(remoteID, err)
			}
			if r.closed || remote == "" {
				return
			}
			r.cleanup(addressID, remote)
		},
	}
	s = gossip.NewStream(conn, cfg)

	r.streamsMu.Lock()
	r.streams[s] = struct{}{}
	r.streamsMu.Unlock()
	return s
}

// Serve runs a stream over conn until it ends or ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, conn io.ReadWriteCloser, host string, opts ...StreamOption) error {
	s := r.CreateStream(conn, host, opts...)
	defer r.untrack(s)
	return s.Run(ctx)
}

func (r *Registry) untrack(s *gossip.Stream) {
	r.streamsMu.Lock()
	delete(r.streams, s)
	r.streamsMu.Unlock()
}

// cleanup purges a disconnected node's address and services. Runs on the
// loop.
func (r *Registry) cleanup(addressID, node string) {
	r.removeRow(addressID)
	removed := 0
	for _, rs := range r.services.Rows() {
		if rs.State.GetString(FieldNode) == node {
			r.doc.Remove(rs.ID)
			removed++
		}
	}
	glog.Infof("[%s] stream from %s ended, removed %d services", r.id, node, removed)
}
