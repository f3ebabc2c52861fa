package node

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"google.golang.org/grpc"

	"github.com/cheddar/seaport/internal/gossip"
	"github.com/cheddar/seaport/internal/registry"
	"github.com/cheddar/seaport/internal/transport"
)

// ClientManager manages gRPC client connections to peer nodes.
type ClientManager struct {
	mu      sync.RWMutex
	clients map[string]*grpc.ClientConn
}

// NewClientManager creates a new client manager.
func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: make(map[string]*grpc.ClientConn),
	}
}

// GetClient returns the connection for addr, creating it on first use.
func (cm *ClientManager) GetClient(addr string) (*grpc.ClientConn, error) {
	cm.mu.RLock()
	cc, exists := cm.clients[addr]
	cm.mu.RUnlock()

	if exists {
		return cc, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Double-check after acquiring write lock
	if cc, exists := cm.clients[addr]; exists {
		return cc, nil
	}

	cc, err := transport.Dial(addr)
	if err != nil {
		return nil, err
	}
	cm.clients[addr] = cc
	return cc, nil
}

// Open starts a raw gossip connection to addr. Addresses with a ws:// or
// wss:// scheme use WebSocket, everything else gRPC.
func (cm *ClientManager) Open(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return transport.DialWebSocket(ctx, addr)
	}
	cc, err := cm.GetClient(addr)
	if err != nil {
		return nil, err
	}
	return transport.OpenStream(ctx, cc)
}

// Close closes all client connections.
func (cm *ClientManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	var errs error
	for addr, cc := range cm.clients {
		errs = multierr.Append(errs, cc.Close())
		delete(cm.clients, addr)
	}
	return errs
}

// Connect opens a stream from reg to addr and returns once the handshake
// completes. The stream runs until it is closed, the peer goes away or reg
// is closed; its Done channel reports the end. The stream does not take
// the host role.
func Connect(ctx context.Context, reg *registry.Registry, clients *ClientManager, addr string, opts ...registry.StreamOption) (*gossip.Stream, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	conn, err := clients.Open(runCtx, addr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	connected := make(chan struct{})
	var once sync.Once
	opts = append(opts, registry.OnConnect(func(string) {
		once.Do(func() { close(connected) })
	}))
	s := reg.CreateStream(conn, "", opts...)

	errCh := make(chan error, 1)
	go func() {
		defer cancel()
		errCh <- s.Run(runCtx)
	}()

	select {
	case <-connected:
		return s, nil
	case <-s.Done():
		err := <-errCh
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("stream to %s ended before handshake: %w", addr, err)
	case <-ctx.Done():
		_ = s.Close()
		cancel()
		return nil, ctx.Err()
	}
}
