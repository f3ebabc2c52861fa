package quorum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
)

const (
	// DefaultPerPeerTimeout is the default timeout for each dial.
	DefaultPerPeerTimeout = 5 * time.Second
)

// DialResult represents the result of a bootstrap dial round.
type DialResult struct {
	Success   bool
	Connected []string
	Required  int
	Peers     int
	// Err aggregates the per-peer failures.
	Err          error
	ErrorMessage string
}

// DialFunc connects to a single peer. It returns once the connection is
// established; the stream keeps running after it returns.
type DialFunc func(ctx context.Context, addr string) error

// Dial fans out to all peers in parallel and succeeds when at least
// required of them connect. required <= 0 means every peer; a zero
// requirement with no peers succeeds trivially.
func Dial(ctx context.Context, peers []string, required int, timeout time.Duration, dialFn DialFunc) DialResult {
	if required > len(peers) {
		return DialResult{
			Success:      false,
			Required:     required,
			Peers:        len(peers),
			ErrorMessage: fmt.Sprintf("required=%d exceeds peer count=%d", required, len(peers)),
		}
	}
	if required <= 0 {
		required = len(peers)
	}
	if len(peers) == 0 {
		return DialResult{Success: true}
	}
	if timeout <= 0 {
		timeout = DefaultPerPeerTimeout
	}

	var (
		mu        sync.Mutex
		connected []string
		errs      error
		wg        sync.WaitGroup
	)

	peerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, addr := range peers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()

			err := dialFn(peerCtx, addr)
			mu.Lock()
			defer mu.Unlock()

			if err == nil {
				connected = append(connected, addr)
			} else {
				errs = multierr.Append(errs, fmt.Errorf("peer %s: %w", addr, err))
			}
		}(addr)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return DialResult{
			Success:      false,
			Connected:    append([]string(nil), connected...),
			Required:     required,
			Peers:        len(peers),
			Err:          multierr.Append(errs, ctx.Err()),
			ErrorMessage: fmt.Sprintf("context cancelled: %v", ctx.Err()),
		}
	}

	mu.Lock()
	defer mu.Unlock()

	if len(connected) >= required {
		return DialResult{
			Success:   true,
			Connected: connected,
			Required:  required,
			Peers:     len(peers),
			Err:       errs,
		}
	}

	errMsg := fmt.Sprintf("not enough peers: connected=%d required=%d peers=%d", len(connected), required, len(peers))
	if all := multierr.Errors(errs); len(all) > 0 {
		errMsg += fmt.Sprintf(" errors=%v", all[:min(3, len(all))])
	}
	return DialResult{
		Success:      false,
		Connected:    connected,
		Required:     required,
		Peers:        len(peers),
		Err:          errs,
		ErrorMessage: errMsg,
	}
}
