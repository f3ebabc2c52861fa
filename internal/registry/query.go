package registry

import (
	"context"
)

type waitResult struct {
	services []Service
	err      error
}

type waiter struct {
	filter string
	ch     chan waitResult
}

// Query returns the live services matching filter, sorted by id.
func (r *Registry) Query(filter string) ([]Service, error) {
	var out []Service
	err := r.do(func() error {
		out = r.query(filter)
		return nil
	})
	return out, err
}

func (r *Registry) query(filter string) []Service {
	out := make([]Service, 0)
	for _, rs := range r.services.Rows() {
		svc := serviceFromState(rs.ID, rs.State)
		if Matches(filter, svc) {
			out = append(out, svc)
		}
	}
	sortServices(out)
	return out
}

// Get returns the matching services, waiting until at least one exists.
// The wait ends the first time a newly registered service matches, and the
// whole match set at that moment is returned.
func (r *Registry) Get(ctx context.Context, filter string) ([]Service, error) {
	var (
		out []Service
		w   *waiter
		id  int
	)
	err := r.do(func() error {
		out = r.query(filter)
		if len(out) > 0 {
			return nil
		}
		w = &waiter{filter: filter, ch: make(chan waitResult, 1)}
		id = r.nextWait
		r.nextWait++
		r.waiters[id] = w
		return nil
	})
	if err != nil || w == nil {
		return out, err
	}

	select {
	case res := <-w.ch:
		return res.services, res.err
	case <-ctx.Done():
		_ = r.do(func() error {
			delete(r.waiters, id)
			return nil
		})
		// The waiter may have been resolved while we were cancelling
		select {
		case res := <-w.ch:
			return res.services, res.err
		default:
		}
		return nil, ctx.Err()
	}
}

// resolveWaiters runs on the loop when a service appears.
func (r *Registry) resolveWaiters(svc Service) {
	for id, w := range r.waiters {
		if Matches(w.filter, svc) {
			w.ch <- waitResult{services: r.query(w.filter)}
			delete(r.waiters, id)
		}
	}
}
