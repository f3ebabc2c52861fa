package registry

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// maxRandomPortAttempts bounds random probing before falling back to a scan.
const (
	maxRandomPortAttempts = 64
	maxPort               = 65535
)

func newRowID() string {
	return uuid.NewString()
}

// RegisterMeta registers a service and returns its record. role may be
// written role@version. Without a Port option a port is drawn at random
// from the range and retried until it is not claimed by another service on
// this node. If the node's host is not known yet and no Host option is
// given, the record is written once the host is discovered; the returned
// record then has an empty Host.
func (r *Registry) RegisterMeta(role string, opts ...Option) (Service, error) {
	reg := registration{}
	for _, opt := range opts {
		opt(&reg)
	}

	name, version := splitRole(role)
	if name == "" {
		return Service{}, ErrNoRole
	}
	if reg.version != "" {
		version = reg.version
	}
	for k := range reg.meta {
		if reservedFields[k] {
			return Service{}, fmt.Errorf("%w: %q", ErrReservedField, k)
		}
	}

	var svc Service
	err := r.do(func() error {
		svc = Service{
			ID:      newRowID(),
			Role:    name,
			Version: version,
			Port:    reg.port,
			Node:    r.id,
			Meta:    reg.meta,
		}
		if svc.Port != 0 {
			if svc.Port < 1 || svc.Port > maxPort {
				return fmt.Errorf("%w: port %d", ErrInvalidConfig, svc.Port)
			}
			if owner, taken := r.ports[svc.Port]; taken {
				return fmt.Errorf("%w: %d held by %s", ErrPortInUse, svc.Port, owner)
			}
		}
		if svc.Port == 0 {
			rng := r.cfg.PortRange
			if reg.rng != nil {
				rng = *reg.rng
			}
			port, err := r.allocatePort(rng)
			if err != nil {
				return err
			}
			svc.Port = port
		}

		svc.Host = reg.host
		if svc.Host == "" {
			svc.Host = r.host
		}
		if svc.Host == "" {
			if _, err := svc.patch(); err != nil {
				return err
			}
			r.ports[svc.Port] = svc.ID
			r.pending = append(r.pending, &pendingRegistration{svc: svc})
			glog.V(1).Infof("[%s] %s waits for host", r.id, svc)
			return nil
		}

		if err := r.write(&svc); err != nil {
			return err
		}
		r.ports[svc.Port] = svc.ID
		return nil
	})
	if err != nil {
		return Service{}, err
	}
	return svc, nil
}

// Register is RegisterMeta returning only the port.
func (r *Registry) Register(role string, opts ...Option) (int, error) {
	svc, err := r.RegisterMeta(role, opts...)
	if err != nil {
		return 0, err
	}
	return svc.Port, nil
}

// write stamps the heartbeat and creates the row. Runs on the loop.
func (r *Registry) write(svc *Service) error {
	svc.Heartbeat = r.clock.Now()
	p, err := svc.patch()
	if err != nil {
		return err
	}
	if _, err := r.doc.Set(svc.ID, p); err != nil {
		return fmt.Errorf("failed to write service: %w", err)
	}
	return nil
}

// flushPending writes registrations that were waiting for the host. Runs
// on the loop.
func (r *Registry) flushPending() {
	pending := r.pending
	r.pending = nil
	for _, p := range pending {
		svc := p.svc
		svc.Host = r.host
		if err := r.write(&svc); err != nil {
			glog.Errorf("[%s] failed to register %s: %v", r.id, svc, err)
			delete(r.ports, svc.Port)
		}
	}
}

// allocatePort picks an unclaimed port in the inclusive range. Runs on the
// loop.
func (r *Registry) allocatePort(rng [2]int) (int, error) {
	if !validRange(rng) {
		return 0, fmt.Errorf("%w: port range %v", ErrInvalidConfig, rng)
	}
	size := rng[1] - rng[0] + 1
	for i := 0; i < maxRandomPortAttempts; i++ {
		port := rng[0] + r.rng.IntN(size)
		if _, taken := r.ports[port]; !taken {
			return port, nil
		}
	}
	start := r.rng.IntN(size)
	for i := 0; i < size; i++ {
		port := rng[0] + (start+i)%size
		if _, taken := r.ports[port]; !taken {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: %d-%d", ErrPortRangeExhausted, rng[0], rng[1])
}

// Free removes a service record.
func (r *Registry) Free(s Service) error {
	return r.FreeID(s.ID)
}

// FreePort removes the service this node registered on port.
func (r *Registry) FreePort(port int) error {
	return r.do(func() error {
		id, ok := r.ports[port]
		if !ok {
			return fmt.Errorf("%w: port %d", ErrNotFound, port)
		}
		return r.free(id)
	})
}

// FreeID removes the service record with the given id.
func (r *Registry) FreeID(id string) error {
	return r.do(func() error {
		return r.free(id)
	})
}

func (r *Registry) free(id string) error {
	for i, p := range r.pending {
		if p.svc.ID == id {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			delete(r.ports, p.svc.Port)
			return nil
		}
	}
	if !r.services.Has(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.doc.Remove(id)
	return nil
}

// removeRow tombstones a row if it is live. Runs on the loop.
func (r *Registry) removeRow(id string) {
	if row, ok := r.doc.Row(id); ok && row.Live() {
		r.doc.Remove(id)
	}
}
