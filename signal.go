package peerwire

import (
	"context"
	"fmt"
	mathrand2 "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
)

// Signaller carries signalling Messages (connectivity requests,
// WebRTC offers, answers and ICE candidates) to peers we have no
// Connection with yet. Usually this is routed through the
// overlay itself; the Simulator is an in-process stand in.
type Signaller interface {
	// SendSignal hands msg to the route toward target.
	// msg.Source and msg.Target are already set.
	SendSignal(ctx context.Context, msg *Message, target *PeerDescriptor) error

	// SetSignalHandler installs the callback for inbound signals.
	SetSignalHandler(fn func(msg *Message))
}

// Simulator is an in-process signalling hub for tests and demos.
// Signals take a random hop delay in [minHop, maxHop] but stay
// FIFO per destination. Nodes can be isolated to model a
// partitioned signalling path.
type Simulator struct {
	halt *idem.Halter

	minHop time.Duration
	maxHop time.Duration

	mut      sync.Mutex
	rng      *mathrand2.Rand
	nodes    map[PeerID]*SimulatorTransport
	isolated map[PeerID]bool

	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewSimulator(minHop, maxHop time.Duration, seed [32]byte) *Simulator {
	if maxHop < minHop {
		maxHop = minHop
	}
	return &Simulator{
		halt:     idem.NewHalterNamed("Simulator"),
		minHop:   minHop,
		maxHop:   maxHop,
		rng:      mathrand2.New(mathrand2.NewChaCha8(seed)),
		nodes:    make(map[PeerID]*SimulatorTransport),
		isolated: make(map[PeerID]bool),
	}
}

// simSignal is one signal in flight.
type simSignal struct {
	msg     *Message
	arrival time.Time
}

// SimulatorTransport is one node's Signaller on a Simulator.
type SimulatorTransport struct {
	sim   *Simulator
	local *PeerDescriptor

	inbox chan *simSignal

	mut         sync.Mutex
	handler     func(msg *Message)
	lastArrival time.Time
}

// NewTransport registers local on the hub and returns its Signaller.
func (s *Simulator) NewTransport(local *PeerDescriptor) *SimulatorTransport {
	t := &SimulatorTransport{
		sim:   s,
		local: local,
		inbox: make(chan *simSignal, 1024),
	}
	s.mut.Lock()
	s.nodes[local.ID] = t
	s.mut.Unlock()
	go t.deliverLoop()
	return t
}

// Isolate drops all signals to and from id until Unisolate.
func (s *Simulator) Isolate(id PeerID) {
	s.mut.Lock()
	s.isolated[id] = true
	s.mut.Unlock()
}

func (s *Simulator) Unisolate(id PeerID) {
	s.mut.Lock()
	delete(s.isolated, id)
	s.mut.Unlock()
}

// Delivered and Dropped count signals so far.
func (s *Simulator) Delivered() int64 { return s.delivered.Load() }
func (s *Simulator) Dropped() int64   { return s.dropped.Load() }

func (s *Simulator) Stop() {
	s.halt.ReqStop.Close()
}

func (s *Simulator) hop() time.Duration {
	if s.maxHop <= s.minHop {
		return s.minHop
	}
	return s.minHop + time.Duration(s.rng.Int64N(int64(s.maxHop-s.minHop)))
}

func (s *Simulator) route(ctx context.Context, from PeerID, msg *Message, target *PeerDescriptor) error {
	s.mut.Lock()
	dest, ok := s.nodes[target.ID]
	drop := s.isolated[from] || s.isolated[target.ID]
	hop := s.hop()
	s.mut.Unlock()

	if !ok {
		return fmt.Errorf("simulator has no route to peer %v", target.ID)
	}
	if drop {
		s.dropped.Add(1)
		return nil
	}

	dest.mut.Lock()
	arrival := time.Now().Add(hop)
	if arrival.Before(dest.lastArrival) {
		arrival = dest.lastArrival
	}
	dest.lastArrival = arrival
	dest.mut.Unlock()

	select {
	case dest.inbox <- &simSignal{msg: msg, arrival: arrival}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.halt.ReqStop.Chan:
		return fmt.Errorf("simulator stopped")
	}
}

func (t *SimulatorTransport) SendSignal(ctx context.Context, msg *Message, target *PeerDescriptor) error {
	if target == nil {
		return fmt.Errorf("SendSignal: nil target")
	}
	return t.sim.route(ctx, t.local.ID, msg, target)
}

func (t *SimulatorTransport) SetSignalHandler(fn func(msg *Message)) {
	t.mut.Lock()
	t.handler = fn
	t.mut.Unlock()
}

func (t *SimulatorTransport) deliverLoop() {
	for {
		select {
		case sig := <-t.inbox:
			if wait := time.Until(sig.arrival); wait > 0 {
				select {
				case <-time.After(wait):
				case <-t.sim.halt.ReqStop.Chan:
					return
				}
			}
			t.mut.Lock()
			h := t.handler
			t.mut.Unlock()
			if h == nil {
				t.sim.dropped.Add(1)
				continue
			}
			t.sim.delivered.Add(1)
			h(sig.msg)
		case <-t.sim.halt.ReqStop.Chan:
			return
		}
	}
}
