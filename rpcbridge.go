package peerwire

import (
	"context"
	"fmt"
	"sync"

	"github.com/glycerine/peerwire/events"
	"github.com/glycerine/peerwire/protorpc"
)

// RpcTransport carries one Communicator's envelopes over a
// ConnectionManager, tagged with serviceID so several services
// can share connections. Calls name their peer with
// CallContext.Target set to a *PeerDescriptor.
type RpcTransport struct {
	mgr       *ConnectionManager
	comm      *protorpc.Communicator
	serviceID string

	outID  events.ListenerID
	dataID events.ListenerID
	discID events.ListenerID

	// outstanding requests by peer, so a disconnect can fail
	// them without waiting for the timeout.
	mut      sync.Mutex
	inflight map[string]PeerID
}

const pruneInflightAt = 1024

func NewRpcTransport(mgr *ConnectionManager, comm *protorpc.Communicator, serviceID string) *RpcTransport {
	t := &RpcTransport{
		mgr:       mgr,
		comm:      comm,
		serviceID: serviceID,
		inflight:  make(map[string]PeerID),
	}
	t.outID = comm.OnOutgoingMessage(t.onOutgoing)
	t.dataID = mgr.Events.Data.On(t.onData)
	t.discID = mgr.Events.Disconnected.On(t.onDisconnected)
	return t
}

func (t *RpcTransport) onOutgoing(om *protorpc.OutgoingMessage) {
	var target *PeerDescriptor
	if om.CallContext != nil {
		target, _ = om.CallContext.Target.(*PeerDescriptor)
	}
	isRequest := om.Msg.Kind() == protorpc.KindRequest
	if target == nil {
		if isRequest {
			t.comm.RejectPending(om.Msg.RequestID, fmt.Errorf("rpc call has no *PeerDescriptor target"))
		}
		return
	}
	if isRequest {
		t.track(om.Msg.RequestID, target.ID)
	}
	msg := NewMessage(t.serviceID, MessageTypeRpc, om.Bytes)
	ctx, cancel := context.WithTimeout(context.Background(), t.mgr.cfg.ConnectTimeout)
	defer cancel()
	if err := t.mgr.Send(ctx, msg, target); err != nil {
		vv("rpc %v to %v not sent: '%v'", om.Msg.Method(), target.ID, err)
		if isRequest {
			t.comm.RejectPending(om.Msg.RequestID, err)
		}
	}
}

func (t *RpcTransport) track(requestID string, peer PeerID) {
	t.mut.Lock()
	defer t.mut.Unlock()
	if len(t.inflight) >= pruneInflightAt {
		for rid := range t.inflight {
			if !t.comm.IsPending(rid) {
				delete(t.inflight, rid)
			}
		}
	}
	t.inflight[requestID] = peer
}

func (t *RpcTransport) onData(e *DataEvent) {
	if e.Message.Type != MessageTypeRpc || e.Message.ServiceID != t.serviceID {
		return
	}
	cc := &protorpc.CallContext{Source: e.Source, Target: e.Source}
	if err := t.comm.HandleIncomingMessage(e.Message.Body, cc); err != nil {
		vv("rpc from %v dropped: '%v'", e.Source.ID, err)
	}
}

func (t *RpcTransport) onDisconnected(e *DisconnectedEvent) {
	var fail []string
	t.mut.Lock()
	for rid, peer := range t.inflight {
		if peer == e.Peer.ID {
			fail = append(fail, rid)
			delete(t.inflight, rid)
		}
	}
	t.mut.Unlock()
	for _, rid := range fail {
		t.comm.RejectPending(rid, fmt.Errorf("%w: %v (%v)", ErrConnectionClosed, e.Code, e.Reason))
	}
}

// Close detaches from both sides; neither is stopped.
func (t *RpcTransport) Close() {
	t.comm.OffOutgoingMessage(t.outID)
	t.mgr.Events.Data.Off(t.dataID)
	t.mgr.Events.Disconnected.Off(t.discID)
}
