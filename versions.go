package peerwire

import (
	"fmt"
	"sort"
)

// ProtocolVersions is the pair agreed with one peer.
type ProtocolVersions struct {
	ControlLayerVersion int
	MessageLayerVersion int
}

func (v ProtocolVersions) String() string {
	return fmt.Sprintf("[%d,%d]", v.ControlLayerVersion, v.MessageLayerVersion)
}

// negotiated remembers which connection produced an entry, so
// closing a losing duplicate cannot erase the survivor's entry.
type negotiated struct {
	versions ProtocolVersions
	connID   ConnectionID
}

// NegotiatedProtocolVersions maps peer to the version pair
// agreed during that peer's current connection handshake.
// Absence means not negotiated.
type NegotiatedProtocolVersions struct {
	localControl []int
	localMessage []int

	m *Mutexmap[PeerID, negotiated]
}

func NewNegotiatedProtocolVersions(controlVersions, messageVersions []int) *NegotiatedProtocolVersions {
	return &NegotiatedProtocolVersions{
		localControl: append([]int(nil), controlVersions...),
		localMessage: append([]int(nil), messageVersions...),
		m:            NewMutexmap[PeerID, negotiated](),
	}
}

// Supported returns the local version lists.
func (n *NegotiatedProtocolVersions) Supported() (control, message []int) {
	return n.localControl, n.localMessage
}

// Negotiate picks the highest control and message versions that
// both the local lists and the remote lists contain.
func (n *NegotiatedProtocolVersions) Negotiate(remoteControl, remoteMessage []int) (v ProtocolVersions, err error) {
	c, okc := highestCommon(n.localControl, remoteControl)
	m, okm := highestCommon(n.localMessage, remoteMessage)
	if !okc || !okm {
		return v, fmt.Errorf("%w: control local %v remote %v; message local %v remote %v",
			ErrNoCommonVersion, n.localControl, remoteControl, n.localMessage, remoteMessage)
	}
	return ProtocolVersions{ControlLayerVersion: c, MessageLayerVersion: m}, nil
}

func (n *NegotiatedProtocolVersions) set(peer PeerID, connID ConnectionID, v ProtocolVersions) {
	n.m.Set(peer, negotiated{versions: v, connID: connID})
}

// Get returns the agreed versions for peer, if any.
func (n *NegotiatedProtocolVersions) Get(peer PeerID) (ProtocolVersions, bool) {
	e, ok := n.m.Get(peer)
	return e.versions, ok
}

// removeFor deletes peer's entry if connID negotiated it.
func (n *NegotiatedProtocolVersions) removeFor(peer PeerID, connID ConnectionID) bool {
	return n.m.DelIf(peer, func(e negotiated) bool { return e.connID == connID })
}

func (n *NegotiatedProtocolVersions) Len() int {
	return n.m.Len()
}

func (n *NegotiatedProtocolVersions) clear() {
	n.m.Clear()
}

func (n *NegotiatedProtocolVersions) snapshot() map[string]ProtocolVersions {
	out := make(map[string]ProtocolVersions)
	for peer, e := range n.m.GetMapCloneAtomic() {
		out[peer.String()] = e.versions
	}
	return out
}

func highestCommon(a, b []int) (int, bool) {
	have := make(map[int]bool, len(a))
	for _, x := range a {
		have[x] = true
	}
	common := make([]int, 0, len(b))
	for _, x := range b {
		if have[x] {
			common = append(common, x)
		}
	}
	if len(common) == 0 {
		return 0, false
	}
	sort.Ints(common)
	return common[len(common)-1], true
}
