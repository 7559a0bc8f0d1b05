package peerwire

import (
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// ConnectionStatus is one row of a Status report.
type ConnectionStatus struct {
	ConnectionID ConnectionID   `json:"connectionId"`
	Peer         string         `json:"peer"`
	Type         ConnectionType `json:"type"`
	State        string         `json:"state"`
	Outbound     bool           `json:"outbound"`
	Buffered     int            `json:"buffered"`
	Age          string         `json:"age"`
	Versions     string         `json:"versions,omitempty"`
}

// Status is a point in time view of a manager, for operators.
type Status struct {
	Local       string             `json:"local"`
	Address     string             `json:"address,omitempty"`
	Stopped     bool               `json:"stopped"`
	Connections []ConnectionStatus `json:"connections"`
}

func (m *ConnectionManager) Status() *Status {
	st := &Status{Local: m.local.ID.String()}
	if m.local.WebSocket != nil {
		st.Address = m.local.WebSocket.URL()
	}
	m.mut.Lock()
	st.Stopped = m.stopped
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mut.Unlock()

	now := time.Now()
	for _, c := range conns {
		cs := ConnectionStatus{
			ConnectionID: c.id,
			Type:         c.typ,
			State:        c.State().String(),
			Outbound:     c.IsOutbound(),
			Buffered:     c.Buffered(),
			Age:          now.Sub(c.created).Truncate(time.Millisecond).String(),
		}
		if r := c.Remote(); r != nil {
			cs.Peer = r.ID.String()
			if v, ok := m.versions.Get(r.ID); ok {
				cs.Versions = v.String()
			}
		}
		st.Connections = append(st.Connections, cs)
	}
	sort.Slice(st.Connections, func(i, j int) bool {
		return st.Connections[i].Peer < st.Connections[j].Peer
	})
	return st
}

// StatusJSON renders Status as indented JSON.
func (m *ConnectionManager) StatusJSON() ([]byte, error) {
	return json.MarshalIndent(m.Status(), "", "  ")
}
