// Package clientmetrics counts transport-level activity of protocol guns.
package clientmetrics

import (
	"sync/atomic"
	"time"
)

// ClientMetrics tracks connections, frames or messages and bytes. All
// methods are safe for concurrent use.
type ClientMetrics struct {
	connects     atomic.Int64
	connectNanos atomic.Int64
	messagesSent atomic.Int64
	messagesRecv atomic.Int64
	bytesSent    atomic.Int64
	bytesRecv    atomic.Int64
	errors       atomic.Int64
}

// New creates a new ClientMetrics instance.
func New() *ClientMetrics {
	return &ClientMetrics{}
}

// RecordConnect counts an established connection and its setup time.
func (m *ClientMetrics) RecordConnect(d time.Duration) {
	m.connects.Add(1)
	m.connectNanos.Add(int64(d))
}

// IncrementSent counts one outbound message of n bytes.
func (m *ClientMetrics) IncrementSent(n int64) {
	m.messagesSent.Add(1)
	m.bytesSent.Add(n)
}

// IncrementReceived counts one inbound message of n bytes.
func (m *ClientMetrics) IncrementReceived(n int64) {
	m.messagesRecv.Add(1)
	m.bytesRecv.Add(n)
}

// IncrementErrors increments the error counter.
func (m *ClientMetrics) IncrementErrors() {
	m.errors.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Connects         int64         `json:"connects"`
	AvgConnect       time.Duration `json:"avg_connect_ns"`
	MessagesSent     int64         `json:"messages_sent"`
	MessagesReceived int64         `json:"messages_received"`
	BytesSent        int64         `json:"bytes_sent"`
	BytesReceived    int64         `json:"bytes_received"`
	Errors           int64         `json:"errors"`
}

// Snapshot returns the current counters.
func (m *ClientMetrics) Snapshot() Snapshot {
	s := Snapshot{
		Connects:         m.connects.Load(),
		MessagesSent:     m.messagesSent.Load(),
		MessagesReceived: m.messagesRecv.Load(),
		BytesSent:        m.bytesSent.Load(),
		BytesReceived:    m.bytesRecv.Load(),
		Errors:           m.errors.Load(),
	}
	if s.Connects > 0 {
		s.AvgConnect = time.Duration(m.connectNanos.Load() / s.Connects)
	}
	return s
}

// Map flattens the snapshot for reports.
func (s Snapshot) Map() map[string]int64 {
	return map[string]int64{
		"connects":          s.Connects,
		"avg_connect_us":    s.AvgConnect.Microseconds(),
		"messages_sent":     s.MessagesSent,
		"messages_received": s.MessagesReceived,
		"bytes_sent":        s.BytesSent,
		"bytes_received":    s.BytesReceived,
		"errors":            s.Errors,
	}
}

// Reporter is implemented by guns that expose transport counters.
type Reporter interface {
	ClientMetrics() Snapshot
}
