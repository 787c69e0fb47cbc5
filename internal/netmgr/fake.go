package netmgr

import (
	"sync"
	"time"
)

// Fake is an in-memory NetworkManager for unit tests: Send appends to an
// internal log and reports SendOK immediately (or SendCancelled, if
// configured to simulate loss), and inbound datagrams are injected via
// Deliver rather than read from a real socket.
type Fake struct {
	mu sync.Mutex

	sent   []sentRecord
	inbox  chan []byte
	flushN int

	// DropSend, when non-nil, is consulted for each Send call; returning
	// true reports SendCancelled instead of SendOK.
	DropSend func(id BufferID, data []byte) bool

	latency    time.Duration
	latencySet bool

	rtts []time.Duration

	closed bool
}

type sentRecord struct {
	id   BufferID
	data []byte
}

// NewFake creates a ready-to-use Fake network manager.
func NewFake() *Fake {
	return &Fake{inbox: make(chan []byte, 256)}
}

// Send implements NetworkManager.
func (f *Fake) Send(id BufferID, data []byte, cb SendCallback) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	f.mu.Lock()
	f.sent = append(f.sent, sentRecord{id: id, data: cp})
	drop := f.DropSend != nil && f.DropSend(id, cp)
	f.mu.Unlock()

	if drop {
		cb(SendCancelled)
	} else {
		cb(SendOK)
	}
	return nil
}

// ReadWithTimeout implements NetworkManager.
func (f *Fake) ReadWithTimeout(id BufferID, timeout time.Duration) ([]byte, error) {
	if id != AckBufferID {
		time.Sleep(timeout)
		return nil, ErrBufferEmpty
	}
	select {
	case d := <-f.inbox:
		return d, nil
	case <-time.After(timeout):
		return nil, ErrBufferEmpty
	}
}

// FlushInputBuffer implements NetworkManager.
func (f *Fake) FlushInputBuffer(id BufferID) {
	f.mu.Lock()
	f.flushN++
	f.mu.Unlock()

	if id == AckBufferID {
		for {
			select {
			case <-f.inbox:
			default:
				return
			}
		}
	}
}

// EstimatedLatency implements NetworkManager.
func (f *Fake) EstimatedLatency() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latency, f.latencySet
}

// SetLatency configures the value EstimatedLatency reports.
func (f *Fake) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
	f.latencySet = true
}

// RecordRTT implements NetworkManager. The fake just records samples for
// tests to assert on; it does not feed EstimatedLatency (use SetLatency).
func (f *Fake) RecordRTT(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtts = append(f.rtts, d)
}

// RecordedRTTs returns a snapshot of every sample passed to RecordRTT.
func (f *Fake) RecordedRTTs() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.rtts))
	copy(out, f.rtts)
	return out
}

// Deliver injects an inbound ack datagram as if received from the peer.
func (f *Fake) Deliver(data []byte) {
	f.inbox <- data
}

// Sent returns a snapshot of every datagram handed to Send so far, for id.
func (f *Fake) Sent(id BufferID) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, r := range f.sent {
		if r.id == id {
			out = append(out, r.data)
		}
	}
	return out
}

// FlushCount reports how many times FlushInputBuffer has been called.
func (f *Fake) FlushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushN
}
