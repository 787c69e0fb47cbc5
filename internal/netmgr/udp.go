package netmgr

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ewmaAlpha is the smoothing factor for the round-trip latency estimate,
// matching the EWMA the control channel uses for its own RTT tracking.
const ewmaAlpha = 0.25

// sendQueueDepth bounds how many fragments may be queued for transmission
// before Send blocks; this is the Go-channel analogue of the network
// manager's "outbound IO buffer" that FlushInputBuffer(DataBufferID) drains.
const sendQueueDepth = 256

// ackQueueDepth bounds the number of unread ack datagrams buffered between
// the UDP reader goroutine and ReadWithTimeout callers.
const ackQueueDepth = 64

type sendJob struct {
	data []byte
	cb   SendCallback
}

// UDPManager is a concrete NetworkManager over a single connected UDP
// socket, with optional DSCP marking and send-rate pacing.
type UDPManager struct {
	conn *net.UDPConn

	sendCh chan sendJob
	ackCh  chan []byte

	limiter *rate.Limiter

	rttNanos   atomic.Int64
	rttSampled atomic.Bool

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// Options configures a UDPManager.
type Options struct {
	// DSCP is a code point name (e.g. "EF", "AF41"); empty disables marking.
	DSCP string
	// MaxBytesPerSec paces outbound sends via a token bucket; <=0 disables pacing.
	MaxBytesPerSec int64
	// ReadBufferSize bounds the largest single inbound datagram accepted.
	ReadBufferSize int
}

// Dial opens a UDP socket connected to peerAddr and starts its background
// send and receive goroutines.
func Dial(localAddr, peerAddr string, opts Options) (*UDPManager, error) {
	var laddr *net.UDPAddr
	if localAddr != "" {
		var err error
		laddr, err = net.ResolveUDPAddr("udp", localAddr)
		if err != nil {
			return nil, fmt.Errorf("netmgr: resolving local addr: %w", err)
		}
	}
	raddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("netmgr: resolving peer addr: %w", err)
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("netmgr: dialing udp: %w", err)
	}

	if opts.DSCP != "" {
		dscp, err := ParseDSCP(opts.DSCP)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := ApplyDSCP(conn, dscp); err != nil {
			conn.Close()
			return nil, err
		}
	}

	readBuf := opts.ReadBufferSize
	if readBuf <= 0 {
		readBuf = 2048
	}

	m := &UDPManager{
		conn:   conn,
		sendCh: make(chan sendJob, sendQueueDepth),
		ackCh:  make(chan []byte, ackQueueDepth),
		stopCh: make(chan struct{}),
	}
	if opts.MaxBytesPerSec > 0 {
		burst := int(opts.MaxBytesPerSec)
		if burst > maxBurstSize {
			burst = maxBurstSize
		}
		m.limiter = rate.NewLimiter(rate.Limit(opts.MaxBytesPerSec), burst)
	}

	m.wg.Add(2)
	go m.sendLoop()
	go m.readLoop(readBuf)

	return m, nil
}

// maxBurstSize caps the pacing token bucket's burst, mirroring the agent's
// ThrottledWriter so a large frame can't reserve an unbounded burst.
const maxBurstSize = 256 * 1024

func (m *UDPManager) sendLoop() {
	defer m.wg.Done()
	for {
		select {
		case job, ok := <-m.sendCh:
			if !ok {
				return
			}
			if m.limiter != nil {
				if err := m.limiter.WaitN(context.Background(), len(job.data)); err != nil {
					job.cb(SendCancelled)
					continue
				}
			}
			_, err := m.conn.Write(job.data)
			if err != nil {
				job.cb(SendCancelled)
				continue
			}
			job.cb(SendOK)
		case <-m.stopCh:
			return
		}
	}
}

func (m *UDPManager) readLoop(bufSize int) {
	defer m.wg.Done()
	buf := make([]byte, bufSize)
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		m.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := m.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		select {
		case m.ackCh <- datagram:
		default:
			// Ack channel full: drop the oldest to make room rather than block
			// the reader, matching the sender's tolerance for ack loss.
			select {
			case <-m.ackCh:
			default:
			}
			select {
			case m.ackCh <- datagram:
			default:
			}
		}
	}
}

// Send implements NetworkManager.
func (m *UDPManager) Send(id BufferID, data []byte, cb SendCallback) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case m.sendCh <- sendJob{data: cp, cb: cb}:
		return nil
	case <-m.stopCh:
		return fmt.Errorf("netmgr: manager closed")
	}
}

// ReadWithTimeout implements NetworkManager. Only AckBufferID yields data;
// DataBufferID is outbound-only and always times out.
func (m *UDPManager) ReadWithTimeout(id BufferID, timeout time.Duration) ([]byte, error) {
	if id != AckBufferID {
		time.Sleep(timeout)
		return nil, ErrBufferEmpty
	}
	select {
	case d := <-m.ackCh:
		return d, nil
	case <-time.After(timeout):
		return nil, ErrBufferEmpty
	case <-m.stopCh:
		return nil, ErrBufferEmpty
	}
}

// FlushInputBuffer implements NetworkManager.
func (m *UDPManager) FlushInputBuffer(id BufferID) {
	switch id {
	case DataBufferID:
		for {
			select {
			case job := <-m.sendCh:
				job.cb(SendCancelled)
			default:
				return
			}
		}
	case AckBufferID:
		for {
			select {
			case <-m.ackCh:
			default:
				return
			}
		}
	}
}

// EstimatedLatency implements NetworkManager.
func (m *UDPManager) EstimatedLatency() (time.Duration, bool) {
	if !m.rttSampled.Load() {
		return 0, false
	}
	// The manager observes round-trip latency; the one-way estimate the
	// retry cadence wants is half of it.
	return time.Duration(m.rttNanos.Load() / 2), true
}

// RecordRTT folds a freshly measured round-trip sample into the EWMA latency
// estimate, the same smoothing ControlChannel applies to keep-alive RTTs.
func (m *UDPManager) RecordRTT(d time.Duration) {
	for {
		old := m.rttNanos.Load()
		var next int64
		if !m.rttSampled.Load() {
			next = d.Nanoseconds()
		} else {
			next = int64(ewmaAlpha*float64(d.Nanoseconds()) + (1-ewmaAlpha)*float64(old))
		}
		if m.rttNanos.CompareAndSwap(old, next) {
			m.rttSampled.Store(true)
			return
		}
	}
}

// Close stops the background goroutines and closes the underlying socket.
func (m *UDPManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopCh)
		err = m.conn.Close()
		m.wg.Wait()
	})
	return err
}
