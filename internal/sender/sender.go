// Package sender implements the reliable fragmented frame sender: it owns
// the transmit loop and ack loop goroutines, the selective-repeat bitmap
// state, and the public submission/lifecycle façade applications use.
package sender

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamforge/arsend/internal/bitmap"
	"github.com/streamforge/arsend/internal/frameio"
	"github.com/streamforge/arsend/internal/framequeue"
	"github.com/streamforge/arsend/internal/netmgr"
	"github.com/streamforge/arsend/internal/wire"
)

// FragmentSize is the MTU-minus-overhead payload carried by each fragment,
// excluding the 5-byte header.
const FragmentSize = 1000

// MaxFrameSize is the largest frame the sender accepts: 128 fragments worth.
const MaxFrameSize = bitmap.MaxFragments * FragmentSize

// efficiencyRingSize is the number of recently completed frames the
// efficiency ratio is computed over.
const efficiencyRingSize = 15

// ackReadTimeout bounds how long the ack loop blocks on a single read.
const ackReadTimeout = 1 * time.Second

var (
	ErrBadParameters = errors.New("sender: bad parameters")
	ErrFrameTooLarge = errors.New("sender: frame too large")
	ErrQueueFull     = framequeue.ErrQueueFull
	ErrBusy          = errors.New("sender: busy")
)

// Status is the terminal outcome delivered to the application callback for
// a submitted frame.
type Status int

const (
	FrameSent Status = iota
	FrameCancel
)

func (s Status) String() string {
	switch s {
	case FrameSent:
		return "sent"
	case FrameCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Callback is invoked exactly once per submitted frame (barring QueueFull
// rejections, which never enqueue). Frames still queued or in flight when
// Stop is called receive no callback. frameNumber identifies the submission
// this terminal notice belongs to — callers that need to key off-wire state
// by frame (e.g. internal/archive archiving a cancelled frame) use it rather
// than assuming a single well-known value.
type Callback func(status Status, frameNumber uint16, buf []byte)

// Options configures a Sender at construction time.
type Options struct {
	Callback        Callback
	QueueCapacity   int
	AckWaitDisabled bool
	RetriesDisabled bool
	Logger          *slog.Logger
	// Codec, if set, compresses frames above its threshold before
	// fragmentation. Nil disables compression entirely.
	Codec *frameio.Codec
}

// Sender is a single reliable fragmented-frame transmission stream over one
// NetworkManager. Two goroutines run for its lifetime: the transmit loop and
// the ack loop.
type Sender struct {
	manager  netmgr.NetworkManager
	callback Callback
	logger   *slog.Logger
	codec    *frameio.Codec

	queue *framequeue.Queue

	// ackMu guards currentFrame, ackBitmap, currentFrameNbFragments,
	// currentFrameCallbackPending, and the efficiency ring.
	ackMu                       sync.Mutex
	currentFrame                framequeue.FrameDescriptor
	currentFrameNbFragments     int
	currentFrameCallbackPending bool
	ackBitmap                   bitmap.Bitmap128

	effFragments [efficiencyRingSize]int
	effSent      [efficiencyRingSize]int
	effIndex     int

	// sendMu guards toSendBitmap. The per-frame send counter is atomic so
	// installFrame can read and reset it without taking sendMu.
	sendMu       sync.Mutex
	toSendBitmap bitmap.Bitmap128
	sendCounter  atomic.Int64

	// lastSendNanos is the wall-clock time (UnixNano) of the most recent
	// fragment handed to the network manager for the current frame. handleAck
	// uses it to turn an ack arrival into an RTT sample for
	// NetworkManager.RecordRTT, the same send-timestamp-to-pong-arrival shape
	// ControlChannel.updateRTT uses for its keep-alive RTT.
	lastSendNanos atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}

	wg sync.WaitGroup
}

// New allocates a Sender and starts its transmit and ack goroutines.
func New(manager netmgr.NetworkManager, opts Options) (*Sender, error) {
	if manager == nil || opts.Callback == nil {
		return nil, ErrBadParameters
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sender{
		manager:  manager,
		callback: opts.Callback,
		logger:   logger,
		codec:    opts.Codec,
		stopCh:   make(chan struct{}),
	}

	s.queue = framequeue.New(
		framequeue.Config{
			MaxQueue:        opts.QueueCapacity,
			AckWaitDisabled: opts.AckWaitDisabled,
			RetriesDisabled: opts.RetriesDisabled,
		},
		s.onQueueTerminal,
		s.previousFrameDone,
		manager,
	)

	s.wg.Add(2)
	go s.transmitLoop()
	go s.ackLoop()

	return s, nil
}

// onQueueTerminal adapts framequeue's Callback shape to the sender's Status type.
func (s *Sender) onQueueTerminal(status framequeue.FrameStatus, frameNumber uint16, buf []byte) {
	if status == framequeue.FrameCancel {
		s.callback(FrameCancel, frameNumber, buf)
	} else {
		s.callback(FrameSent, frameNumber, buf)
	}
}

// previousFrameDone reports whether the in-flight frame already received its
// terminal callback; framequeue consults this to decide queue-head readiness.
func (s *Sender) previousFrameDone() bool {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	return s.currentFrameCallbackPending == false
}

// Submit enqueues a frame for transmission. prevInQueue reports how many
// frames the caller is now behind.
func (s *Sender) Submit(buf []byte, flush bool) (prevInQueue int, err error) {
	if buf == nil || len(buf) == 0 {
		return 0, ErrBadParameters
	}
	if len(buf) > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}

	wireBuf, compressed := buf, false
	if s.codec != nil {
		var cerr error
		wireBuf, compressed, cerr = s.codec.Compress(buf)
		if cerr != nil {
			s.logger.Error("frame compression failed, sending uncompressed", "error", cerr)
			wireBuf, compressed = buf, false
		}
	}

	prev, err := s.queue.EnqueueWire(buf, wireBuf, compressed, flush)
	if err == framequeue.ErrQueueFull {
		return prev, ErrQueueFull
	}
	if err == framequeue.ErrClosed {
		return prev, ErrBusy
	}
	return prev, err
}

// Stop signals both worker goroutines to exit. Non-blocking and idempotent.
func (s *Sender) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.queue.Close()
	})
}

// Delete releases sender resources. Returns ErrBusy if Stop has not been
// called, or if either worker goroutine has not exited within 2 seconds of
// the Delete call.
func (s *Sender) Delete() error {
	select {
	case <-s.stopCh:
	default:
		return ErrBusy
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		return ErrBusy
	}
	return nil
}

// EstimatedEfficiency returns the ratio of fragments-needed to
// fragments-actually-sent over the last completed frames, in (0, 1].
func (s *Sender) EstimatedEfficiency() float64 {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()

	var total, sent int
	for i := 0; i < efficiencyRingSize; i++ {
		total += s.effFragments[i]
		sent += s.effSent[i]
	}
	if sent == 0 {
		return 1.0
	}
	if total > sent {
		s.logger.Error("efficiency ring corrupted: total exceeds sent", "total", total, "sent", sent)
		return 1.0
	}
	return float64(total) / float64(sent)
}

// QueueDepth reports how many frames are currently queued behind the
// in-flight frame. Used by internal/diagnostics for periodic reporting.
func (s *Sender) QueueDepth() int { return s.queue.Len() }

// DataBufferParams returns the BufferID the sender uses for outbound
// fragment data. It carries no other IO-buffer configuration.
func (s *Sender) DataBufferParams() netmgr.BufferID { return netmgr.DataBufferID }

// AckBufferParams returns the BufferID the sender reads inbound ack packets
// from. It carries no other IO-buffer configuration.
func (s *Sender) AckBufferParams() netmgr.BufferID { return netmgr.AckBufferID }

// transmitLoop is C3: it owns currentFrame and drives both new-frame
// installation and the selective-repeat retransmit pass.
func (s *Sender) transmitLoop() {
	defer s.wg.Done()

	scratch := make([]byte, wire.HeaderSize+FragmentSize)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		next, ok := s.queue.Dequeue()
		if ok {
			s.installFrame(next)
		}

		select {
		case <-s.stopCh:
			return
		default:
		}

		s.retransmitPass(scratch)
	}
}

// installFrame implements §4.3(b): replace currentFrame with next, cancelling
// it first if it never completed.
func (s *Sender) installFrame(next framequeue.FrameDescriptor) {
	sentForOutgoing := int(s.sendCounter.Swap(0))

	s.ackMu.Lock()

	s.effFragments[s.effIndex] = s.currentFrameNbFragments
	s.effSent[s.effIndex] = sentForOutgoing
	s.effIndex = (s.effIndex + 1) % efficiencyRingSize
	s.effFragments[s.effIndex] = 0
	s.effSent[s.effIndex] = 0

	wasPending := s.currentFrameCallbackPending
	prevBuf := s.currentFrame.Buffer
	prevFrameNumber := s.currentFrame.FrameNumber

	s.currentFrameCallbackPending = true
	s.currentFrame = next

	nbFragments := (len(next.WireBuffer) + FragmentSize - 1) / FragmentSize
	if nbFragments == 0 {
		nbFragments = 1
	}
	s.currentFrameNbFragments = nbFragments

	s.ackBitmap = bitmap.Bitmap128{FrameNumber: next.FrameNumber}

	s.ackMu.Unlock()

	s.sendMu.Lock()
	s.toSendBitmap = bitmap.Bitmap128{FrameNumber: next.FrameNumber}
	s.sendMu.Unlock()

	if wasPending {
		s.manager.FlushInputBuffer(netmgr.DataBufferID)
		s.callback(FrameCancel, prevFrameNumber, prevBuf)
	}
}

// retransmitPass implements §4.3(c): emit every fragment not yet
// peer-acknowledged.
func (s *Sender) retransmitPass(scratch []byte) {
	s.sendMu.Lock()
	s.ackMu.Lock()

	nbFragments := s.currentFrameNbFragments
	frameNumber := s.currentFrame.FrameNumber
	buf := s.currentFrame.WireBuffer
	flush := s.currentFrame.HighPriority
	compressed := s.currentFrame.Compressed

	s.toSendBitmap.Reset()
	for c := 0; c < nbFragments; c++ {
		if !s.ackBitmap.IsSet(c) {
			s.toSendBitmap.SetFlag(c)
		}
	}

	s.ackMu.Unlock()

	if len(buf) == 0 {
		s.sendMu.Unlock()
		return
	}

	for c := 0; c < nbFragments; c++ {
		if !s.toSendBitmap.IsSet(c) {
			continue
		}
		s.sendCounter.Add(1)

		start := c * FragmentSize
		end := start + FragmentSize
		if end > len(buf) {
			end = len(buf)
		}
		payload := buf[start:end]

		n := copy(scratch[wire.HeaderSize:], payload)
		hdr := wire.FragmentHeader{
			FrameNumber:       frameNumber,
			FragmentNumber:    byte(c),
			FragmentsPerFrame: byte(nbFragments),
		}
		if flush {
			hdr.Flags |= wire.FlagFlush
		}
		if compressed {
			hdr.Flags |= wire.FlagCompressed
		}
		if err := hdr.Encode(scratch[:wire.HeaderSize]); err != nil {
			s.logger.Error("encoding fragment header", "error", err)
			continue
		}

		data := make([]byte, wire.HeaderSize+n)
		copy(data, scratch[:wire.HeaderSize+n])

		fragIndex := c
		fn := frameNumber

		s.sendMu.Unlock()
		s.lastSendNanos.Store(time.Now().UnixNano())
		err := s.manager.Send(netmgr.DataBufferID, data, func(status netmgr.SendStatus) {
			s.onSendResult(fn, fragIndex, status)
		})
		s.sendMu.Lock()

		if err != nil {
			s.logger.Error("network send failed", "error", err, "frame", fn, "fragment", fragIndex)
		}
	}

	s.sendMu.Unlock()
}

// onSendResult is the network manager's send callback for one fragment.
func (s *Sender) onSendResult(frameNumber uint16, fragIndex int, status netmgr.SendStatus) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.toSendBitmap.FrameNumber != frameNumber {
		return // stale: belongs to a preempted frame
	}
	if status == netmgr.SendOK {
		if s.toSendBitmap.UnsetFlag(fragIndex) {
			s.logger.Debug("all fragments handed to network", "frame", frameNumber)
		}
	}
}

// ackLoop is C4: it consumes ack datagrams and merges them into ackBitmap.
func (s *Sender) ackLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		data, err := s.manager.ReadWithTimeout(netmgr.AckBufferID, ackReadTimeout)
		if err != nil {
			if !errors.Is(err, netmgr.ErrBufferEmpty) {
				s.logger.Error("ack read failed", "error", err)
			}
			continue
		}

		ack, err := wire.DecodeAckPacket(data)
		if err != nil {
			s.logger.Error("decoding ack packet", "error", err)
			continue
		}

		s.handleAck(ack)
	}
}

func (s *Sender) handleAck(ack wire.AckPacket) {
	s.ackMu.Lock()

	if ack.FrameNumber != s.ackBitmap.FrameNumber {
		s.ackMu.Unlock()
		return // stale
	}

	s.ackBitmap.SetFlags(ack.Bitmap())

	completed := s.currentFrameCallbackPending && s.ackBitmap.AllSet(s.currentFrameNbFragments)

	var buf []byte
	var frameNumber uint16
	if completed {
		s.currentFrameCallbackPending = false
		buf = s.currentFrame.Buffer
		frameNumber = s.currentFrame.FrameNumber
	}
	s.ackMu.Unlock()

	if sentAt := s.lastSendNanos.Load(); sentAt != 0 {
		if rtt := time.Since(time.Unix(0, sentAt)); rtt > 0 {
			s.manager.RecordRTT(rtt)
		}
	}

	if completed {
		s.callback(FrameSent, frameNumber, buf)
		s.queue.WakeWaiters()
	}
}

