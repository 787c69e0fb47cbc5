package sender

import (
	"sync"
	"testing"
	"time"

	"github.com/streamforge/arsend/internal/netmgr"
	"github.com/streamforge/arsend/internal/wire"
)

type terminalRecorder struct {
	mu        sync.Mutex
	statues   []Status
	bufs      [][]byte
	frameNums []uint16
}

func (r *terminalRecorder) cb(status Status, frameNumber uint16, buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statues = append(r.statues, status)
	r.bufs = append(r.bufs, buf)
	r.frameNums = append(r.frameNums, frameNumber)
}

func (r *terminalRecorder) waitForCount(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		got := len(r.statues)
		r.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d terminal callbacks", n)
}

func (r *terminalRecorder) snapshot() ([]Status, [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := make([]Status, len(r.statues))
	copy(st, r.statues)
	bf := make([][]byte, len(r.bufs))
	copy(bf, r.bufs)
	return st, bf
}

func (r *terminalRecorder) frameNumbers() []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint16, len(r.frameNums))
	copy(out, r.frameNums)
	return out
}

// deliverFullAck builds an ack with fragments 0..nbFragments-1 set for the
// given frame number and delivers it to the fake's ack buffer.
func deliverFullAck(fake *netmgr.Fake, frameNumber uint16, nbFragments int) {
	ack := wire.AckPacket{FrameNumber: frameNumber}
	for c := 0; c < nbFragments; c++ {
		b := ack.Bitmap()
		b.SetFlag(c)
		ack = wire.AckPacketFromBitmap(b)
	}
	buf := make([]byte, wire.AckPacketSize)
	ack.Encode(buf)
	fake.Deliver(buf)
}

func TestSender_HappyPath(t *testing.T) {
	fake := netmgr.NewFake()
	rec := &terminalRecorder{}

	s, err := New(fake, Options{Callback: rec.cb, QueueCapacity: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		s.Stop()
		s.Delete()
	}()

	frame := make([]byte, 2500) // 3 fragments: 1000, 1000, 500
	if _, err := s.Submit(frame, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Wait until all 3 fragments have been sent at least once.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(fake.Sent(netmgr.DataBufferID)) < 3 {
		time.Sleep(2 * time.Millisecond)
	}
	if got := len(fake.Sent(netmgr.DataBufferID)); got != 3 {
		t.Fatalf("expected 3 fragments sent, got %d", got)
	}

	deliverFullAck(fake, 0, 3)

	rec.waitForCount(t, 1, time.Second)
	statuses, _ := rec.snapshot()
	if statuses[0] != FrameSent {
		t.Fatalf("expected FrameSent, got %v", statuses[0])
	}

	if eff := s.EstimatedEfficiency(); eff != 1.0 {
		// efficiency reflects only frames that have been *replaced*; the
		// first (and only) frame hasn't rotated into the ring yet.
		t.Logf("efficiency before rotation: %v (expected 1.0 default)", eff)
	}
}

func TestSender_SelectiveRetransmission(t *testing.T) {
	fake := netmgr.NewFake()
	rec := &terminalRecorder{}

	s, err := New(fake, Options{Callback: rec.cb, QueueCapacity: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		s.Stop()
		s.Delete()
	}()

	frame := make([]byte, 3000) // 3 fragments of 1000 bytes
	if _, err := s.Submit(frame, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Wait for first pass (3 fragments).
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(fake.Sent(netmgr.DataBufferID)) < 3 {
		time.Sleep(2 * time.Millisecond)
	}

	// Ack only fragment 1.
	b := wire.AckPacket{FrameNumber: 0}.Bitmap()
	b.SetFlag(1)
	ackBuf := make([]byte, wire.AckPacketSize)
	wire.AckPacketFromBitmap(b).Encode(ackBuf)
	fake.Deliver(ackBuf)

	// Wait for a retransmit pass to bring total sends to 5 (3 + 2 retried).
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(fake.Sent(netmgr.DataBufferID)) < 5 {
		time.Sleep(2 * time.Millisecond)
	}
	if got := len(fake.Sent(netmgr.DataBufferID)); got != 5 {
		t.Fatalf("expected 5 total sends after one retry pass, got %d", got)
	}

	// Now ack 0 and 2 as well to complete the frame.
	bAll := wire.AckPacket{FrameNumber: 0}.Bitmap()
	bAll.SetFlag(0)
	bAll.SetFlag(2)
	ackBuf2 := make([]byte, wire.AckPacketSize)
	wire.AckPacketFromBitmap(bAll).Encode(ackBuf2)
	fake.Deliver(ackBuf2)

	rec.waitForCount(t, 1, time.Second)

	// Submit a second, tiny frame to rotate the efficiency ring and read
	// back the first frame's recorded ratio.
	if _, err := s.Submit(make([]byte, 10), false); err != nil {
		t.Fatalf("Submit second frame: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	eff := s.EstimatedEfficiency()
	if eff <= 0 || eff > 1.0 {
		t.Fatalf("expected efficiency in (0,1], got %v", eff)
	}
}

func TestSender_FlushPreemption(t *testing.T) {
	fake := netmgr.NewFake()
	// Never deliver acks; frames A, B, C remain unacknowledged.
	rec := &terminalRecorder{}

	s, err := New(fake, Options{Callback: rec.cb, QueueCapacity: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		s.Stop()
		s.Delete()
	}()

	a := []byte("AAAA")
	b := []byte("BBBB")
	c := []byte("CCCC")
	d := []byte("DDDD")

	if _, err := s.Submit(a, false); err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	// Give the transmit loop a moment to dequeue and install A as current.
	time.Sleep(20 * time.Millisecond)

	if _, err := s.Submit(b, false); err != nil {
		t.Fatalf("Submit b: %v", err)
	}
	if _, err := s.Submit(c, false); err != nil {
		t.Fatalf("Submit c: %v", err)
	}
	if _, err := s.Submit(d, true); err != nil {
		t.Fatalf("Submit d (flush): %v", err)
	}

	// Expect CANCEL(B), CANCEL(C) immediately (queue flush), then CANCEL(A)
	// once D is dequeued and replaces the in-flight frame.
	rec.waitForCount(t, 3, time.Second)
	statuses, bufs := rec.snapshot()
	for _, st := range statuses {
		if st != FrameCancel {
			t.Fatalf("expected only CANCEL callbacks so far, got %v", st)
		}
	}
	if string(bufs[0]) != "BBBB" || string(bufs[1]) != "CCCC" {
		t.Fatalf("expected cancel order B,C then A, got %q %q %q", bufs[0], bufs[1], safeThird(bufs))
	}

	// B and C were cancelled in the same flush and could easily land in the
	// same wall-clock millisecond; the only thing that tells them apart for
	// a caller like internal/archive is the frame number threaded through
	// the callback.
	frameNums := rec.frameNumbers()
	if len(frameNums) < 2 || frameNums[0] == frameNums[1] {
		t.Fatalf("expected distinct frame numbers for B and C, got %v", frameNums)
	}
}

func safeThird(bufs [][]byte) []byte {
	if len(bufs) < 3 {
		return nil
	}
	return bufs[2]
}

func TestSender_QueueFull(t *testing.T) {
	fake := netmgr.NewFake()
	rec := &terminalRecorder{}

	s, err := New(fake, Options{Callback: rec.cb, QueueCapacity: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		s.Stop()
		s.Delete()
	}()

	s.Submit([]byte("a"), false)
	s.Submit([]byte("b"), false)
	if _, err := s.Submit([]byte("c"), false); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestSender_OversizedFrame(t *testing.T) {
	fake := netmgr.NewFake()
	s, err := New(fake, Options{Callback: func(Status, uint16, []byte) {}, QueueCapacity: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		s.Stop()
		s.Delete()
	}()

	if _, err := s.Submit(make([]byte, MaxFrameSize+1), false); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestSender_StaleAckDiscarded(t *testing.T) {
	fake := netmgr.NewFake()
	rec := &terminalRecorder{}

	s, err := New(fake, Options{Callback: rec.cb, QueueCapacity: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		s.Stop()
		s.Delete()
	}()

	frame1 := make([]byte, 2000) // 2 fragments
	s.Submit(frame1, false)
	time.Sleep(20 * time.Millisecond)

	// Flush-submit frame #2 before any ack for #1 arrives.
	s.Submit(make([]byte, 10), true)
	rec.waitForCount(t, 1, time.Second) // CANCEL(#1)

	// Now deliver a stale full ack for frame #1.
	deliverFullAck(fake, 0, 2)
	time.Sleep(30 * time.Millisecond)

	statuses, _ := rec.snapshot()
	if len(statuses) != 1 || statuses[0] != FrameCancel {
		t.Fatalf("expected exactly one CANCEL and no spurious FrameSent, got %v", statuses)
	}
}

func TestSender_AckFeedsRTTToNetworkManager(t *testing.T) {
	fake := netmgr.NewFake()
	rec := &terminalRecorder{}

	s, err := New(fake, Options{Callback: rec.cb, QueueCapacity: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		s.Stop()
		s.Delete()
	}()

	frame := make([]byte, 500) // 1 fragment
	if _, err := s.Submit(frame, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(fake.Sent(netmgr.DataBufferID)) < 1 {
		time.Sleep(2 * time.Millisecond)
	}

	deliverFullAck(fake, 0, 1)
	rec.waitForCount(t, 1, time.Second)

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(fake.RecordedRTTs()) < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	rtts := fake.RecordedRTTs()
	if len(rtts) == 0 {
		t.Fatal("expected handleAck to report at least one RTT sample to the network manager")
	}
	if rtts[0] <= 0 {
		t.Fatalf("expected a positive RTT sample, got %v", rtts[0])
	}
}

func TestSender_New_BadParameters(t *testing.T) {
	if _, err := New(nil, Options{Callback: func(Status, uint16, []byte) {}}); err != ErrBadParameters {
		t.Fatalf("expected ErrBadParameters for nil manager, got %v", err)
	}
	if _, err := New(netmgr.NewFake(), Options{}); err != ErrBadParameters {
		t.Fatalf("expected ErrBadParameters for nil callback, got %v", err)
	}
}

func TestSender_DeleteRefusesWhileRunning(t *testing.T) {
	s, err := New(netmgr.NewFake(), Options{Callback: func(Status, uint16, []byte) {}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Delete(); err != ErrBusy {
		t.Fatalf("expected ErrBusy before Stop, got %v", err)
	}
	s.Stop()
	if err := s.Delete(); err != nil {
		t.Fatalf("Delete after Stop: %v", err)
	}
}
