package bitmap

import "testing"

func TestBitmap128_SetIsSet(t *testing.T) {
	var b Bitmap128
	if b.IsSet(0) {
		t.Fatal("expected bit 0 clear on zero value")
	}
	b.SetFlag(0)
	b.SetFlag(63)
	b.SetFlag(64)
	b.SetFlag(127)

	for _, i := range []int{0, 63, 64, 127} {
		if !b.IsSet(i) {
			t.Fatalf("expected bit %d set", i)
		}
	}
	if b.IsSet(1) || b.IsSet(65) {
		t.Fatal("expected untouched bits clear")
	}
}

func TestBitmap128_UnsetFlagReportsAllClear(t *testing.T) {
	var b Bitmap128
	b.SetFlag(0)
	b.SetFlag(100)

	if all := b.UnsetFlag(0); all {
		t.Fatal("expected allClear=false with bit 100 still set")
	}
	if all := b.UnsetFlag(100); !all {
		t.Fatal("expected allClear=true after clearing the last set bit")
	}
}

func TestBitmap128_Reset(t *testing.T) {
	var b Bitmap128
	b.FrameNumber = 7
	b.SetFlag(5)
	b.SetFlag(70)
	b.Reset()
	if b.Low != 0 || b.High != 0 {
		t.Fatal("expected both words zero after Reset")
	}
	if b.FrameNumber != 7 {
		t.Fatal("Reset must not touch FrameNumber")
	}
}

func TestBitmap128_SetFlagsMerges(t *testing.T) {
	var a, b Bitmap128
	a.SetFlag(1)
	a.SetFlag(70)
	b.SetFlag(2)
	b.SetFlag(71)

	a.SetFlags(b)

	for _, i := range []int{1, 2, 70, 71} {
		if !a.IsSet(i) {
			t.Fatalf("expected bit %d set after merge", i)
		}
	}
}

func TestBitmap128_AllSet(t *testing.T) {
	var b Bitmap128
	if !b.AllSet(0) {
		t.Fatal("expected AllSet(0) true trivially")
	}
	if b.AllSet(3) {
		t.Fatal("expected AllSet(3) false on empty bitmap")
	}
	for i := 0; i < 3; i++ {
		b.SetFlag(i)
	}
	if !b.AllSet(3) {
		t.Fatal("expected AllSet(3) true after setting bits 0,1,2")
	}
	if b.AllSet(4) {
		t.Fatal("expected AllSet(4) false, bit 3 unset")
	}

	// cross the 64-bit boundary
	for i := 0; i < 70; i++ {
		b.SetFlag(i)
	}
	if !b.AllSet(70) {
		t.Fatal("expected AllSet(70) true after filling bits 0..69")
	}
	if b.AllSet(71) {
		t.Fatal("expected AllSet(71) false, bit 70 unset")
	}
}

func TestBitmap128_CountSet(t *testing.T) {
	var b Bitmap128
	for _, i := range []int{0, 10, 63, 64, 100, 127} {
		b.SetFlag(i)
	}
	if got := b.CountSet(128); got != 6 {
		t.Fatalf("expected 6 bits set, got %d", got)
	}
	if got := b.CountSet(64); got != 3 {
		t.Fatalf("expected 3 bits set in first 64, got %d", got)
	}
	if got := b.CountSet(0); got != 0 {
		t.Fatalf("expected 0 bits set in empty range, got %d", got)
	}
}

func TestBitmap128_AllSetClampsAboveMax(t *testing.T) {
	var b Bitmap128
	for i := 0; i < MaxFragments; i++ {
		b.SetFlag(i)
	}
	if !b.AllSet(200) {
		t.Fatal("expected AllSet to clamp n to MaxFragments")
	}
}
