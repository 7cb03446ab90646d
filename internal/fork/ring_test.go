package fork

import (
	"sync"
	"testing"

	"github.com/kestrelvoice/kestrel/pkg/audio"
)

func testFormat() audio.Format {
	return audio.DefaultFormat()
}

func TestRingDropOldest(t *testing.T) {
	r := NewRing(3, testFormat())

	labels := []string{"A", "B", "C", "D", "E"}
	for i, l := range labels {
		clean := r.Push("sess", []byte(l))
		wantClean := i < 3
		if clean != wantClean {
			t.Errorf("push %s: clean = %v, want %v", l, clean, wantClean)
		}
	}

	var got []string
	for {
		f, ok := r.Pop()
		if !ok {
			break
		}
		got = append(got, string(f.Data))
	}
	want := []string{"C", "D", "E"}
	if len(got) != len(want) {
		t.Fatalf("popped %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pop[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	m := r.Metrics()
	if m.FramesReceived != 5 {
		t.Errorf("received = %d, want 5", m.FramesReceived)
	}
	if m.FramesDropped != 2 {
		t.Errorf("dropped = %d, want 2", m.FramesDropped)
	}
	if m.OverflowEvents != 2 {
		t.Errorf("overflow events = %d, want 2", m.OverflowEvents)
	}
	if m.LastOverflow.IsZero() {
		t.Error("last overflow timestamp not recorded")
	}
}

func TestRingPeekDoesNotConsume(t *testing.T) {
	r := NewRing(4, testFormat())
	if _, ok := r.Peek(); ok {
		t.Error("peek on empty ring should report nothing")
	}
	r.Push("sess", []byte("A"))
	r.Push("sess", []byte("B"))

	f, ok := r.Peek()
	if !ok || string(f.Data) != "A" {
		t.Fatalf("peek = (%q, %v), want (A, true)", f.Data, ok)
	}
	if r.Len() != 2 {
		t.Errorf("len after peek = %d, want 2", r.Len())
	}
	f, _ = r.Pop()
	if string(f.Data) != "A" {
		t.Errorf("pop after peek = %q, want A", f.Data)
	}
}

func TestRingClear(t *testing.T) {
	r := NewRing(4, testFormat())
	for range 3 {
		r.Push("sess", make([]byte, 320))
	}
	if n := r.Clear(); n != 3 {
		t.Errorf("Clear = %d, want 3", n)
	}
	if r.Len() != 0 {
		t.Errorf("len after clear = %d, want 0", r.Len())
	}
	if m := r.Metrics(); m.BytesBuffered != 0 {
		t.Errorf("bytes after clear = %d, want 0", m.BytesBuffered)
	}
}

func TestRingOccupancy(t *testing.T) {
	r := NewRing(4, testFormat())
	frame := make([]byte, 320) // one 20 ms frame at 8 kHz s16le
	r.Push("sess", frame)
	r.Push("sess", frame)

	if got := r.SizeMs(); got != 40 {
		t.Errorf("SizeMs = %d, want 40", got)
	}
	if got := r.FillRatio(); got != 0.5 {
		t.Errorf("FillRatio = %f, want 0.5", got)
	}
	m := r.Metrics()
	if m.BytesBuffered != 640 {
		t.Errorf("bytes = %d, want 640", m.BytesBuffered)
	}
	if m.PeakBytes != 640 {
		t.Errorf("peak = %d, want 640", m.PeakBytes)
	}

	r.Pop()
	if m := r.Metrics(); m.PeakBytes != 640 {
		t.Errorf("peak after pop = %d, want 640", m.PeakBytes)
	}
}

func TestRingSequenceNumbersIncrease(t *testing.T) {
	r := NewRing(8, testFormat())
	for range 5 {
		r.Push("sess", []byte{0})
	}
	var last uint64
	for {
		f, ok := r.Pop()
		if !ok {
			break
		}
		if f.Seq <= last {
			t.Fatalf("seq %d not greater than previous %d", f.Seq, last)
		}
		last = f.Seq
	}
}

func TestRingConcurrentPushPop(t *testing.T) {
	r := NewRing(16, testFormat())
	const frames = 2000

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range frames {
			r.Push("sess", []byte{1, 2})
		}
	}()
	popped := 0
	go func() {
		defer wg.Done()
		for popped < frames {
			f, ok := r.Pop()
			if !ok {
				m := r.Metrics()
				if m.FramesReceived == frames && r.Len() == 0 {
					return
				}
				continue
			}
			if len(f.Data) != 2 {
				t.Errorf("corrupt frame: %v", f.Data)
				return
			}
			popped++
		}
	}()
	wg.Wait()

	m := r.Metrics()
	if got := uint64(popped) + m.FramesDropped; got != m.FramesReceived {
		t.Errorf("popped(%d) + dropped(%d) = %d, want received %d",
			popped, m.FramesDropped, got, m.FramesReceived)
	}
}
