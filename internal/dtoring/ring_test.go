package dtoring

import (
	"sync"
	"testing"
)

func TestPushPopOrderPerProducer(t *testing.T) {
	r := New(8, 16)
	for i := byte(0); i < 5; i++ {
		if err := r.Push([]byte{i}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	for i := byte(0); i < 5; i++ {
		got, ok := r.Pop()
		if !ok {
			t.Fatalf("Pop: expected a frame at i=%d", i)
		}
		if got[0] != i {
			t.Fatalf("expected frame %d, got %d", i, got[0])
		}
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("expected ring to be empty")
	}
}

func TestCapacityRoundsUpToPowerOfTwo(t *testing.T) {
	r := New(5, 4)
	if r.Cap() != 8 {
		t.Fatalf("expected capacity 8, got %d", r.Cap())
	}
}

// TestOverflowDropsAndCountsLoss mirrors spec testable property 6: pushing
// past capacity drops frames and increments Lost rather than blocking.
func TestOverflowDropsAndCountsLoss(t *testing.T) {
	r := New(4, 4) // capacity 4
	for i := 0; i < 4; i++ {
		if err := r.Push([]byte{byte(i)}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := r.Push([]byte{9}); err != nil {
		t.Fatalf("Push overflow: %v", err)
	}
	if err := r.Push([]byte{10}); err != nil {
		t.Fatalf("Push overflow: %v", err)
	}
	if got := r.Lost(); got != 2 {
		t.Fatalf("expected Lost()=2, got %d", got)
	}

	// The four original frames must still be intact and in order.
	for i := 0; i < 4; i++ {
		got, ok := r.Pop()
		if !ok || got[0] != byte(i) {
			t.Fatalf("frame %d: ok=%v got=%v", i, ok, got)
		}
	}
}

func TestPushRejectsOversizedFrame(t *testing.T) {
	r := New(4, 2)
	err := r.Push([]byte{1, 2, 3})
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

// TestConcurrentProducersNoCorruption drives many producer goroutines and
// checks every popped frame is intact (no torn/mixed payloads) and the
// total delivered+lost equals total pushed.
func TestConcurrentProducersNoCorruption(t *testing.T) {
	r := New(64, 8)
	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				frame := []byte{byte(p), byte(i), byte(i >> 8)}
				_ = r.Push(frame)
			}
		}(p)
	}

	done := make(chan struct{})
	result := make(chan int)
	go func() {
		delivered := 0
		for {
			select {
			case <-done:
				delivered += len(r.Drain())
				result <- delivered
				return
			default:
				delivered += len(r.Drain())
			}
		}
	}()

	wg.Wait()
	close(done)
	delivered := <-result

	total := producers * perProducer
	if uint64(delivered)+r.Lost() != uint64(total) {
		t.Fatalf("delivered(%d) + lost(%d) != total(%d)", delivered, r.Lost(), total)
	}
}
