package frame

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestBufferSize(t *testing.T) {
	n, err := BufferSize(640, 480, 12)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 640*480*2)

	n, err = BufferSize(640, 480, 8)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 640*480)

	_, err = BufferSize(0, 480, 8)
	test.That(t, errors.Is(err, ErrInvalidSize), test.ShouldBeTrue)

	_, err = BufferSize(1<<20, 1<<20, 16)
	test.That(t, errors.Is(err, ErrInvalidSize), test.ShouldBeTrue)
}

func TestAllocate(t *testing.T) {
	p, err := Allocate(4, 16)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Len(), test.ShouldEqual, 4)
	test.That(t, p.BufferSize(), test.ShouldEqual, 16)
	test.That(t, p.Recycled().Len(), test.ShouldEqual, 4)
	test.That(t, p.Census(), test.ShouldResemble, Census{Recycled: 4})

	_, err = Allocate(0, 16)
	test.That(t, errors.Is(err, ErrInvalidSize), test.ShouldBeTrue)

	_, err = AllocateWithLimit(4, 1024, 1024)
	test.That(t, errors.Is(err, ErrResourceExhausted), test.ShouldBeTrue)
}

func TestAllocateHugeCount(t *testing.T) {
	// 1<<46 buffers of 256 KiB wrap a 64-bit byte total
	_, err := Allocate(1<<46, 1<<18)
	test.That(t, errors.Is(err, ErrResourceExhausted), test.ShouldBeTrue)

	_, err = AllocateWithLimit(MaxBufferCount+1, 1, 0)
	test.That(t, errors.Is(err, ErrResourceExhausted), test.ShouldBeTrue)

	_, err = AllocateWithLimit(math.MaxInt64/2, math.MaxInt64/2, DefaultMaxPoolBytes)
	test.That(t, errors.Is(err, ErrResourceExhausted), test.ShouldBeTrue)

	p, err := AllocateWithLimit(MaxBufferCount, 1, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Len(), test.ShouldEqual, MaxBufferCount)
}

func TestReleaseBusy(t *testing.T) {
	p, err := Allocate(2, 8)
	test.That(t, err, test.ShouldBeNil)

	b, ok := p.Recycled().Pop(Consumer)
	test.That(t, ok, test.ShouldBeTrue)

	err = p.Release()
	test.That(t, errors.Is(err, ErrResourceBusy), test.ShouldBeTrue)
	test.That(t, p.Released(), test.ShouldBeFalse)

	test.That(t, p.Return(b), test.ShouldBeNil)
	test.That(t, p.Release(), test.ShouldBeNil)
	test.That(t, p.Released(), test.ShouldBeTrue)
	test.That(t, errors.Is(p.Release(), ErrPoolReleased), test.ShouldBeTrue)
}

func TestQueueFIFO(t *testing.T) {
	p, err := Allocate(3, 8)
	test.That(t, err, test.ShouldBeNil)

	all := p.Recycled().Drain(InFlight)
	test.That(t, all, test.ShouldHaveLength, 3)
	for _, b := range all {
		test.That(t, b.Location(), test.ShouldEqual, InFlight)
		test.That(t, p.InFlight().Push(b, InFlight), test.ShouldBeNil)
	}
	test.That(t, p.InFlight().ids(), test.ShouldResemble, []int{0, 1, 2})

	id, ok := p.InFlight().Peek()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, id, test.ShouldEqual, 0)

	test.That(t, p.InFlight().PopIf(all[1], Completed), test.ShouldBeFalse)
	test.That(t, p.InFlight().PopIf(all[0], Completed), test.ShouldBeTrue)
	test.That(t, all[0].Location(), test.ShouldEqual, Completed)
}

func TestPushRefusesSecondOwner(t *testing.T) {
	p, err := Allocate(1, 8)
	test.That(t, err, test.ShouldBeNil)

	b, ok := p.Recycled().Pop(Consumer)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, p.Return(b), test.ShouldBeNil)

	// a second release of the same buffer must not duplicate it
	err = p.Return(b)
	test.That(t, errors.Is(err, ErrOwnership), test.ShouldBeTrue)
	test.That(t, p.Recycled().Len(), test.ShouldEqual, 1)

	other, err := Allocate(1, 8)
	test.That(t, err, test.ShouldBeNil)
	ob, _ := other.Recycled().Pop(Consumer)
	test.That(t, errors.Is(p.Return(ob), ErrOwnership), test.ShouldBeTrue)
}

func TestReadySignal(t *testing.T) {
	p, err := Allocate(1, 8)
	test.That(t, err, test.ShouldBeNil)

	b, _ := p.Recycled().Pop(Consumer)
	select {
	case <-p.Recycled().Ready():
		t.Fatal("unexpected ready signal")
	default:
	}
	test.That(t, p.Return(b), test.ShouldBeNil)
	select {
	case <-p.Recycled().Ready():
	default:
		t.Fatal("missing ready signal")
	}
}

// TestConservationUnderContention moves buffers around concurrently and checks
// that the queues still hold every buffer exactly once.
func TestConservationUnderContention(t *testing.T) {
	p, err := Allocate(8, 8)
	test.That(t, err, test.ShouldBeNil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if b, ok := p.Recycled().Pop(InFlight); ok {
					if err := p.InFlight().Push(b, InFlight); err != nil {
						t.Error(err)
						return
					}
				}
				if b, ok := p.InFlight().Pop(Completed); ok {
					if err := p.Completed().Push(b, Completed); err != nil {
						t.Error(err)
						return
					}
				}
				if b, ok := p.Take(); ok {
					if err := p.Return(b); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	// every buffer must be in exactly the queue its location names
	c := p.Census()
	test.That(t, p.Recycled().Len()+p.InFlight().Len()+p.Completed().Len(), test.ShouldEqual, 8)
	test.That(t, c.Recycled, test.ShouldEqual, p.Recycled().Len())
	test.That(t, c.InFlight, test.ShouldEqual, p.InFlight().Len())
	test.That(t, c.Completed, test.ShouldEqual, p.Completed().Len())
	test.That(t, c.Consumer, test.ShouldEqual, 0)
}

func TestInfoOf(t *testing.T) {
	p, err := Allocate(1, 16)
	test.That(t, err, test.ShouldBeNil)
	b, _ := p.Recycled().Pop(Consumer)
	b.Width, b.Height, b.BitsPerPixel = 2, 2, 16
	b.Sequence = 7
	test.That(t, b.Bytes(), test.ShouldHaveLength, 8)

	info := InfoOf("s", b)
	test.That(t, info.Sequence, test.ShouldEqual, uint64(7))
	test.That(t, info.Session, test.ShouldEqual, "s")
	test.That(t, info.ReadoutLatency, test.ShouldEqual, time.Duration(0))
	test.That(t, StatusCancelled.Code(), test.ShouldEqual, byte('C'))
}
