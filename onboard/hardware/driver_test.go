package hardware

import (
	"bytes"
	"errors"
	. "github.com/smartystreets/goconvey/convey"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/CodedInternet/simpos/onboard/broadcast"
	deverrors "github.com/CodedInternet/simpos/onboard/errors"
)

// testPort is an in-memory serial port. Bytes pushed with feed come out of Read, everything written is recorded.
type testPort struct {
	incoming chan []byte
	pending  []byte
	timeout  time.Duration
	closed   chan struct{}
	once     sync.Once

	failReads int

	lock       sync.Mutex
	written    bytes.Buffer
	writes     int
	failWrites int
}

func newTestPort() *testPort {
	return &testPort{
		incoming: make(chan []byte, 64),
		timeout:  20 * time.Millisecond,
		closed:   make(chan struct{}),
	}
}

func (p *testPort) feed(raw []byte) {
	p.incoming <- raw
}

func (p *testPort) Read(buf []byte) (int, error) {
	if p.failReads > 0 {
		p.failReads--
		return 0, errors.New("simulated read failure")
	}

	if len(p.pending) == 0 {
		select {
		case <-p.closed:
			return 0, io.ErrClosedPipe
		case chunk := <-p.incoming:
			p.pending = chunk
		case <-time.After(p.timeout):
			return 0, nil
		}
	}

	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *testPort) Write(raw []byte) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.writes++
	if p.failWrites > 0 {
		p.failWrites--
		return 0, errors.New("simulated write failure")
	}
	return p.written.Write(raw)
}

func (p *testPort) SetReadTimeout(t time.Duration) error {
	p.timeout = t
	return nil
}

func (p *testPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *testPort) output() []byte {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

// eventually polls cond until it holds or a second has passed
func eventually(cond func() bool) bool {
	return within(time.Second, cond)
}

func within(limit time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func torqueLen(d *Driver) (n int) {
	d.View(func(t *MotorTelemetry) {
		n = t.Len(TorqueSns)
	})
	return
}

func TestDriverWriter(t *testing.T) {
	Convey("commands from one caller reach the wire in submission order", t, func() {
		port := newTestPort()
		d := NewDriver(port, nil)

		var expected []byte
		for i := int32(0); i < 50; i++ {
			cmd := Position{Target: i * 1000}
			So(d.Submit(cmd), ShouldBeNil)
			expected = append(expected, Encode(cmd)...)
		}
		d.Submit(Enable{On: true})
		d.Submit(Home{})
		expected = append(expected, Encode(Enable{On: true})...)
		expected = append(expected, Encode(Home{})...)

		Convey("and close drains the queue first", func() {
			So(d.Close(), ShouldBeNil)
			So(port.output(), ShouldResemble, expected)
			So(d.Pending(), ShouldEqual, 0)
		})
	})

	Convey("concurrent callers keep their own order", t, func() {
		port := newTestPort()
		d := NewDriver(port, nil)

		const callers, each = 4, 50
		var wg sync.WaitGroup
		for c := 0; c < callers; c++ {
			wg.Add(1)
			go func(base int32) {
				defer wg.Done()
				for i := int32(0); i < each; i++ {
					d.Submit(Position{Target: base + i})
				}
			}(int32(c * 1000))
		}
		wg.Wait()
		So(d.Close(), ShouldBeNil)

		out := port.output()
		size := CommandLength(CMD_POSITION)
		So(len(out), ShouldEqual, callers*each*size)

		last := make(map[int32]int32)
		for i := 0; i < len(out); i += size {
			cmd, err := DecodeCommand(out[i : i+size])
			So(err, ShouldBeNil)

			pos, ok := cmd.(Position)
			So(ok, ShouldBeTrue)

			caller := pos.Target / 1000
			prev, seen := last[caller]
			if seen {
				So(pos.Target, ShouldEqual, prev+1)
			} else {
				So(pos.Target, ShouldEqual, caller*1000)
			}
			last[caller] = pos.Target
		}
		So(last, ShouldHaveLength, callers)
	})

	Convey("a failed write drops that command only", t, func() {
		port := newTestPort()
		port.failWrites = 1
		d := NewDriver(port, nil)

		d.Submit(Home{})
		d.Submit(Position{Target: 5})
		d.Close()

		So(port.writes, ShouldEqual, 2)
		So(port.output(), ShouldResemble, Encode(Position{Target: 5}))
	})

	Convey("submitting after close is refused", t, func() {
		d := NewDriver(newTestPort(), nil)
		d.Close()

		err := d.Submit(Home{})
		So(err, ShouldEqual, deverrors.ErrDriverClosed)

		Convey("closing twice is fine", func() {
			So(d.Close(), ShouldBeNil)
		})
	})
}

func TestDriverReader(t *testing.T) {
	Convey("frames read off the port land in the store", t, func() {
		port := newTestPort()
		frames := broadcast.NewBroker()
		defer frames.Close()
		sub := frames.Subscribe()

		d := NewDriver(port, frames)
		defer d.Close()

		port.feed(buildFrame('z', 1000, []float32{1, 2, 3, 4, 5, 6}))
		So(eventually(func() bool { return torqueLen(d) == 1 }), ShouldBeTrue)

		snap := d.Snapshot()
		So(snap.Series(TorqueD), ShouldResemble, Series{{1000, 5}})

		Convey("and are published to subscribers", func() {
			select {
			case msg := <-sub:
				f, ok := msg.(Frame)
				So(ok, ShouldBeTrue)
				So(f.Tag, ShouldEqual, 'z')
				So(f.Time, ShouldEqual, 1000)
			case <-time.After(time.Second):
				So("no frame published", ShouldBeEmpty)
			}
		})
	})

	Convey("a frame split over reads and a read timeout in between", t, func() {
		port := newTestPort()
		d := NewDriver(port, nil)
		defer d.Close()

		f := buildFrame('p', 9, []float32{1, 2, 3, 4, 5}, 77)
		port.feed(f[:10])
		port.feed(f[10:])
		So(eventually(func() bool {
			var n int
			d.View(func(t *MotorTelemetry) { n = t.Len(PositionSns) })
			return n == 1
		}), ShouldBeTrue)
	})

	Convey("garbage is skipped and the reader keeps going", t, func() {
		port := newTestPort()
		d := NewDriver(port, nil)
		defer d.Close()

		port.feed([]byte{0x01, 0x02, 0x03})
		port.feed(buildFrame('z', 1, []float32{1, 1, 1, 1, 1, 1}))
		port.feed(buildFrame('z', 2, []float32{2, 2, 2, 2, 2, 2}))

		So(eventually(func() bool { return torqueLen(d) == 2 }), ShouldBeTrue)
		So(d.Snapshot().Series(TorqueSns), ShouldResemble, Series{{1, 1}, {2, 2}})
	})

	Convey("read failures are retried straight away", t, func() {
		port := newTestPort()
		port.failReads = 25
		d := NewDriver(port, nil)
		defer d.Close()

		port.feed(buildFrame('z', 3, []float32{3, 3, 3, 3, 3, 3}))
		So(within(250*time.Millisecond, func() bool { return torqueLen(d) == 1 }), ShouldBeTrue)
	})

	Convey("nothing is appended after disconnect", t, func() {
		port := newTestPort()
		d := NewDriver(port, nil)

		port.feed(buildFrame('z', 1, []float32{1, 1, 1, 1, 1, 1}))
		So(eventually(func() bool { return torqueLen(d) == 1 }), ShouldBeTrue)

		d.Close()
		port.feed(buildFrame('z', 2, []float32{2, 2, 2, 2, 2, 2}))
		time.Sleep(50 * time.Millisecond)

		So(torqueLen(d), ShouldEqual, 1)
	})
}

func TestCommandQueue(t *testing.T) {
	Convey("pop blocks until something is pushed", t, func() {
		q := newCommandQueue()
		got := make(chan Command)
		go func() {
			cmd, _ := q.Pop()
			got <- cmd
		}()

		select {
		case <-got:
			So("pop returned early", ShouldBeEmpty)
		case <-time.After(20 * time.Millisecond):
		}

		q.Push(Home{})
		So(<-got, ShouldResemble, Home{})
	})

	Convey("closed queue drains then reports done", t, func() {
		q := newCommandQueue()
		q.Push(Home{})
		q.Close()

		So(q.Push(Home{}), ShouldBeFalse)

		cmd, ok := q.Pop()
		So(ok, ShouldBeTrue)
		So(cmd, ShouldResemble, Home{})

		_, ok = q.Pop()
		So(ok, ShouldBeFalse)
	})
}
