package susres

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betrusted-io/xous-hosted/internal/proc"
	"github.com/betrusted-io/xous-hosted/internal/syscall"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

func newTestCoordinator(t *testing.T, ackTimeout time.Duration) (*syscall.Kernel, *Coordinator) {
	t.Helper()
	k := syscall.NewKernel(256, nil)
	c, err := New(k, nil, ackTimeout)
	require.NoError(t, err)
	go c.Run()
	t.Cleanup(func() { _ = c.Close() })
	return k, c
}

// ackLog records suspend acknowledgements across subscribers in the
// order the coordinator collected them.
type ackLog struct {
	mu     sync.Mutex
	orders []SuspendOrder
}

func (l *ackLog) add(o SuspendOrder) {
	l.mu.Lock()
	l.orders = append(l.orders, o)
	l.mu.Unlock()
}

func (l *ackLog) snapshot() []SuspendOrder {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SuspendOrder, len(l.orders))
	copy(out, l.orders)
	return out
}

// startSubscriber registers a server at the given tier and runs its
// notification loop: suspend notifications are acknowledged (unless ack
// is false) and resume pings are counted.
func startSubscriber(t *testing.T, k *syscall.Kernel, order SuspendOrder, log *ackLog, ack bool) <-chan struct{} {
	t.Helper()
	pid, err := k.CreateProcess(1, "sub", 0x1000, 0x2_0000)
	require.NoError(t, err)
	sid, err := k.CreateServer(pid)
	require.NoError(t, err)
	require.NoError(t, Subscribe(k, pid, proc.InitialTID, order, sid, 5))

	resumed := make(chan struct{}, 4)
	go func() {
		for {
			res := k.ReceiveMessage(pid, proc.InitialTID, sid)
			if res.IsError() {
				return
			}
			if res.Envelope == nil {
				continue
			}
			env := *res.Envelope
			switch env.Message.Scalar.Args[0] {
			case ArgSuspend:
				if log != nil {
					log.add(order)
				}
				if ack {
					_ = k.ReturnScalar(pid, env.Sender, 1)
				}
			case ArgResume:
				resumed <- struct{}{}
			}
		}
	}()
	return resumed
}

func TestSuspendRequiresLastSubscriber(t *testing.T) {
	k, c := newTestCoordinator(t, time.Second)

	assert.Equal(t, ErrNoLastSubscriber, c.Suspend())

	startSubscriber(t, k, Early, nil, true)
	assert.Equal(t, ErrNoLastSubscriber, c.Suspend())
}

func TestSuspendOrdering(t *testing.T) {
	k, c := newTestCoordinator(t, 5*time.Second)
	log := &ackLog{}

	startSubscriber(t, k, Normal, log, true)
	startSubscriber(t, k, Early, log, true)
	startSubscriber(t, k, Last, log, true)

	require.NoError(t, c.Suspend())
	assert.True(t, c.WasSuspendClean())
	assert.True(t, c.SuspendingNow())

	got := log.snapshot()
	require.Equal(t, []SuspendOrder{Early, Normal, Last}, got,
		"tiers notified strictly in order with Last at the end")
}

func TestSuspendTimeoutMarksDirty(t *testing.T) {
	k, c := newTestCoordinator(t, 200*time.Millisecond)
	log := &ackLog{}

	// The Normal subscriber receives the notification but never replies.
	startSubscriber(t, k, Normal, log, false)
	startSubscriber(t, k, Last, log, true)

	require.NoError(t, c.Suspend())
	assert.False(t, c.WasSuspendClean())

	// The Last tier still ran despite the earlier timeout.
	got := log.snapshot()
	assert.Contains(t, got, Last)
	c.Resume()
}

func TestResumeReleasesGate(t *testing.T) {
	k, c := newTestCoordinator(t, 5*time.Second)

	resumed := startSubscriber(t, k, Early, nil, true)
	startSubscriber(t, k, Last, nil, true)

	require.NoError(t, c.Suspend())
	require.True(t, c.SuspendingNow())

	c.Resume()
	assert.False(t, c.SuspendingNow())

	select {
	case <-resumed:
	case <-time.After(5 * time.Second):
		t.Fatal("resume notification never arrived")
	}
}

func TestDuplicateLastRejected(t *testing.T) {
	k, c := newTestCoordinator(t, time.Second)

	startSubscriber(t, k, Last, nil, true)
	startSubscriber(t, k, Last, nil, true)

	assert.Equal(t, ErrAmbiguousLastSubscriber, c.Suspend())
}

func TestDirtySuspendsReleaseCouriers(t *testing.T) {
	k, c := newTestCoordinator(t, 50*time.Millisecond)

	// The Normal subscriber receives every notification but never acks,
	// so each suspend times out dirty.
	startSubscriber(t, k, Normal, nil, false)
	startSubscriber(t, k, Last, nil, true)

	baseline := len(k.Stats().Processes)

	// Well past the per-process thread budget: each timed-out courier
	// must be reclaimed or the coordinator runs out of resources.
	for i := 0; i < 35; i++ {
		require.NoError(t, c.Suspend(), "suspend %d", i)
		assert.False(t, c.WasSuspendClean())
		assert.Len(t, k.Stats().Processes, baseline, "suspend %d leaked a courier", i)
		c.Resume()
	}
}

func TestSubscribeRejectsBadOrder(t *testing.T) {
	k, _ := newTestCoordinator(t, time.Second)

	pid, err := k.CreateProcess(1, "bad", 0x1000, 0x2_0000)
	require.NoError(t, err)
	sid, err := k.CreateServer(pid)
	require.NoError(t, err)

	err = Subscribe(k, pid, proc.InitialTID, SuspendOrder(9), sid, 5)
	assert.Equal(t, xous.InvalidLimit, err)
}

func TestSuspendOrderStrings(t *testing.T) {
	assert.Equal(t, "early", Early.String())
	assert.Equal(t, "last", Last.String())
	assert.Equal(t, "unknown", SuspendOrder(42).String())
}
