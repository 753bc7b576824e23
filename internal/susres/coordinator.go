// Package susres coordinates orderly suspend and resume. Drivers and
// services subscribe with an ordering tier; on suspend the coordinator
// notifies tier by tier and waits for every subscriber to acknowledge
// before moving on, with the single Last subscriber going down last.
package susres

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/betrusted-io/xous-hosted/internal/proc"
	"github.com/betrusted-io/xous-hosted/internal/syscall"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// SuspendOrder ranks subscribers. Lower tiers are notified first on
// suspend and last on resume.
type SuspendOrder uint8

const (
	Early SuspendOrder = iota
	Normal
	Late
	Later
	// Last is reserved for the component that does the final power-down
	// work. Exactly one subscriber must hold it when a suspend starts.
	Last
)

func (o SuspendOrder) String() string {
	switch o {
	case Early:
		return "early"
	case Normal:
		return "normal"
	case Late:
		return "late"
	case Later:
		return "later"
	case Last:
		return "last"
	default:
		return "unknown"
	}
}

// Subscriber notification arguments, passed as the first scalar arg of
// the registered opcode.
const (
	ArgSuspend uintptr = 1
	ArgResume  uintptr = 2
)

// Subscription opcode on the coordinator's own server.
const OpSubscribe uint32 = 0

// ErrNoLastSubscriber rejects a suspend attempted before the final
// power-down owner registered.
var ErrNoLastSubscriber = errors.New("susres: no subscriber registered at the Last order")

// ErrAmbiguousLastSubscriber rejects a suspend when more than one
// subscriber claims the Last order; the coordinator cannot pick which
// one powers the system down.
var ErrAmbiguousLastSubscriber = errors.New("susres: more than one subscriber registered at the Last order")

// WellKnownSID is the coordinator's fixed server address.
var WellKnownSID = wellKnownSID()

func wellKnownSID() xous.SID {
	var b [16]byte
	copy(b[:], "susres-coordinat")
	return xous.SIDFromWords(
		uintptr(binary.LittleEndian.Uint32(b[0:])),
		uintptr(binary.LittleEndian.Uint32(b[4:])),
		uintptr(binary.LittleEndian.Uint32(b[8:])),
		uintptr(binary.LittleEndian.Uint32(b[12:])),
	)
}

type subscriber struct {
	order  SuspendOrder
	sid    xous.SID
	opcode uint32
}

// Coordinator is the suspend/resume service process.
type Coordinator struct {
	k          *syscall.Kernel
	log        *zap.Logger
	pid        xous.PID
	tid        xous.TID
	ackTimeout time.Duration

	mu   sync.Mutex
	subs []subscriber

	suspending atomic.Bool
	lastClean  atomic.Bool
}

// New creates the coordinator process and claims its server.
func New(k *syscall.Kernel, log *zap.Logger, ackTimeout time.Duration) (*Coordinator, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if ackTimeout <= 0 {
		ackTimeout = 5 * time.Second
	}
	pid, err := k.CreateProcess(1, "susres", 0x1000, 0x2_0000)
	if err != nil {
		return nil, err
	}
	if _, err := k.CreateServerWithAddress(pid, WellKnownSID); err != nil {
		_ = k.TerminateProcess(1, pid)
		return nil, err
	}
	c := &Coordinator{
		k:          k,
		log:        log.Named("susres"),
		pid:        pid,
		tid:        proc.InitialTID,
		ackTimeout: ackTimeout,
	}
	c.lastClean.Store(true)
	return c, nil
}

// PID returns the coordinator's process ID.
func (c *Coordinator) PID() xous.PID { return c.pid }

// Run is the subscription main loop. It returns when the process is
// torn down.
func (c *Coordinator) Run() {
	for {
		res := c.k.ReceiveMessage(c.pid, c.tid, WellKnownSID)
		if res.IsError() {
			if e := res.Err(); e != xous.ProcessTerminated && e != xous.ServerNotFound {
				c.log.Error("receive failed", zap.Error(e))
			}
			return
		}
		if res.Envelope == nil {
			continue
		}
		c.handle(*res.Envelope)
	}
}

// Close tears the coordinator process down.
func (c *Coordinator) Close() error {
	return c.k.TerminateProcess(1, c.pid)
}

// handle services one subscription message: a mutable borrow whose
// buffer carries [order u8][16B SID][4B opcode].
func (c *Coordinator) handle(env xous.Envelope) {
	msg := env.Message
	if msg.Kind != xous.KindMutableBorrow || msg.Opcode() != OpSubscribe {
		if msg.Kind.IsBlocking() {
			if msg.Kind == xous.KindBlockingScalar {
				_ = c.k.ReturnScalar(c.pid, env.Sender, uintptr(xous.UnhandledSyscall))
			} else {
				_ = c.k.ReturnMemory(c.pid, env.Sender, msg.Memory.Buf)
			}
		}
		return
	}

	rng := msg.Memory.Buf
	data, err := c.k.ReadBytes(c.pid, rng.Addr, rng.Size)
	status := uintptr(0)
	if err != nil || len(data) < 21 {
		status = uintptr(xous.InvalidString)
	} else {
		sub := subscriber{
			order: SuspendOrder(data[0]),
			sid: xous.SIDFromWords(
				uintptr(binary.LittleEndian.Uint32(data[1:])),
				uintptr(binary.LittleEndian.Uint32(data[5:])),
				uintptr(binary.LittleEndian.Uint32(data[9:])),
				uintptr(binary.LittleEndian.Uint32(data[13:])),
			),
			opcode: binary.LittleEndian.Uint32(data[17:]),
		}
		if sub.order > Last {
			status = uintptr(xous.InvalidLimit)
		} else {
			c.mu.Lock()
			c.subs = append(c.subs, sub)
			c.mu.Unlock()
			c.log.Info("subscriber registered",
				zap.Stringer("order", sub.order),
				zap.Uint32("opcode", sub.opcode),
			)
		}
	}
	if err := c.k.WriteBytes(c.pid, rng.Addr, []byte{byte(status)}); err != nil {
		c.log.Error("subscription reply write failed", zap.Error(err))
	}
	if err := c.k.ReturnMemory(c.pid, env.Sender, rng); err != nil {
		c.log.Error("subscription reply failed", zap.Error(err))
	}
}

// Subscribe registers a server for suspend notification on behalf of a
// process thread.
func Subscribe(k *syscall.Kernel, pid xous.PID, tid xous.TID, order SuspendOrder, sid xous.SID, opcode uint32) error {
	cid, err := k.Connect(pid, WellKnownSID)
	if err != nil {
		return err
	}
	rng, err := k.MapMemory(pid, 0, 0, xous.PageSize, xous.MemFlagRead|xous.MemFlagWrite)
	if err != nil {
		return err
	}
	defer func() {
		_ = k.UnmapMemory(pid, rng)
		_ = k.Disconnect(pid, cid)
	}()

	buf := make([]byte, 21)
	buf[0] = byte(order)
	a, b, cw, d := sid.Words()
	binary.LittleEndian.PutUint32(buf[1:], uint32(a))
	binary.LittleEndian.PutUint32(buf[5:], uint32(b))
	binary.LittleEndian.PutUint32(buf[9:], uint32(cw))
	binary.LittleEndian.PutUint32(buf[13:], uint32(d))
	binary.LittleEndian.PutUint32(buf[17:], opcode)
	if err := k.WriteBytes(pid, rng.Addr, buf); err != nil {
		return err
	}

	res := k.SendMessage(pid, tid, cid,
		xous.NewMemory(xous.KindMutableBorrow, OpSubscribe, rng, 0, uintptr(len(buf))))
	if res.IsError() {
		return res.Err()
	}
	out, err := k.ReadBytes(pid, rng.Addr, 1)
	if err != nil {
		return err
	}
	if out[0] != 0 {
		return xous.ErrorFromWord(uintptr(out[0]))
	}
	return nil
}

// SuspendingNow is the execution gate: userspace work that must not
// straddle a power transition checks it before starting.
func (c *Coordinator) SuspendingNow() bool {
	return c.suspending.Load()
}

// WasSuspendClean reports whether the most recent suspend received every
// acknowledgement within the timeout.
func (c *Coordinator) WasSuspendClean() bool {
	return c.lastClean.Load()
}

// Suspend notifies every subscriber tier by tier and waits for the
// acknowledgements. The Last subscriber is notified strictly after all
// earlier tiers have acknowledged or timed out.
func (c *Coordinator) Suspend() error {
	c.mu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	var last *subscriber
	tiers := make(map[SuspendOrder][]subscriber)
	for i := range subs {
		s := subs[i]
		if s.order == Last {
			if last != nil {
				return ErrAmbiguousLastSubscriber
			}
			last = &subs[i]
			continue
		}
		tiers[s.order] = append(tiers[s.order], s)
	}
	if last == nil {
		return ErrNoLastSubscriber
	}

	if !c.suspending.CompareAndSwap(false, true) {
		return errors.New("susres: suspend already in progress")
	}

	clean := true
	for _, order := range []SuspendOrder{Early, Normal, Late, Later} {
		if !c.notifyTier(tiers[order], order) {
			clean = false
		}
	}
	if !c.notifyTier([]subscriber{*last}, Last) {
		clean = false
	}
	c.lastClean.Store(clean)
	c.log.Info("suspend complete", zap.Bool("clean", clean))
	return nil
}

// Resume releases the execution gate and pings subscribers in reverse
// tier order with non-blocking notifications.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, order := range []SuspendOrder{Last, Later, Late, Normal, Early} {
		for _, s := range subs {
			if s.order != order {
				continue
			}
			c.notifyResume(s)
		}
	}
	c.suspending.Store(false)
	c.log.Info("resume complete")
}

// courier is one disposable notification process. Each blocking
// suspend send parks the courier's initial thread rather than one of
// the coordinator's own, so a subscriber that never acknowledges costs
// one TerminateProcess instead of a permanently pinned thread slot.
type courier struct {
	child xous.PID
	done  chan bool
}

// notifyTier fans blocking suspend notifications out to one tier and
// waits for every acknowledgement, reporting false on timeout. Couriers
// still parked when the tier deadline passes are torn down, which
// releases their send with ProcessTerminated and reclaims their
// resources.
func (c *Coordinator) notifyTier(subs []subscriber, order SuspendOrder) bool {
	if len(subs) == 0 {
		return true
	}
	acked := true
	couriers := make([]courier, 0, len(subs))
	for _, s := range subs {
		child, err := c.k.CreateProcess(c.pid, "susres-notify", 0x1000, 0x2_0000)
		if err != nil {
			c.log.Error("notify process unavailable", zap.Error(err))
			acked = false
			continue
		}
		cr := courier{child: child, done: make(chan bool, 1)}
		couriers = append(couriers, cr)
		go func(s subscriber, cr courier) {
			cr.done <- c.notifySuspend(cr.child, s)
		}(s, cr)
	}

	deadline := time.After(c.ackTimeout)
	timedOut := false
	for _, cr := range couriers {
		if timedOut {
			c.reapCourier(cr)
			continue
		}
		select {
		case ok := <-cr.done:
			if !ok {
				acked = false
			}
			_ = c.k.TerminateProcess(c.pid, cr.child)
		case <-deadline:
			c.log.Warn("suspend tier timed out", zap.Stringer("order", order))
			acked = false
			timedOut = true
			c.reapCourier(cr)
		}
	}
	return acked
}

// reapCourier destroys a courier whose subscriber never acknowledged.
// The destroy path scrubs the courier's in-flight message and wakes its
// parked send, so the notification goroutine exits.
func (c *Coordinator) reapCourier(cr courier) {
	if err := c.k.TerminateProcess(c.pid, cr.child); err != nil {
		c.log.Error("courier teardown failed", zap.Error(err))
	}
	<-cr.done
}

// notifySuspend delivers one blocking suspend message from a courier
// process, parking the courier's initial thread until the subscriber
// acknowledges or the courier is reaped.
func (c *Coordinator) notifySuspend(child xous.PID, s subscriber) bool {
	cid, err := c.k.Connect(child, s.sid)
	if err != nil {
		c.log.Warn("subscriber unreachable", zap.Stringer("order", s.order), zap.Error(err))
		return false
	}
	res := c.k.SendMessage(child, proc.InitialTID, cid,
		xous.NewBlockingScalar(s.opcode, ArgSuspend, uintptr(s.order)))
	if res.IsError() {
		if e := res.Err(); e != xous.ProcessTerminated {
			c.log.Warn("suspend notification failed",
				zap.Stringer("order", s.order),
				zap.Error(e),
			)
		}
		return false
	}
	return true
}

// notifyResume delivers one fire-and-forget resume message.
func (c *Coordinator) notifyResume(s subscriber) {
	cid, err := c.k.Connect(c.pid, s.sid)
	if err != nil {
		return
	}
	res := c.k.TrySendMessage(c.pid, c.tid, cid,
		xous.NewScalar(s.opcode, ArgResume, uintptr(s.order)))
	if res.IsError() {
		c.log.Warn("resume notification dropped",
			zap.Stringer("order", s.order),
			zap.Error(res.Err()),
		)
	}
}
