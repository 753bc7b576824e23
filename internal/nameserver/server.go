package nameserver

import (
	"crypto/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/betrusted-io/xous-hosted/internal/proc"
	"github.com/betrusted-io/xous-hosted/internal/shared/id"
	"github.com/betrusted-io/xous-hosted/internal/syscall"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// AuthenticateTimeout bounds how long an issued challenge stays
// redeemable.
const AuthenticateTimeout = 10 * time.Second

type entry struct {
	sid    xous.SID
	hasKey bool
	key    [32]byte
	tokens map[string]bool
}

type challenge struct {
	name    string
	nonce   [32]byte
	expires time.Time
}

type waiter struct {
	sender xous.Sender
	rng    xous.MemoryRange
}

// Names is the name service process. It owns the well-known server and
// answers registration and connection requests sent as mutable borrows
// of a page-sized exchange buffer.
type Names struct {
	k   *syscall.Kernel
	log *zap.Logger
	pid xous.PID
	tid xous.TID

	mu         sync.Mutex
	entries    map[string]*entry
	waiting    map[string][]waiter
	challenges map[string]challenge

	now func() time.Time
}

// New creates the name service process and claims the well-known SID.
func New(k *syscall.Kernel, log *zap.Logger) (*Names, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pid, err := k.CreateProcess(1, "xous-names", 0x1000, 0x2_0000)
	if err != nil {
		return nil, err
	}
	if _, err := k.CreateServerWithAddress(pid, WellKnownSID); err != nil {
		_ = k.TerminateProcess(1, pid)
		return nil, err
	}
	return &Names{
		k:          k,
		log:        log.Named("names"),
		pid:        pid,
		tid:        proc.InitialTID,
		entries:    make(map[string]*entry),
		waiting:    make(map[string][]waiter),
		challenges: make(map[string]challenge),
		now:        time.Now,
	}, nil
}

// PID returns the service's process ID.
func (n *Names) PID() xous.PID { return n.pid }

// Run is the service main loop. It returns when the process is torn
// down.
func (n *Names) Run() {
	for {
		res := n.k.ReceiveMessage(n.pid, n.tid, WellKnownSID)
		if res.IsError() {
			if e := res.Err(); e != xous.ProcessTerminated && e != xous.ServerNotFound {
				n.log.Error("receive failed", zap.Error(e))
			}
			return
		}
		if res.Envelope == nil {
			continue
		}
		n.handle(*res.Envelope)
	}
}

// Close tears the service process down, releasing any parked callers.
func (n *Names) Close() error {
	return n.k.TerminateProcess(1, n.pid)
}

// handle services one delivered message. Only mutable borrows are
// meaningful; the reply rides back in the same buffer.
func (n *Names) handle(env xous.Envelope) {
	msg := env.Message
	if msg.Kind != xous.KindMutableBorrow {
		// Nothing useful can be answered; unblock blocking callers so
		// they do not hang on a protocol mistake.
		if msg.Kind.IsBlocking() {
			if msg.Kind == xous.KindBlockingScalar {
				_ = n.k.ReturnScalar(n.pid, env.Sender, uintptr(xous.UnhandledSyscall))
			} else {
				_ = n.k.ReturnMemory(n.pid, env.Sender, msg.Memory.Buf)
			}
		}
		return
	}

	rng := msg.Memory.Buf
	data, err := n.k.ReadBytes(n.pid, rng.Addr, rng.Size)
	if err != nil {
		n.log.Error("exchange buffer unreadable", zap.Error(err))
		_ = n.k.ReturnMemory(n.pid, env.Sender, rng)
		return
	}
	req, err := DecodeRequest(data)
	if err != nil {
		n.reply(env.Sender, rng, Reply{Status: errStatus(xous.InvalidString)})
		return
	}

	switch msg.Opcode() {
	case OpRegister:
		n.register(env.Sender, rng, req)
	case OpTryConnect:
		n.connect(env.Sender, rng, req, false)
	case OpBlockingConnect:
		n.connect(env.Sender, rng, req, true)
	case OpAuthenticatedLookup:
		n.authenticated(env.Sender, rng, req)
	case OpDisconnect:
		n.disconnect(env.Sender, rng, req)
	default:
		n.reply(env.Sender, rng, Reply{Status: errStatus(xous.UnhandledSyscall)})
	}
}

// register mints a SID for a new name and releases anyone blocked
// waiting for it.
func (n *Names) register(sender xous.Sender, rng xous.MemoryRange, req Request) {
	n.mu.Lock()
	if _, dup := n.entries[req.Name]; dup {
		n.mu.Unlock()
		n.reply(sender, rng, Reply{Status: errStatus(xous.ServerExists)})
		return
	}
	e := &entry{sid: xous.NewSID(), tokens: make(map[string]bool)}
	if req.HasKey {
		e.hasKey = true
		e.key = req.Key
	}
	n.entries[req.Name] = e
	released := n.waiting[req.Name]
	delete(n.waiting, req.Name)
	n.mu.Unlock()

	n.log.Info("name registered",
		zap.String("name", req.Name),
		zap.Bool("authenticated", e.hasKey),
		zap.Int("released", len(released)),
	)
	n.reply(sender, rng, Reply{Status: StatusOK, SID: e.sid})

	for _, w := range released {
		n.grant(w.sender, w.rng, req.Name, e)
	}
}

// connect resolves a name. Blocking connects park until the name is
// registered instead of failing.
func (n *Names) connect(sender xous.Sender, rng xous.MemoryRange, req Request, blocking bool) {
	n.mu.Lock()
	e, ok := n.entries[req.Name]
	if !ok && blocking {
		n.waiting[req.Name] = append(n.waiting[req.Name], waiter{sender: sender, rng: rng})
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if !ok {
		n.reply(sender, rng, Reply{Status: errStatus(xous.ServerNotFound)})
		return
	}
	n.grant(sender, rng, req.Name, e)
}

// grant answers a resolved connect: authenticated names get refused
// here and must go through the challenge handshake.
func (n *Names) grant(sender xous.Sender, rng xous.MemoryRange, name string, e *entry) {
	if e.hasKey {
		n.reply(sender, rng, Reply{Status: errStatus(xous.AccessDenied)})
		return
	}
	tok := id.NewDisconnectToken().String()
	n.mu.Lock()
	e.tokens[tok] = true
	n.mu.Unlock()
	n.reply(sender, rng, Reply{Status: StatusOK, SID: e.sid, Token: tok})
}

// authenticated runs the two-phase keyed lookup. Phase one issues a
// challenge nonce; phase two verifies the keyed digest and grants the
// SID. Challenges expire after AuthenticateTimeout.
func (n *Names) authenticated(sender xous.Sender, rng xous.MemoryRange, req Request) {
	n.mu.Lock()
	e, ok := n.entries[req.Name]
	n.mu.Unlock()
	if !ok {
		n.reply(sender, rng, Reply{Status: errStatus(xous.ServerNotFound)})
		return
	}
	if !e.hasKey {
		n.grant(sender, rng, req.Name, e)
		return
	}

	if !req.HasMAC {
		var c challenge
		c.name = req.Name
		c.expires = n.now().Add(AuthenticateTimeout)
		if _, err := rand.Read(c.nonce[:]); err != nil {
			n.reply(sender, rng, Reply{Status: errStatus(xous.InternalError)})
			return
		}
		cid := id.NewChallengeID().String()
		n.mu.Lock()
		n.pruneChallengesLocked()
		n.challenges[cid] = c
		n.mu.Unlock()
		n.reply(sender, rng, Reply{
			Status:      StatusChallenge,
			ChallengeID: cid,
			Challenge:   c.nonce,
		})
		return
	}

	n.mu.Lock()
	c, live := n.challenges[req.ChallengeID]
	if live {
		delete(n.challenges, req.ChallengeID)
	}
	n.mu.Unlock()
	if !live || c.name != req.Name || n.now().After(c.expires) {
		n.reply(sender, rng, Reply{Status: errStatus(xous.Timeout)})
		return
	}
	if !VerifyMAC(e.key, c.nonce, req.MAC) {
		n.log.Warn("authentication failed", zap.String("name", req.Name))
		n.reply(sender, rng, Reply{Status: errStatus(xous.AccessDenied)})
		return
	}

	tok := id.NewDisconnectToken().String()
	n.mu.Lock()
	e.tokens[tok] = true
	n.mu.Unlock()
	n.reply(sender, rng, Reply{Status: StatusOK, SID: e.sid, Token: tok})
}

// disconnect burns a single-use token issued at connect time.
func (n *Names) disconnect(sender xous.Sender, rng xous.MemoryRange, req Request) {
	n.mu.Lock()
	e, ok := n.entries[req.Name]
	valid := ok && e.tokens[req.Token]
	if valid {
		delete(e.tokens, req.Token)
	}
	n.mu.Unlock()

	if !valid {
		n.reply(sender, rng, Reply{Status: errStatus(xous.AccessDenied)})
		return
	}
	n.reply(sender, rng, Reply{Status: StatusOK})
}

// pruneChallengesLocked discards expired challenges. Caller holds mu.
func (n *Names) pruneChallengesLocked() {
	now := n.now()
	for cid, c := range n.challenges {
		if now.After(c.expires) {
			delete(n.challenges, cid)
		}
	}
}

// reply writes the encoded reply over the exchange buffer and returns
// the borrow, waking the parked caller.
func (n *Names) reply(sender xous.Sender, rng xous.MemoryRange, r Reply) {
	buf := make([]byte, rng.Size)
	if _, err := EncodeReply(buf, r); err == nil {
		if err := n.k.WriteBytes(n.pid, rng.Addr, buf); err != nil {
			n.log.Error("reply write failed", zap.Error(err))
		}
	}
	if err := n.k.ReturnMemory(n.pid, sender, rng); err != nil {
		n.log.Error("reply return failed", zap.Error(err))
	}
}
