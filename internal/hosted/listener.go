package hosted

import (
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/betrusted-io/xous-hosted/internal/mem"
	"github.com/betrusted-io/xous-hosted/internal/syscall"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// Listener accepts userspace process connections and feeds their
// syscall frames into the kernel. One connection is one process; its
// threads multiplex frames over the same connection, distinguished by
// the TID field, so responses may complete out of order while a
// blocking send waits for its reply.
type Listener struct {
	kernel   *syscall.Kernel
	log      *zap.Logger
	maxFrame int

	lis    net.Listener
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewListener wraps a kernel with the hosted syscall transport.
func NewListener(k *syscall.Kernel, log *zap.Logger, maxFrame int) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{kernel: k, log: log, maxFrame: maxFrame}
}

// Serve accepts connections until the listener is closed.
func (l *Listener) Serve(lis net.Listener) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errors.New("hosted: listener closed")
	}
	l.lis = lis
	l.mu.Unlock()

	for {
		conn, err := lis.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(conn)
		}()
	}
}

// Close stops accepting and waits for per-connection handlers.
func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	lis := l.lis
	l.mu.Unlock()
	var err error
	if lis != nil {
		err = lis.Close()
	}
	l.wg.Wait()
	return err
}

// handleConn runs the hello handshake and then the per-process frame
// loop. When the connection drops, the process is torn down exactly as
// if it had exited.
func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()

	hello, err := ReadFrame(conn, l.maxFrame)
	if err != nil {
		l.log.Warn("hosted handshake failed", zap.Error(err))
		return
	}
	if hello.Words[0] != HelloMagic {
		l.log.Warn("hosted handshake rejected", zap.String("remote", conn.RemoteAddr().String()))
		return
	}
	name := string(hello.Payload)
	// Remote processes run their own code; the recorded entry and stack
	// are synthetic unless the client supplies real values.
	entry, sp := hello.Words[1], hello.Words[2]
	if entry == 0 {
		entry = 0x1000
	}
	if sp == 0 {
		sp = 0x2_0000
	}
	pid, err := l.kernel.CreateProcess(1, name, entry, sp)
	if err != nil {
		_ = WriteFrame(conn, Frame{TID: hello.TID, Words: errFrame(err)})
		return
	}
	writer := &connWriter{conn: conn}
	if err := writer.write(Frame{TID: hello.TID, Words: xous.ProcessResult(pid).Frame()}); err != nil {
		return
	}
	l.log.Info("hosted process connected",
		zap.Stringer("pid", pid),
		zap.String("name", name),
		zap.String("remote", conn.RemoteAddr().String()),
	)

	var calls sync.WaitGroup
	for {
		f, err := ReadFrame(conn, l.maxFrame)
		if err != nil {
			if err != io.EOF {
				l.log.Debug("hosted read failed", zap.Stringer("pid", pid), zap.Error(err))
			}
			break
		}
		calls.Add(1)
		go func(f Frame) {
			defer calls.Done()
			resp := l.dispatch(pid, f)
			if err := writer.write(resp); err != nil {
				l.log.Debug("hosted write failed", zap.Stringer("pid", pid), zap.Error(err))
			}
		}(f)
	}
	calls.Wait()

	if err := l.kernel.TerminateProcess(pid, pid); err != nil {
		l.log.Debug("hosted teardown", zap.Stringer("pid", pid), zap.Error(err))
	} else {
		l.log.Info("hosted process disconnected", zap.Stringer("pid", pid))
	}
}

// dispatch executes one syscall frame, staging memory payloads in and
// out of the process address space around the call.
func (l *Listener) dispatch(pid xous.PID, f Frame) Frame {
	op := syscall.Opcode(f.Words[0])
	kind := xous.MessageKind(f.Words[2])

	// Memory messages from a remote sender carry the buffer contents in
	// the frame payload. Stage them into pages the sender owns so the
	// kernel's lend and move paths see an ordinary mapping.
	var staged xous.MemoryRange
	if (op == syscall.OpSendMessage || op == syscall.OpTrySendMessage) && kind.IsMemory() {
		rng, err := l.kernel.MapMemory(pid, 0, 0, mem.RoundUp(uintptr(len(f.Payload))), xous.MemFlagRead|xous.MemFlagWrite)
		if err != nil {
			return Frame{TID: f.TID, Words: errFrame(err)}
		}
		if err := l.kernel.WriteBytes(pid, rng.Addr, f.Payload); err != nil {
			return Frame{TID: f.TID, Words: errFrame(err)}
		}
		f.Words[4] = rng.Addr
		f.Words[5] = rng.Size
		if f.Words[7] == 0 {
			f.Words[7] = uintptr(len(f.Payload))
		}
		if kind != xous.KindMove {
			staged = rng
		}
	}

	// ReturnMemory from a remote server carries the mutated buffer
	// back; land it in the lent window before the kernel unmaps it.
	if op == syscall.OpReturnMemory && len(f.Payload) > 0 {
		if err := l.kernel.WriteBytes(pid, f.Words[2], f.Payload); err != nil {
			return Frame{TID: f.TID, Words: errFrame(err)}
		}
	}

	words := l.kernel.Dispatch(pid, f.TID, f.Words)
	resp := Frame{TID: f.TID, Words: words}

	// A returned borrow surfaces the possibly mutated bytes to the
	// remote sender, after which the staging pages are released.
	if staged.IsValid() {
		if data, err := l.kernel.ReadBytes(pid, staged.Addr, staged.Size); err == nil {
			resp.Payload = data[:len(f.Payload)]
		}
		if err := l.kernel.UnmapMemory(pid, staged); err != nil {
			l.log.Debug("staging unmap failed",
				zap.Stringer("pid", pid),
				zap.Stringer("range", staged),
				zap.Error(err),
			)
		}
	}

	// A delivered memory message carries the mapped window's bytes out
	// to the remote receiver.
	if xous.ResultTag(words[0]) == xous.TagMessage && xous.MessageKind(words[2]).IsMemory() {
		if data, err := l.kernel.ReadBytes(pid, words[4], words[5]); err == nil {
			resp.Payload = data
		}
	}

	return resp
}

func errFrame(err error) [8]uintptr {
	e, ok := err.(xous.Error)
	if !ok {
		e = xous.InternalError
	}
	return xous.Err(e).Frame()
}

// connWriter serializes response frames from concurrent thread calls.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) write(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteFrame(w.conn, f)
}
