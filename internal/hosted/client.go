package hosted

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/betrusted-io/xous-hosted/internal/infrastructure/resilience"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// Client is the userspace side of the hosted syscall transport: one
// connection, one process, with calls multiplexed by thread ID behind a
// circuit breaker.
type Client struct {
	conn    net.Conn
	addr    string
	pid     xous.PID
	breaker *resilience.Breaker

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[xous.TID]chan Frame
	readErr error
	done    chan struct{}
}

// Dial connects to the kernel and registers a process under name.
func Dial(addr, name string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to kernel at %s: %w", addr, err)
	}

	hello := Frame{
		TID:     xous.TID(2),
		Words:   [8]uintptr{HelloMagic},
		Payload: []byte(name),
	}
	if err := WriteFrame(conn, hello); err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := ReadFrame(conn, 1<<20)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("kernel handshake failed: %w", err)
	}
	res := xous.ResultFromFrame(resp.Words)
	if res.IsError() {
		conn.Close()
		return nil, res.Err()
	}
	if res.Tag != xous.TagProcessID {
		conn.Close()
		return nil, fmt.Errorf("kernel handshake: unexpected result tag %d", res.Tag)
	}

	c := &Client{
		conn:    conn,
		addr:    addr,
		pid:     xous.PID(res.Words[0]),
		pending: make(map[xous.TID]chan Frame),
		done:    make(chan struct{}),
		breaker: resilience.New("kernel-syscall", resilience.Settings{
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts resilience.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
	go c.readLoop()
	return c, nil
}

// PID returns the process ID the kernel assigned at handshake.
func (c *Client) PID() xous.PID { return c.pid }

// BreakerState returns the transport circuit breaker state.
func (c *Client) BreakerState() resilience.State { return c.breaker.State() }

// Close tears down the connection; the kernel destroys the process.
func (c *Client) Close() error {
	return c.conn.Close()
}

// readLoop routes response frames to the thread that issued them.
func (c *Client) readLoop() {
	for {
		f, err := ReadFrame(c.conn, 1<<20)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			close(c.done)
			for _, ch := range c.pending {
				close(ch)
			}
			c.pending = nil
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch := c.pending[f.TID]
		delete(c.pending, f.TID)
		c.mu.Unlock()
		if ch != nil {
			ch <- f
		}
	}
}

// Call issues one syscall frame on behalf of tid and waits for its
// response. A blocking send does not return until the kernel completes
// the parked thread, which is why each thread needs its own TID.
func (c *Client) Call(tid xous.TID, words [8]uintptr, payload []byte) (Frame, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(tid, words, payload)
	})
	if err != nil {
		return Frame{}, err
	}
	return out.(Frame), nil
}

func (c *Client) call(tid xous.TID, words [8]uintptr, payload []byte) (Frame, error) {
	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.pending == nil {
		err := c.readErr
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("kernel connection lost: %w", err)
	}
	if _, busy := c.pending[tid]; busy {
		c.mu.Unlock()
		return Frame{}, fmt.Errorf("thread %d already has a syscall in flight", tid)
	}
	c.pending[tid] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := WriteFrame(c.conn, Frame{TID: tid, Words: words, Payload: payload})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, tid)
		}
		c.mu.Unlock()
		return Frame{}, err
	}

	f, ok := <-ch
	if !ok {
		return Frame{}, fmt.Errorf("kernel connection lost")
	}
	return f, nil
}

// Result issues a syscall and decodes the response frame.
func (c *Client) Result(tid xous.TID, words [8]uintptr, payload []byte) (xous.Result, []byte, error) {
	f, err := c.Call(tid, words, payload)
	if err != nil {
		return xous.Result{}, nil, err
	}
	res := xous.ResultFromFrame(f.Words)
	if res.IsError() {
		return res, nil, res.Err()
	}
	return res, f.Payload, nil
}
