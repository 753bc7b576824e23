package nameserver

import (
	"github.com/betrusted-io/xous-hosted/internal/syscall"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// Client resolves names on behalf of one process thread. Each call
// stages a page-sized exchange buffer, sends it as a mutable borrow,
// and decodes the reply the service wrote back into it.
type Client struct {
	k   *syscall.Kernel
	pid xous.PID
	tid xous.TID
	cid xous.CID
}

// NewClient connects a process thread to the name service.
func NewClient(k *syscall.Kernel, pid xous.PID, tid xous.TID) (*Client, error) {
	cid, err := k.Connect(pid, WellKnownSID)
	if err != nil {
		return nil, err
	}
	return &Client{k: k, pid: pid, tid: tid, cid: cid}, nil
}

// call runs one exchange round trip.
func (c *Client) call(op uint32, req Request) (Reply, error) {
	rng, err := c.k.MapMemory(c.pid, 0, 0, xous.PageSize, xous.MemFlagRead|xous.MemFlagWrite)
	if err != nil {
		return Reply{}, err
	}
	defer func() {
		_ = c.k.UnmapMemory(c.pid, rng)
	}()

	buf := make([]byte, rng.Size)
	n, err := EncodeRequest(buf, req)
	if err != nil {
		return Reply{}, err
	}
	if err := c.k.WriteBytes(c.pid, rng.Addr, buf); err != nil {
		return Reply{}, err
	}

	res := c.k.SendMessage(c.pid, c.tid, c.cid,
		xous.NewMemory(xous.KindMutableBorrow, op, rng, 0, uintptr(n)))
	if res.IsError() {
		return Reply{}, res.Err()
	}

	out, err := c.k.ReadBytes(c.pid, rng.Addr, rng.Size)
	if err != nil {
		return Reply{}, err
	}
	reply, err := DecodeReply(out)
	if err != nil {
		return Reply{}, err
	}
	if err := StatusError(reply.Status); err != nil {
		return reply, err
	}
	return reply, nil
}

// Register claims a name and returns the SID the registrant should
// create its server under.
func (c *Client) Register(name string) (xous.SID, error) {
	reply, err := c.call(OpRegister, Request{Name: name})
	if err != nil {
		return xous.SID{}, err
	}
	return reply.SID, nil
}

// RegisterAuthenticated claims a name whose lookups require the keyed
// challenge handshake.
func (c *Client) RegisterAuthenticated(name string, key [32]byte) (xous.SID, error) {
	reply, err := c.call(OpRegister, Request{Name: name, HasKey: true, Key: key})
	if err != nil {
		return xous.SID{}, err
	}
	return reply.SID, nil
}

// TryConnect resolves a name immediately, failing with ServerNotFound
// when it is not registered. On success the caller holds a connection
// and a single-use disconnect token.
func (c *Client) TryConnect(name string) (xous.CID, string, error) {
	return c.connect(OpTryConnect, name)
}

// BlockingConnect resolves a name, parking until it is registered.
func (c *Client) BlockingConnect(name string) (xous.CID, string, error) {
	return c.connect(OpBlockingConnect, name)
}

func (c *Client) connect(op uint32, name string) (xous.CID, string, error) {
	reply, err := c.call(op, Request{Name: name})
	if err != nil {
		return xous.NoCID, "", err
	}
	cid, err := c.k.Connect(c.pid, reply.SID)
	if err != nil {
		return xous.NoCID, "", err
	}
	return cid, reply.Token, nil
}

// AuthenticatedConnect runs the two-phase keyed lookup: fetch a
// challenge, answer it with the shared key, and connect to the granted
// SID.
func (c *Client) AuthenticatedConnect(name string, key [32]byte) (xous.CID, string, error) {
	first, err := c.call(OpAuthenticatedLookup, Request{Name: name})
	if err != nil {
		return xous.NoCID, "", err
	}
	if first.Status == StatusOK {
		// Name was not actually gated; the grant is already complete.
		cid, err := c.k.Connect(c.pid, first.SID)
		return cid, first.Token, err
	}

	mac := ResponseMAC(key, first.Challenge)
	reply, err := c.call(OpAuthenticatedLookup, Request{
		Name:        name,
		ChallengeID: first.ChallengeID,
		HasMAC:      true,
		MAC:         mac,
	})
	if err != nil {
		return xous.NoCID, "", err
	}
	cid, err := c.k.Connect(c.pid, reply.SID)
	if err != nil {
		return xous.NoCID, "", err
	}
	return cid, reply.Token, nil
}

// Disconnect burns the token issued at connect time and invalidates the
// kernel connection slot.
func (c *Client) Disconnect(name, token string, cid xous.CID) error {
	if _, err := c.call(OpDisconnect, Request{Name: name, Token: token}); err != nil {
		return err
	}
	return c.k.Disconnect(c.pid, cid)
}
