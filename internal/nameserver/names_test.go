package nameserver

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betrusted-io/xous-hosted/internal/proc"
	"github.com/betrusted-io/xous-hosted/internal/syscall"
	"github.com/betrusted-io/xous-hosted/internal/xous"
)

func newTestService(t *testing.T) (*syscall.Kernel, *Names) {
	t.Helper()
	k := syscall.NewKernel(256, nil)
	n, err := New(k, nil)
	require.NoError(t, err)
	go n.Run()
	t.Cleanup(func() { _ = n.Close() })
	return k, n
}

func newClientProc(t *testing.T, k *syscall.Kernel, name string) *Client {
	t.Helper()
	pid, err := k.CreateProcess(1, name, 0x1000, 0x2_0000)
	require.NoError(t, err)
	c, err := NewClient(k, pid, proc.InitialTID)
	require.NoError(t, err)
	return c
}

func TestRegisterAndTryConnect(t *testing.T) {
	k, _ := newTestService(t)
	registrant := newClientProc(t, k, "log-server")
	consumer := newClientProc(t, k, "app")

	sid, err := registrant.Register("com.example.log")
	require.NoError(t, err)
	assert.False(t, sid.IsZero())

	cid, token, err := consumer.TryConnect("com.example.log")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uint32(cid), uint32(2))
	assert.True(t, strings.HasPrefix(token, "disc_"), "token %q", token)
}

func TestRegisterDuplicate(t *testing.T) {
	k, _ := newTestService(t)
	c := newClientProc(t, k, "dup")

	_, err := c.Register("com.example.once")
	require.NoError(t, err)
	_, err = c.Register("com.example.once")
	assert.Equal(t, xous.ServerExists, err)
}

func TestTryConnectUnknown(t *testing.T) {
	k, _ := newTestService(t)
	c := newClientProc(t, k, "app")
	_, _, err := c.TryConnect("com.example.missing")
	assert.Equal(t, xous.ServerNotFound, err)
}

func TestBlockingConnectWaitsForRegistration(t *testing.T) {
	k, _ := newTestService(t)
	registrant := newClientProc(t, k, "late-server")
	consumer := newClientProc(t, k, "eager-app")

	type outcome struct {
		cid xous.CID
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		cid, _, err := consumer.BlockingConnect("com.example.late")
		done <- outcome{cid, err}
	}()

	// Give the connect a chance to park on the unregistered name.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("blocking connect resolved before registration")
	default:
	}

	_, err := registrant.Register("com.example.late")
	require.NoError(t, err)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.NotEqual(t, xous.NoCID, out.cid)
	case <-time.After(5 * time.Second):
		t.Fatal("blocking connect never released")
	}
}

func TestAuthenticatedLookup(t *testing.T) {
	k, _ := newTestService(t)
	registrant := newClientProc(t, k, "vault")
	consumer := newClientProc(t, k, "app")

	var key [32]byte
	copy(key[:], "super secret shared key material")
	_, err := registrant.RegisterAuthenticated("com.example.vault", key)
	require.NoError(t, err)

	// Gated names refuse the plain connect path.
	_, _, err = consumer.TryConnect("com.example.vault")
	assert.Equal(t, xous.AccessDenied, err)

	cid, token, err := consumer.AuthenticatedConnect("com.example.vault", key)
	require.NoError(t, err)
	assert.NotEqual(t, xous.NoCID, cid)
	assert.True(t, strings.HasPrefix(token, "disc_"))
}

func TestAuthenticatedLookupWrongKey(t *testing.T) {
	k, _ := newTestService(t)
	registrant := newClientProc(t, k, "vault")
	consumer := newClientProc(t, k, "intruder")

	var key, wrong [32]byte
	copy(key[:], "right key")
	copy(wrong[:], "wrong key")
	_, err := registrant.RegisterAuthenticated("com.example.vault", key)
	require.NoError(t, err)

	_, _, err = consumer.AuthenticatedConnect("com.example.vault", wrong)
	assert.Equal(t, xous.AccessDenied, err)
}

func TestAuthenticatedLookupUngatedName(t *testing.T) {
	k, _ := newTestService(t)
	registrant := newClientProc(t, k, "plain")
	consumer := newClientProc(t, k, "app")

	_, err := registrant.Register("com.example.plain")
	require.NoError(t, err)

	// The keyed path degrades to a plain grant for ungated names.
	var key [32]byte
	cid, _, err := consumer.AuthenticatedConnect("com.example.plain", key)
	require.NoError(t, err)
	assert.NotEqual(t, xous.NoCID, cid)
}

func TestChallengeExpiry(t *testing.T) {
	k, n := newTestService(t)
	registrant := newClientProc(t, k, "vault")
	consumer := newClientProc(t, k, "slow-app")

	var key [32]byte
	copy(key[:], "key")
	_, err := registrant.RegisterAuthenticated("com.example.vault", key)
	require.NoError(t, err)

	first, err := consumer.call(OpAuthenticatedLookup, Request{Name: "com.example.vault"})
	require.NoError(t, err)
	require.Equal(t, StatusChallenge, first.Status)

	// The client dawdles past the challenge deadline.
	n.now = func() time.Time { return time.Now().Add(AuthenticateTimeout + time.Minute) }

	mac := ResponseMAC(key, first.Challenge)
	_, err = consumer.call(OpAuthenticatedLookup, Request{
		Name:        "com.example.vault",
		ChallengeID: first.ChallengeID,
		HasMAC:      true,
		MAC:         mac,
	})
	assert.Equal(t, xous.Timeout, err)
}

func TestDisconnectTokenSingleUse(t *testing.T) {
	k, _ := newTestService(t)
	registrant := newClientProc(t, k, "svc")
	consumer := newClientProc(t, k, "app")

	_, err := registrant.Register("com.example.svc")
	require.NoError(t, err)
	cid, token, err := consumer.TryConnect("com.example.svc")
	require.NoError(t, err)

	require.NoError(t, consumer.Disconnect("com.example.svc", token, cid))

	// The token burned on first use.
	err = consumer.Disconnect("com.example.svc", token, cid)
	assert.Equal(t, xous.AccessDenied, err)
}

func TestCodecRequestRoundTrip(t *testing.T) {
	var key, mac [32]byte
	copy(key[:], "key bytes")
	copy(mac[:], "mac bytes")
	req := Request{
		Name:        "com.example.full",
		Token:       "disc_01ABC",
		ChallengeID: "chal_01DEF",
		HasKey:      true,
		Key:         key,
		HasMAC:      true,
		MAC:         mac,
	}

	buf := make([]byte, xous.PageSize)
	n, err := EncodeRequest(buf, req)
	require.NoError(t, err)

	got, err := DecodeRequest(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestCodecReplyRoundTrip(t *testing.T) {
	var challenge [32]byte
	copy(challenge[:], "nonce")
	reply := Reply{
		Status:      StatusChallenge,
		SID:         xous.NewSID(),
		Token:       "disc_01GHI",
		ChallengeID: "chal_01JKL",
		Challenge:   challenge,
	}

	buf := make([]byte, xous.PageSize)
	_, err := EncodeReply(buf, reply)
	require.NoError(t, err)

	got, err := DecodeReply(buf)
	require.NoError(t, err)
	assert.Equal(t, reply, got)
}

func TestCodecRejectsBadNames(t *testing.T) {
	buf := make([]byte, xous.PageSize)
	_, err := EncodeRequest(buf, Request{Name: ""})
	assert.Equal(t, xous.InvalidString, err)
	_, err = EncodeRequest(buf, Request{Name: strings.Repeat("x", MaxNameLen+1)})
	assert.Equal(t, xous.InvalidString, err)

	_, err = DecodeRequest([]byte{0})
	assert.Equal(t, xous.InvalidString, err)
}

func TestMACVerification(t *testing.T) {
	var key, challenge [32]byte
	copy(key[:], "key")
	copy(challenge[:], "challenge")

	mac := ResponseMAC(key, challenge)
	assert.True(t, VerifyMAC(key, challenge, mac))

	mac[0] ^= 1
	assert.False(t, VerifyMAC(key, challenge, mac))
}

func TestStatusCodes(t *testing.T) {
	assert.NoError(t, StatusError(StatusOK))
	assert.NoError(t, StatusError(StatusChallenge))
	assert.Equal(t, xous.ServerNotFound, StatusError(errStatus(xous.ServerNotFound)))
}
