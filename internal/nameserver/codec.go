// Package nameserver implements the well-known name service: servers
// register human-readable names, clients resolve them to server IDs,
// and sensitive names are gated behind a keyed challenge handshake.
package nameserver

import (
	"crypto/subtle"
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// MaxNameLen caps registered names. Names are length-prefixed inside a
// fixed page-sized exchange buffer, so the cap keeps every request and
// reply comfortably inside one page.
const MaxNameLen = 64

// Operation numbers carried as the message opcode. The enum is closed:
// anything else is answered with UnhandledSyscall.
const (
	OpRegister uint32 = iota
	OpTryConnect
	OpBlockingConnect
	OpAuthenticatedLookup
	OpDisconnect
)

// Reply status codes. Values above StatusChallenge are kernel error
// codes squeezed into a byte.
const (
	StatusOK        uint8 = 0
	StatusChallenge uint8 = 1
)

// WellKnownSID is the fixed address every process can reach the name
// service at without resolving anything first.
var WellKnownSID = sidFromString("xous-name-server")

func sidFromString(s string) xous.SID {
	var b [16]byte
	copy(b[:], s)
	return xous.SIDFromWords(
		uintptr(binary.LittleEndian.Uint32(b[0:])),
		uintptr(binary.LittleEndian.Uint32(b[4:])),
		uintptr(binary.LittleEndian.Uint32(b[8:])),
		uintptr(binary.LittleEndian.Uint32(b[12:])),
	)
}

// Request is the decoded form of one exchange-buffer request.
type Request struct {
	Name        string
	Token       string
	ChallengeID string
	HasKey      bool
	Key         [32]byte
	HasMAC      bool
	MAC         [32]byte
}

// Reply is the decoded form of one exchange-buffer reply.
type Reply struct {
	Status      uint8
	SID         xous.SID
	Token       string
	ChallengeID string
	Challenge   [32]byte
}

const (
	flagToken     = 1 << 0
	flagChallenge = 1 << 1
	flagKey       = 1 << 2
	flagMAC       = 1 << 3
)

// EncodeRequest marshals a request into buf, returning the byte count.
func EncodeRequest(buf []byte, r Request) (int, error) {
	if len(r.Name) == 0 || len(r.Name) > MaxNameLen {
		return 0, xous.InvalidString
	}
	if len(r.Token) > 255 || len(r.ChallengeID) > 255 {
		return 0, xous.InvalidString
	}
	need := 2 + len(r.Name) + 1 + len(r.Token) + 1 + len(r.ChallengeID)
	if r.HasKey {
		need += 32
	}
	if r.HasMAC {
		need += 32
	}
	if need > len(buf) {
		return 0, xous.InvalidString
	}

	var flags byte
	if len(r.Token) > 0 {
		flags |= flagToken
	}
	if len(r.ChallengeID) > 0 {
		flags |= flagChallenge
	}
	if r.HasKey {
		flags |= flagKey
	}
	if r.HasMAC {
		flags |= flagMAC
	}

	n := 0
	buf[n] = byte(len(r.Name))
	n++
	n += copy(buf[n:], r.Name)
	buf[n] = flags
	n++
	buf[n] = byte(len(r.Token))
	n++
	n += copy(buf[n:], r.Token)
	buf[n] = byte(len(r.ChallengeID))
	n++
	n += copy(buf[n:], r.ChallengeID)
	if r.HasKey {
		n += copy(buf[n:], r.Key[:])
	}
	if r.HasMAC {
		n += copy(buf[n:], r.MAC[:])
	}
	return n, nil
}

// DecodeRequest unmarshals a request.
func DecodeRequest(buf []byte) (Request, error) {
	var r Request
	if len(buf) < 2 {
		return r, xous.InvalidString
	}
	nameLen := int(buf[0])
	if nameLen == 0 || nameLen > MaxNameLen || len(buf) < 1+nameLen+1 {
		return r, xous.InvalidString
	}
	n := 1
	r.Name = string(buf[n : n+nameLen])
	n += nameLen
	flags := buf[n]
	n++

	var err error
	if r.Token, n, err = takeString(buf, n); err != nil {
		return r, err
	}
	if r.ChallengeID, n, err = takeString(buf, n); err != nil {
		return r, err
	}
	if flags&flagKey != 0 {
		if len(buf) < n+32 {
			return r, xous.InvalidString
		}
		r.HasKey = true
		copy(r.Key[:], buf[n:])
		n += 32
	}
	if flags&flagMAC != 0 {
		if len(buf) < n+32 {
			return r, xous.InvalidString
		}
		r.HasMAC = true
		copy(r.MAC[:], buf[n:])
	}
	return r, nil
}

// EncodeReply marshals a reply into buf, returning the byte count.
func EncodeReply(buf []byte, r Reply) (int, error) {
	if len(r.Token) > 255 || len(r.ChallengeID) > 255 {
		return 0, xous.InvalidString
	}
	need := 1 + 16 + 1 + 1 + len(r.Token) + 1 + len(r.ChallengeID) + 32
	if need > len(buf) {
		return 0, xous.InvalidString
	}

	n := 0
	buf[n] = r.Status
	n++
	a, b, c, d := r.SID.Words()
	binary.LittleEndian.PutUint32(buf[n:], uint32(a))
	binary.LittleEndian.PutUint32(buf[n+4:], uint32(b))
	binary.LittleEndian.PutUint32(buf[n+8:], uint32(c))
	binary.LittleEndian.PutUint32(buf[n+12:], uint32(d))
	n += 16

	var flags byte
	if len(r.Token) > 0 {
		flags |= flagToken
	}
	if len(r.ChallengeID) > 0 {
		flags |= flagChallenge
	}
	buf[n] = flags
	n++
	buf[n] = byte(len(r.Token))
	n++
	n += copy(buf[n:], r.Token)
	buf[n] = byte(len(r.ChallengeID))
	n++
	n += copy(buf[n:], r.ChallengeID)
	if flags&flagChallenge != 0 {
		n += copy(buf[n:], r.Challenge[:])
	}
	return n, nil
}

// DecodeReply unmarshals a reply.
func DecodeReply(buf []byte) (Reply, error) {
	var r Reply
	if len(buf) < 18 {
		return r, xous.InvalidString
	}
	r.Status = buf[0]
	r.SID = xous.SIDFromWords(
		uintptr(binary.LittleEndian.Uint32(buf[1:])),
		uintptr(binary.LittleEndian.Uint32(buf[5:])),
		uintptr(binary.LittleEndian.Uint32(buf[9:])),
		uintptr(binary.LittleEndian.Uint32(buf[13:])),
	)
	n := 17
	flags := buf[n]
	n++

	var err error
	if r.Token, n, err = takeString(buf, n); err != nil {
		return r, err
	}
	if r.ChallengeID, n, err = takeString(buf, n); err != nil {
		return r, err
	}
	if flags&flagChallenge != 0 {
		if len(buf) < n+32 {
			return r, xous.InvalidString
		}
		copy(r.Challenge[:], buf[n:])
	}
	return r, nil
}

func takeString(buf []byte, n int) (string, int, error) {
	if len(buf) <= n {
		return "", n, xous.InvalidString
	}
	l := int(buf[n])
	n++
	if len(buf) < n+l {
		return "", n, xous.InvalidString
	}
	return string(buf[n : n+l]), n + l, nil
}

// ResponseMAC computes the expected answer to an authentication
// challenge: a keyed blake2b digest over the challenge nonce.
func ResponseMAC(key, challenge [32]byte) [32]byte {
	h, err := blake2b.New256(key[:])
	if err != nil {
		panic(err)
	}
	h.Write(challenge[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyMAC compares an offered MAC in constant time.
func VerifyMAC(key, challenge, mac [32]byte) bool {
	want := ResponseMAC(key, challenge)
	return subtle.ConstantTimeCompare(want[:], mac[:]) == 1
}

// errStatus squeezes a kernel error into a reply status byte.
func errStatus(e xous.Error) uint8 {
	if e == xous.NoError || uint32(e) > 255 {
		return uint8(xous.InternalError)
	}
	return uint8(e)
}

// StatusError recovers the kernel error from a reply status.
func StatusError(status uint8) error {
	if status == StatusOK || status == StatusChallenge {
		return nil
	}
	return xous.ErrorFromWord(uintptr(status))
}
