package xous

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorRoundTrip(t *testing.T) {
	for _, e := range []Error{BadAlignment, ServerNotFound, OutOfMemory, DoubleFree} {
		assert.Equal(t, e, ErrorFromWord(uintptr(e)))
	}
	// Unknown codes collapse instead of minting new errors.
	assert.Equal(t, InternalError, ErrorFromWord(0xdead))
}

func TestErrResult(t *testing.T) {
	r := Err(ServerQueueFull)
	assert.True(t, r.IsError())
	assert.Equal(t, ServerQueueFull, r.Err())
	assert.Equal(t, NoError, Ok().Err())
}

func TestKindPredicates(t *testing.T) {
	assert.False(t, KindScalar.IsBlocking())
	assert.False(t, KindScalar.IsMemory())
	assert.True(t, KindBlockingScalar.IsBlocking())
	assert.False(t, KindBlockingScalar.IsMemory())
	assert.True(t, KindBorrow.IsBlocking())
	assert.True(t, KindBorrow.IsMemory())
	assert.True(t, KindMutableBorrow.IsBlocking())
	assert.True(t, KindMutableBorrow.IsMemory())
	assert.False(t, KindMove.IsBlocking(), "a move never parks the sender")
	assert.True(t, KindMove.IsMemory())
}

func TestMessageOpcode(t *testing.T) {
	s := NewBlockingScalar(7, 1, 2)
	assert.Equal(t, uint32(7), s.Opcode())
	assert.Equal(t, uintptr(2), s.Scalar.Args[1])

	m := NewMemory(KindBorrow, 9, MemoryRange{Addr: 0x1000, Size: PageSize}, 0, 64)
	assert.Equal(t, uint32(9), m.Opcode())
}

func TestResultFrameRoundTrip(t *testing.T) {
	cases := []Result{
		Ok(),
		Err(AccessDenied),
		RangeResult(MemoryRange{Addr: 0x2000_0000, Size: 2 * PageSize}),
		ConnResult(4),
		ThreadResult(3),
		ProcessResult(9),
		Scalar1(42),
		Scalar2(1, 2),
	}
	for _, want := range cases {
		got := ResultFromFrame(want.Frame())
		assert.Equal(t, want.Tag, got.Tag)
		assert.Equal(t, want.Words, got.Words)
	}
}

func TestMessageResultFrame(t *testing.T) {
	env := Envelope{
		Sender:  Sender(0x8000_0105),
		Message: NewMemory(KindMutableBorrow, 12, MemoryRange{Addr: 0x3000, Size: PageSize}, 0, 100),
	}
	frame := MessageResult(env).Frame()

	// The envelope is rebuilt entirely from the register image, exactly
	// what a hosted client decodes on the far side of the wire.
	got := ResultFromFrame(frame)
	require.NotNil(t, got.Envelope)
	assert.Equal(t, env.Sender, got.Envelope.Sender)
	assert.Equal(t, KindMutableBorrow, got.Envelope.Message.Kind)
	assert.Equal(t, uint32(12), got.Envelope.Message.Opcode())
	assert.Equal(t, env.Message.Memory.Buf, got.Envelope.Message.Memory.Buf)
	assert.Equal(t, uintptr(100), got.Envelope.Message.Memory.Valid)
}

func TestScalarEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		Sender:  Sender(0x8000_0001),
		Message: NewBlockingScalar(3, 10, 20, 30, 40),
	}
	got := ResultFromFrame(MessageResult(env).Frame())
	require.NotNil(t, got.Envelope)
	assert.Equal(t, KindBlockingScalar, got.Envelope.Message.Kind)
	assert.Equal(t, [4]uintptr{10, 20, 30, 40}, got.Envelope.Message.Scalar.Args)
}

func TestSIDWords(t *testing.T) {
	sid := NewSID()
	assert.False(t, sid.IsZero())
	a, b, c, d := sid.Words()
	assert.Equal(t, sid, SIDFromWords(a, b, c, d))
	assert.NotEqual(t, sid, NewSID())
}

func TestSIDRedaction(t *testing.T) {
	sid := SID{0x11111111, 0x22222222, 0x33333333, 0x44445678}
	s := sid.String()
	assert.NotContains(t, s, "11111111")
	assert.Contains(t, s, "5678")
}

func TestMemoryRange(t *testing.T) {
	r := MemoryRange{Addr: 0x1000, Size: PageSize + 1}
	assert.True(t, r.IsValid())
	assert.False(t, r.IsAligned())
	assert.Equal(t, 2, r.Pages())
	assert.False(t, MemoryRange{}.IsValid())
}
