// Package hosted carries the syscall ABI over TCP. Each userspace
// process is a separate OS process that connects to the kernel, sends a
// hello frame, and then exchanges syscall frames. The byte layout is the
// same 8-word register window native targets use, so the same dispatch
// path serves both.
package hosted

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/betrusted-io/xous-hosted/internal/xous"
)

// HelloMagic in word 0 marks the first frame on a fresh connection. The
// payload carries the process name.
const HelloMagic = 0x786f7573 // "xous"

// frameHeader is tid plus eight words, all little-endian u64 on the
// wire regardless of host word size.
const frameHeaderLen = 4 + 8*8

// Frame is one syscall request or response: the issuing thread, the
// 8-word register image, and an optional memory payload for frames that
// carry buffer contents across the process boundary.
type Frame struct {
	TID     xous.TID
	Words   [8]uintptr
	Payload []byte
}

// WriteFrame marshals one length-prefixed frame.
func WriteFrame(w io.Writer, f Frame) error {
	buf := make([]byte, 4+frameHeaderLen+len(f.Payload))
	binary.LittleEndian.PutUint32(buf[0:], uint32(frameHeaderLen+len(f.Payload)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(f.TID))
	for i, w := range f.Words {
		binary.LittleEndian.PutUint64(buf[8+i*8:], uint64(w))
	}
	copy(buf[4+frameHeaderLen:], f.Payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame unmarshals one frame, rejecting anything larger than
// maxPayload bytes of payload.
func ReadFrame(r io.Reader, maxPayload int) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n < frameHeaderLen || int(n) > frameHeaderLen+maxPayload {
		return Frame{}, fmt.Errorf("read frame: bad length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	f := Frame{TID: xous.TID(binary.LittleEndian.Uint32(buf[0:]))}
	for i := range f.Words {
		f.Words[i] = uintptr(binary.LittleEndian.Uint64(buf[4+i*8:]))
	}
	if int(n) > frameHeaderLen {
		f.Payload = buf[frameHeaderLen:]
	}
	return f, nil
}
