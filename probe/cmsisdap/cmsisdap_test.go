package cmsisdap

import (
	"context"
	"testing"

	"github.com/probe-rs/probe-rs-sub011/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend is a tiny in-memory AP register file responding to
// DAP_Transfer requests exactly as a real CMSIS-DAP probe would, used to
// exercise the Link encoding without real hardware.
type fakeBackend struct {
	regs        map[uint8]uint32
	pipelined   bool
	lastRequest []byte
	resp        []byte
}

func (b *fakeBackend) Write(ctx context.Context, data []byte) error {
	b.lastRequest = append([]byte(nil), data...)
	cmd := data[0]
	switch cmd {
	case cmdDAPConnect:
		b.resp = []byte{cmd, 1}
	case cmdDAPTransfer:
		b.resp = b.handleTransfer(data[1:])
	default:
		b.resp = []byte{cmd, 1}
	}
	return nil
}

func (b *fakeBackend) handleTransfer(payload []byte) []byte {
	count := int(payload[1])
	out := []byte{cmdDAPTransfer, byte(count), 1 /* ACK OK */}
	off := 2
	for i := 0; i < count; i++ {
		req := payload[off]
		off++
		addr := req & 0xC
		isWrite := req&reqRnW == 0
		if isWrite {
			v := uint32(payload[off]) | uint32(payload[off+1])<<8 | uint32(payload[off+2])<<16 | uint32(payload[off+3])<<24
			off += 4
			if b.regs == nil {
				b.regs = map[uint8]uint32{}
			}
			b.regs[addr] = v
		} else {
			v := b.regs[addr]
			out = append(out, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
		}
	}
	return out
}

func (b *fakeBackend) Read(ctx context.Context, buf []byte) (int, error) {
	n := copy(buf, b.resp)
	return n, nil
}

func (b *fakeBackend) Close() error               { return nil }
func (b *fakeBackend) SupportsPipelining() bool    { return b.pipelined }
func (b *fakeBackend) MaxPacketSize() int          { return 64 }

func TestConnectAndSingleTransfer(t *testing.T) {
	fb := &fakeBackend{regs: map[uint8]uint32{}}
	link := New(fb)
	require.NoError(t, link.Connect(context.Background(), probe.ProtocolSWD))

	res, err := link.WriteAP(context.Background(), 0, 0x0, 0xDEADBEEF)
	require.NoError(t, err)
	assert.Equal(t, probe.TransferOK, res)

	v, res, err := link.ReadAP(context.Background(), 0, 0x0)
	require.NoError(t, err)
	assert.Equal(t, probe.TransferOK, res)
	assert.EqualValues(t, 0xDEADBEEF, v)
}

func TestPipelinedBatch(t *testing.T) {
	fb := &fakeBackend{regs: map[uint8]uint32{}, pipelined: true}
	link := New(fb)
	require.True(t, link.SupportsPipelining())

	require.NoError(t, link.ScheduleWriteAP(context.Background(), 0, 0x0, 0x11223344))
	id, err := link.ScheduleReadAP(context.Background(), 0, 0x0)
	require.NoError(t, err)

	require.NoError(t, link.Execute(context.Background()))

	v, err := link.Result(id)
	require.NoError(t, err)
	assert.EqualValues(t, 0x11223344, v)
}

func TestNonPipelinedBatchFallsBackToSerialExecution(t *testing.T) {
	fb := &fakeBackend{regs: map[uint8]uint32{}, pipelined: false}
	link := New(fb)
	require.False(t, link.SupportsPipelining())

	require.NoError(t, link.ScheduleWriteAP(context.Background(), 0, 0x0, 42))
	id, err := link.ScheduleReadAP(context.Background(), 0, 0x0)
	require.NoError(t, err)
	require.NoError(t, link.Execute(context.Background()))

	v, err := link.Result(id)
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)
}
