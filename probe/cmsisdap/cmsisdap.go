// Package cmsisdap implements probe.Link on top of a probe.Backend,
// encoding the CMSIS-DAP command set: DAP_Connect, DAP_Disconnect,
// DAP_SWJ_Clock, DAP_SWJ_Sequence, DAP_TransferConfigure/DAP_Transfer (for
// single and pipelined-batched DP/AP register access), and
// DAP_ResetTarget/SWDIO-based reset assert/deassert.
package cmsisdap

import (
	"context"

	"github.com/golang/glog"
	"github.com/juju/errors"
	"github.com/probe-rs/probe-rs-sub011/probe"
)

// Command bytes from the CMSIS-DAP specification.
const (
	cmdDAPInfo       = 0x00
	cmdDAPConnect    = 0x02
	cmdDAPDisconnect = 0x03
	cmdDAPResetTgt   = 0x0A
	cmdDAPSWJClock   = 0x11
	cmdDAPSWJSeq     = 0x12
	cmdDAPTransfer   = 0x05
)

const (
	portSWD  = 1
	portJTAG = 2
)

// dapTransferRequest bits, per the CMSIS-DAP spec's DAP_Transfer request
// byte.
const (
	reqAPnDP    = 1 << 0
	reqRnW      = 1 << 1
	reqA2       = 1 << 2
	reqA3       = 1 << 3
	reqValueMatch = 1 << 4
	reqMatchMask  = 1 << 5
)

// Link implements probe.Link.
type Link struct {
	backend probe.Backend

	batch   []batchedOp
	results []uint32
}

type batchedOp struct {
	isAP    bool
	isWrite bool
	apSel   uint8
	addr    uint8
	value   uint32
}

// New wraps a Backend with the CMSIS-DAP command encoding.
func New(backend probe.Backend) *Link {
	return &Link{backend: backend}
}

func (l *Link) xfer(ctx context.Context, cmd byte, payload []byte) ([]byte, error) {
	buf := append([]byte{cmd}, payload...)
	if err := l.backend.Write(ctx, buf); err != nil {
		return nil, errors.Annotatef(err, "DAP command 0x%02x", cmd)
	}
	resp := make([]byte, l.backend.MaxPacketSize())
	n, err := l.backend.Read(ctx, resp)
	if err != nil {
		return nil, errors.Annotatef(err, "DAP response for 0x%02x", cmd)
	}
	resp = resp[:n]
	if len(resp) == 0 || resp[0] != cmd {
		return nil, errors.Errorf("DAP response command mismatch: sent 0x%02x, got %v", cmd, resp)
	}
	return resp[1:], nil
}

func (l *Link) Connect(ctx context.Context, proto probe.WireProtocol) error {
	p := byte(portSWD)
	if proto == probe.ProtocolJTAG {
		p = portJTAG
	}
	resp, err := l.xfer(ctx, cmdDAPConnect, []byte{p})
	if err != nil {
		return errors.Trace(err)
	}
	if len(resp) == 0 || resp[0] == 0 {
		return errors.Errorf("probe rejected protocol selection")
	}
	return nil
}

func (l *Link) Disconnect(ctx context.Context) error {
	_, err := l.xfer(ctx, cmdDAPDisconnect, nil)
	return errors.Trace(err)
}

func (l *Link) SetSpeedKHz(ctx context.Context, khz uint32) error {
	payload := []byte{
		byte(khz * 1000), byte(khz * 1000 >> 8), byte(khz * 1000 >> 16), byte(khz * 1000 >> 24),
	}
	_, err := l.xfer(ctx, cmdDAPSWJClock, payload)
	return errors.Trace(err)
}

func (l *Link) SWJSequence(ctx context.Context, bits []byte, nbits int) error {
	payload := append([]byte{byte(nbits)}, bits...)
	_, err := l.xfer(ctx, cmdDAPSWJSeq, payload)
	return errors.Trace(err)
}

func (l *Link) TargetResetAssert(ctx context.Context) error {
	_, err := l.xfer(ctx, cmdDAPResetTgt, []byte{1})
	return errors.Trace(err)
}

func (l *Link) TargetResetDeassert(ctx context.Context) error {
	_, err := l.xfer(ctx, cmdDAPResetTgt, []byte{0})
	return errors.Trace(err)
}

// transferResultFromAck decodes the 3-bit ACK field CMSIS-DAP returns after
// a transfer: 1=OK, 2=WAIT, 4=FAULT, anything else is a protocol error.
func transferResultFromAck(ack byte) probe.TransferResult {
	switch ack & 0x7 {
	case 1:
		return probe.TransferOK
	case 2:
		return probe.TransferWait
	case 4:
		return probe.TransferFault
	default:
		return probe.TransferProtocolError
	}
}

func (l *Link) doTransfer(ctx context.Context, isAP bool, isWrite bool, apSel uint8, addr uint8, value uint32) (uint32, probe.TransferResult, error) {
	req := byte(0)
	if isAP {
		req |= reqAPnDP
	}
	if !isWrite {
		req |= reqRnW
	}
	req |= addr & 0xC

	payload := []byte{0 /* DAP index */, 1 /* transfer count */, req}
	if isWrite {
		payload = append(payload, byte(value), byte(value>>8), byte(value>>16), byte(value>>24))
	}
	resp, err := l.xfer(ctx, cmdDAPTransfer, payload)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	if len(resp) < 2 {
		return 0, 0, errors.Errorf("short DAP_Transfer response")
	}
	count := resp[0]
	ack := resp[1]
	result := transferResultFromAck(ack)
	if count == 0 || result != probe.TransferOK {
		if result == probe.TransferFault {
			glog.V(1).Infof("DAP transfer faulted (AP=%v write=%v addr=0x%x)", isAP, isWrite, addr)
		}
		return 0, result, nil
	}
	if !isWrite {
		if len(resp) < 6 {
			return 0, 0, errors.Errorf("short DAP_Transfer read response")
		}
		v := uint32(resp[2]) | uint32(resp[3])<<8 | uint32(resp[4])<<16 | uint32(resp[5])<<24
		return v, result, nil
	}
	return 0, result, nil
}

func (l *Link) ReadDP(ctx context.Context, addr uint8) (uint32, probe.TransferResult, error) {
	return l.doTransfer(ctx, false, false, 0, addr, 0)
}

func (l *Link) WriteDP(ctx context.Context, addr uint8, value uint32) (probe.TransferResult, error) {
	_, res, err := l.doTransfer(ctx, false, true, 0, addr, value)
	return res, err
}

func (l *Link) ReadAP(ctx context.Context, apSel uint8, addr uint8) (uint32, probe.TransferResult, error) {
	return l.doTransfer(ctx, true, false, apSel, addr, 0)
}

func (l *Link) WriteAP(ctx context.Context, apSel uint8, addr uint8, value uint32) (probe.TransferResult, error) {
	_, res, err := l.doTransfer(ctx, true, true, apSel, addr, value)
	return res, err
}

func (l *Link) SupportsPipelining() bool {
	return l.backend.SupportsPipelining()
}

func (l *Link) ScheduleReadAP(ctx context.Context, apSel uint8, addr uint8) (probe.DeferredResult, error) {
	l.batch = append(l.batch, batchedOp{isAP: true, isWrite: false, apSel: apSel, addr: addr})
	return probe.DeferredResult(len(l.batch) - 1), nil
}

func (l *Link) ScheduleWriteAP(ctx context.Context, apSel uint8, addr uint8, value uint32) error {
	l.batch = append(l.batch, batchedOp{isAP: true, isWrite: true, apSel: apSel, addr: addr, value: value})
	return nil
}

// Execute drains the scheduled batch. Without pipelining support, each op
// runs as an ordinary immediate transfer in program order (still the
// correct linearization, just not coalesced into a single USB transaction).
// With pipelining, ops are packed into a single DAP_Transfer request
// whose count matches the backend's MaxPacketSize limit, split into
// multiple underlying transactions if the batch is larger.
func (l *Link) Execute(ctx context.Context) error {
	batch := l.batch
	l.batch = nil
	l.results = make([]uint32, len(batch))
	if len(batch) == 0 {
		return nil
	}
	if !l.SupportsPipelining() {
		for i, op := range batch {
			if op.isWrite {
				if _, err := l.WriteAP(ctx, op.apSel, op.addr, op.value); err != nil {
					return errors.Trace(err)
				}
				continue
			}
			v, _, err := l.ReadAP(ctx, op.apSel, op.addr)
			if err != nil {
				return errors.Trace(err)
			}
			l.results[i] = v
		}
		return nil
	}
	// Pipelined path: one DAP_Transfer request, one response, per the
	// chunk the backend's MaxPacketSize can carry.
	const perOpBytes = 5 // 1 request byte + up to 4 value bytes
	maxOpsPerChunk := (l.backend.MaxPacketSize() - 3) / perOpBytes
	if maxOpsPerChunk < 1 {
		maxOpsPerChunk = 1
	}
	for start := 0; start < len(batch); start += maxOpsPerChunk {
		end := start + maxOpsPerChunk
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]
		payload := []byte{0, byte(len(chunk))}
		for _, op := range chunk {
			req := byte(reqAPnDP)
			if !op.isWrite {
				req |= reqRnW
			}
			req |= op.addr & 0xC
			payload = append(payload, req)
			if op.isWrite {
				payload = append(payload, byte(op.value), byte(op.value>>8), byte(op.value>>16), byte(op.value>>24))
			}
		}
		resp, err := l.xfer(ctx, cmdDAPTransfer, payload)
		if err != nil {
			return errors.Trace(err)
		}
		if len(resp) < 2 {
			return errors.Errorf("short pipelined DAP_Transfer response")
		}
		count, ack := resp[0], resp[1]
		result := transferResultFromAck(ack)
		if result != probe.TransferOK {
			return errors.Errorf("pipelined transfer failed after %d/%d ops: ack=0x%x", count, len(chunk), ack)
		}
		off := 2
		for i, op := range chunk {
			if op.isWrite {
				continue
			}
			if off+4 > len(resp) {
				return errors.Errorf("truncated pipelined read results")
			}
			l.results[start+i] = uint32(resp[off]) | uint32(resp[off+1])<<8 | uint32(resp[off+2])<<16 | uint32(resp[off+3])<<24
			off += 4
		}
	}
	return nil
}

// Result retrieves the value of a read scheduled via ScheduleReadAP, valid
// only after the Execute call that drained the batch it belonged to.
func (l *Link) Result(id probe.DeferredResult) (uint32, error) {
	if int(id) < 0 || int(id) >= len(l.results) {
		return 0, errors.Errorf("deferred result %d not available (stale or never executed)", id)
	}
	return l.results[id], nil
}
