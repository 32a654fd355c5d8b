package ddcmp

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

// Packet represents a parsed DDCMP message
type Packet struct {
	Type    uint8       // SOH, ENQ or DLE
	Control ControlType // Control type (ENQ only)
	Reason  NakReason   // NAK reason (ENQ NAK only)
	Flags   uint8       // SELECT/QSYNC
	Count   int         // Payload length (SOH/DLE only)
	Resp    uint8       // Last message received correctly by the sender
	Num     uint8       // Message number (SOH, REP)
	Addr    uint8       // Station address

	// Payload (without CRC)
	Payload []byte
}

// IsData reports whether p is a numbered data message
func (p *Packet) IsData() bool { return p.Type == SOH }

// IsControl reports whether p is a control message
func (p *Packet) IsControl() bool { return p.Type == ENQ }

// IsMaintenance reports whether p is a maintenance message
func (p *Packet) IsMaintenance() bool { return p.Type == DLE }

// BuildData builds a numbered data message
func BuildData(payload []byte, flags, num, resp uint8) ([]byte, error) {
	return buildCounted(SOH, payload, flags, resp, num)
}

// BuildMaintenance builds a maintenance message. Maintenance messages
// carry no sequence information.
func BuildMaintenance(payload []byte) ([]byte, error) {
	return buildCounted(DLE, payload, FlagSelect|FlagQSync, 0, 0)
}

// BuildAck builds an ACK acknowledging every message up to resp
func BuildAck(resp, flags uint8) []byte {
	return buildControl(CtlAck, 0, flags, resp, 0)
}

// BuildNak builds a NAK. resp acknowledges messages up to resp.
func BuildNak(reason NakReason, resp, flags uint8) []byte {
	return buildControl(CtlNak, uint8(reason), flags, resp, 0)
}

// buildGapNak builds a NAK that also names the missing message in the
// NUM byte, which peers ignore on NAKs
func buildGapNak(resp, missing, flags uint8) []byte {
	return buildControl(CtlNak, uint8(NakHeaderCRC), flags, resp, missing)
}

// BuildRep builds a REP asking whether message num was received
func BuildRep(num, flags uint8) []byte {
	return buildControl(CtlRep, 0, flags, 0, num)
}

// BuildStart builds a STRT
func BuildStart(flags uint8) []byte {
	return buildControl(CtlStrt, 0, flags, 0, 0)
}

// BuildStartAck builds a STACK
func BuildStartAck(flags uint8) []byte {
	return buildControl(CtlStack, 0, flags, 0, 0)
}

func buildControl(ctl ControlType, sub, flags, resp, num uint8) []byte {
	frame := make([]byte, HeaderSize)
	frame[0] = ENQ
	frame[1] = uint8(ctl)
	frame[2] = (sub & countMask) | (flags & FlagMask)
	frame[3] = resp
	frame[4] = num
	frame[5] = StationAddr
	putCRC(frame, 6)
	return frame
}

func buildCounted(typ uint8, payload []byte, flags, resp, num uint8) ([]byte, error) {
	n := len(payload)
	if n > MaxDataLength {
		return nil, errors.Wrapf(ErrMessageTooLong, "%d bytes", n)
	}

	frame := make([]byte, HeaderSize+n+CRCSize)
	frame[0] = typ
	frame[1] = byte(n)
	frame[2] = byte(n>>8)&countMask | flags&FlagMask
	frame[3] = resp
	frame[4] = num
	frame[5] = StationAddr
	putCRC(frame, 6)

	copy(frame[HeaderSize:], payload)
	putCRC(frame[HeaderSize:], n)
	return frame, nil
}

// FrameLength returns the total length of the frame whose header starts
// data. Frames with an unknown type or a bad header CRC are treated as
// bare 8-byte headers so a stream reader can resynchronise.
func FrameLength(data []byte) int {
	if len(data) < HeaderSize {
		return HeaderSize
	}
	switch data[0] {
	case SOH, DLE:
		if !VerifyCRC(data[:HeaderSize]) {
			return HeaderSize
		}
		return HeaderSize + headerCount(data) + CRCSize
	default:
		return HeaderSize
	}
}

func headerCount(data []byte) int {
	return int(data[1]) | int(data[2]&countMask)<<8
}

func discard(err error) *MessageError {
	return &MessageError{Discard: true, Err: err}
}

func reject(reason NakReason, err error) *MessageError {
	return &MessageError{Reason: reason, Err: err}
}

// Parse parses one DDCMP frame. Errors are always *MessageError; the
// reason tells the link which NAK to send, unless the frame is to be
// discarded silently.
func Parse(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, discard(errors.Wrapf(ErrFrameTooShort, "%d bytes", len(data)))
	}

	typ := data[0]
	if typ != SOH && typ != ENQ && typ != DLE {
		return nil, discard(errors.Wrapf(ErrUnknownType, "type byte 0x%02X", typ))
	}

	if !VerifyCRC(data[:HeaderSize]) {
		return nil, reject(NakHeaderCRC, ErrHeaderCRC)
	}

	p := &Packet{
		Type:  typ,
		Flags: data[2] & FlagMask,
		Resp:  data[3],
		Num:   data[4],
		Addr:  data[5],
	}

	if typ == ENQ {
		p.Control = ControlType(data[1])
		switch p.Control {
		case CtlAck, CtlRep, CtlStrt, CtlStack:
		case CtlNak:
			p.Reason = NakReason(data[2] & countMask)
		default:
			return nil, reject(NakHeaderFormat, errors.Wrapf(ErrHeaderFormat, "control type %d", data[1]))
		}
		return p, nil
	}

	p.Count = headerCount(data)
	end := HeaderSize + p.Count + CRCSize

	if typ == DLE {
		if len(data) < end {
			return nil, discard(errors.Wrapf(ErrFrameTooShort, "maintenance count %d, have %d bytes", p.Count, len(data)))
		}
		if !VerifyCRC(data[HeaderSize:end]) {
			return nil, discard(ErrDataCRC)
		}
	} else {
		if p.Count == 0 {
			return nil, reject(NakHeaderFormat, errors.Wrap(ErrHeaderFormat, "zero length data message"))
		}
		if len(data) < end {
			return nil, reject(NakHeaderFormat, errors.Wrapf(ErrHeaderFormat, "count %d, have %d bytes", p.Count, len(data)))
		}
		if !VerifyCRC(data[HeaderSize:end]) {
			return nil, reject(NakDataCRC, ErrDataCRC)
		}
	}

	p.Payload = make([]byte, p.Count)
	copy(p.Payload, data[HeaderSize:end-CRCSize])
	return p, nil
}

// String returns a string representation of the packet
func (p *Packet) String() string {
	var buf bytes.Buffer
	switch p.Type {
	case SOH:
		buf.WriteString(fmt.Sprintf("DATA{Num=%d, Resp=%d, Len=%d", p.Num, p.Resp, p.Count))
	case DLE:
		buf.WriteString(fmt.Sprintf("MAINT{Len=%d", p.Count))
	case ENQ:
		buf.WriteString(fmt.Sprintf("%s{", p.Control))
		switch p.Control {
		case CtlAck:
			buf.WriteString(fmt.Sprintf("Resp=%d", p.Resp))
		case CtlNak:
			buf.WriteString(fmt.Sprintf("Resp=%d, Reason=%s", p.Resp, p.Reason))
		case CtlRep:
			buf.WriteString(fmt.Sprintf("Num=%d", p.Num))
		}
	default:
		buf.WriteString("UNKNOWN{")
	}
	if p.Flags&FlagSelect != 0 {
		buf.WriteString(", SELECT")
	}
	if p.Flags&FlagQSync != 0 {
		buf.WriteString(", QSYNC")
	}
	buf.WriteString("}")
	return buf.String()
}
