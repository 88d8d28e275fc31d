package protocol

import (
	"errors"
	"fmt"

	"github.com/strand-protocol/strand/mgmtapi/pkg/mgmtbuf"
)

const (
	requestHeaderSize  = 1 + 4 + 4 + 1 + 4
	responseHeaderSize = 1 + 4 + 1
)

var (
	// ErrUnknownMessageType is returned for a message whose type byte is
	// neither TypeRequest nor TypeResponse.
	ErrUnknownMessageType = errors.New("mgmt protocol: unknown message type")
	// ErrShortMessage is returned when a message is smaller than its header.
	ErrShortMessage = errors.New("mgmt protocol: message shorter than header")
)

// Request is the envelope written once per management request.
//
//	[1B type=0x01][4B correlation id][4B protocol version][1B opcode][4B batch id][payload]
type Request struct {
	CorrelationID uint32
	Version       int32
	Opcode        byte
	BatchID       int32
	Payload       []byte
}

// Encode returns the wire form of the request.
func (m *Request) Encode() []byte {
	buf := mgmtbuf.NewBuffer(requestHeaderSize + len(m.Payload))
	buf.WriteHeader(TypeRequest)
	buf.WriteUint32(m.CorrelationID)
	buf.WriteInt32(m.Version)
	buf.WriteHeader(m.Opcode)
	buf.WriteInt32(m.BatchID)
	buf.WriteRaw(m.Payload)
	return buf.Bytes()
}

// Response is the envelope written at most once per request. Exactly one of
// Payload or Err is meaningful, selected by Err != nil.
//
//	[1B type=0x02][4B correlation id][1B status][payload | 2B code + string]
type Response struct {
	CorrelationID uint32
	Payload       []byte
	Err           *RemoteError
}

// Encode returns the wire form of the response.
func (m *Response) Encode() []byte {
	buf := mgmtbuf.NewBuffer(responseHeaderSize + len(m.Payload))
	buf.WriteHeader(TypeResponse)
	buf.WriteUint32(m.CorrelationID)
	if m.Err != nil {
		buf.WriteHeader(StatusError)
		buf.WriteUint16(m.Err.Code)
		buf.WriteString(m.Err.Message)
		return buf.Bytes()
	}
	buf.WriteHeader(StatusOK)
	buf.WriteRaw(m.Payload)
	return buf.Bytes()
}

// MessageType returns the type tag of a raw message.
func MessageType(msg []byte) (byte, error) {
	if len(msg) == 0 {
		return 0, ErrShortMessage
	}
	return msg[0], nil
}

// PeekCorrelationID returns the correlation id of any message with at least
// five bytes, even when the rest of the header is unusable.
func PeekCorrelationID(msg []byte) (uint32, bool) {
	if len(msg) < 5 {
		return 0, false
	}
	id, _ := mgmtbuf.NewReader(msg[1:5]).ReadUint32()
	return id, true
}

// DecodeRequest parses a request message. The payload aliases msg.
func DecodeRequest(msg []byte) (*Request, error) {
	if len(msg) < requestHeaderSize {
		return nil, ErrShortMessage
	}
	r := mgmtbuf.NewReader(msg)
	if err := ExpectHeader(r, TypeRequest); err != nil {
		return nil, err
	}
	m := &Request{}
	m.CorrelationID, _ = r.ReadUint32()
	m.Version, _ = r.ReadInt32()
	m.Opcode, _ = r.ReadByte()
	m.BatchID, _ = r.ReadInt32()
	m.Payload = r.Rest()
	return m, nil
}

// DecodeResponse parses a response message. The payload aliases msg.
func DecodeResponse(msg []byte) (*Response, error) {
	if len(msg) < responseHeaderSize {
		return nil, ErrShortMessage
	}
	r := mgmtbuf.NewReader(msg)
	if err := ExpectHeader(r, TypeResponse); err != nil {
		return nil, err
	}
	m := &Response{}
	m.CorrelationID, _ = r.ReadUint32()
	status, _ := r.ReadByte()
	switch status {
	case StatusOK:
		m.Payload = r.Rest()
	case StatusError:
		code, err := r.ReadUint16()
		if err != nil {
			return nil, fmt.Errorf("mgmt protocol: read error code: %w", err)
		}
		text, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("mgmt protocol: read error message: %w", err)
		}
		m.Err = &RemoteError{Code: code, Message: text}
	default:
		return nil, fmt.Errorf("mgmt protocol: invalid response status 0x%02x", status)
	}
	return m, nil
}
