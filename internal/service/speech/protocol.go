package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// 火山引擎语音 WebSocket 二进制协议，只保留合成所需的部分。
const protocolVersion = 0b0001

type messageType uint8

const (
	fullClientRequest       messageType = 0b0001
	fullServerResponse      messageType = 0b1001
	audioOnlyServerResponse messageType = 0b1011
	errorMessage            messageType = 0b1111
)

type messageFlags uint8

const (
	noSequence       messageFlags = 0b0000
	positiveSequence messageFlags = 0b0001
	lastNoSequence   messageFlags = 0b0010
	negativeSequence messageFlags = 0b0011
	withEvent        messageFlags = 0b0100
)

type eventType int32

const (
	eventStartConnection    eventType = 1
	eventFinishConnection   eventType = 2
	eventConnectionStarted  eventType = 50
	eventConnectionFailed   eventType = 51
	eventConnectionFinished eventType = 52
	eventSessionFinished    eventType = 152
)

const (
	jsonSerialization = 0b0001
	noCompression     = 0b0000
	gzipCompression   = 0b0001
)

type frame struct {
	Type        messageType
	Flags       messageFlags
	Compression uint8
	Sequence    int32
	Event       eventType
	SessionID   string
	ConnectID   string
	ErrorCode   uint32
	Payload     []byte
}

// last 表示服务端的最后一包。
func (f *frame) last() bool {
	switch f.Flags & 0b0011 {
	case lastNoSequence, negativeSequence:
		return true
	}
	return false
}

// body 返回解压后的 payload。
func (f *frame) body() ([]byte, error) {
	switch f.Compression {
	case noCompression:
		return f.Payload, nil
	case gzipCompression:
		zr, err := gzip.NewReader(bytes.NewReader(f.Payload))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", f.Compression)
	}
}

// encodeClientRequest 构造一条未压缩的 JSON 完整请求。
func encodeClientRequest(payload []byte) []byte {
	buf := make([]byte, 8, 8+len(payload))
	buf[0] = protocolVersion<<4 | 0b0001
	buf[1] = byte(fullClientRequest)<<4 | byte(noSequence)
	buf[2] = jsonSerialization<<4 | noCompression
	binary.BigEndian.PutUint32(buf[4:], uint32(len(payload)))
	return append(buf, payload...)
}

// decodeFrame 解析服务端消息。
func decodeFrame(data []byte) (*frame, error) {
	r := bytes.NewReader(data)
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if v := head[0] >> 4; v != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", v)
	}
	if extra := int(head[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("read extended header: %w", err)
		}
	}

	f := &frame{
		Type:        messageType(head[1] >> 4),
		Flags:       messageFlags(head[1] & 0x0F),
		Compression: head[2] & 0x0F,
	}

	switch f.Flags & 0b0011 {
	case positiveSequence, negativeSequence:
		if err := binary.Read(r, binary.BigEndian, &f.Sequence); err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
	}

	if f.Flags&withEvent == withEvent {
		if err := binary.Read(r, binary.BigEndian, &f.Event); err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		if !eventSkipsSessionID(f.Event) {
			s, err := readSized(r)
			if err != nil {
				return nil, fmt.Errorf("read session id: %w", err)
			}
			f.SessionID = s
		}
		if eventHasConnectID(f.Event) {
			s, err := readSized(r)
			if err != nil {
				return nil, fmt.Errorf("read connect id: %w", err)
			}
			f.ConnectID = s
		}
	}

	if f.Type == errorMessage {
		if err := binary.Read(r, binary.BigEndian, &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("read payload size: %w", err)
	}
	if int64(size) > int64(r.Len()) {
		return nil, errors.New("payload size exceeds message")
	}
	f.Payload = make([]byte, size)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return f, nil
}

func readSized(r *bytes.Reader) (string, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return "", err
	}
	if int64(size) > int64(r.Len()) {
		return "", errors.New("field size exceeds message")
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func eventSkipsSessionID(e eventType) bool {
	switch e {
	case eventStartConnection, eventFinishConnection,
		eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func eventHasConnectID(e eventType) bool {
	switch e {
	case eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}
