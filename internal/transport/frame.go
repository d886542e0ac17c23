package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire framing: a broker frame is [uint32 frameLen][uint16 topicLen][topic
// bytes][codec-encoded message bytes]. The topic travels outside the
// codec.Message envelope since codec.Message (package codec) is the
// application-level DXL message shape and carries no topic field of its
// own; the transport is what a pub/sub system addresses by topic, so the
// topic belongs to the transport's own framing rather than to the message
// format it carries.
const (
	maxFrameLen = 64 << 20
	maxTopicLen = 1 << 16
)

// WriteFrame and ReadFrame are the exported form of the frame codec, used
// by package bridge to exchange the identity handshake frame before a
// Connection exists to own the socket.
func WriteFrame(w io.Writer, topic string, payload []byte) error {
	return writeFrame(w, topic, payload)
}

// ReadFrame is the exported form of readFrame; see WriteFrame.
func ReadFrame(r *bufio.Reader) (topic string, payload []byte, err error) {
	return readFrame(r)
}

func writeFrame(w io.Writer, topic string, payload []byte) error {
	if len(topic) > maxTopicLen {
		return fmt.Errorf("transport: topic exceeds %d bytes", maxTopicLen)
	}
	frameLen := 2 + len(topic) + len(payload)
	if frameLen > maxFrameLen {
		return fmt.Errorf("transport: frame exceeds %d bytes", maxFrameLen)
	}

	header := make([]byte, 4+2)
	binary.BigEndian.PutUint32(header[0:4], uint32(frameLen))
	binary.BigEndian.PutUint16(header[4:6], uint16(len(topic)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := io.WriteString(w, topic); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r *bufio.Reader) (topic string, payload []byte, err error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return "", nil, err
	}
	frameLen := binary.BigEndian.Uint32(header)
	if frameLen > maxFrameLen {
		return "", nil, fmt.Errorf("transport: frame length %d exceeds sanity ceiling", frameLen)
	}
	if frameLen < 2 {
		return "", nil, fmt.Errorf("transport: frame shorter than topic-length header")
	}

	body := make([]byte, frameLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", nil, err
	}

	topicLen := binary.BigEndian.Uint16(body[0:2])
	if int(topicLen) > len(body)-2 {
		return "", nil, fmt.Errorf("transport: topic length exceeds frame body")
	}
	topic = string(body[2 : 2+topicLen])
	payload = body[2+topicLen:]
	return topic, payload, nil
}
