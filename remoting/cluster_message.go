package remoting

import (
	"bufio"
	"io"
	"net"

	log "github.com/sirupsen/logrus"
	"github.com/squareup/blockmgr/common"
	"github.com/squareup/blockmgr/errors"
)

type ClusterMessageHandler interface {
	HandleMessage(clusterMessage ClusterMessage) (ClusterMessage, error)
}

type messageType byte

const (
	requestMessageType = iota + 1
	responseMessageType
	heartbeatMessageType
)

type ClusterRequest struct {
	requiresResponse bool
	sequence         int64
	requestMessage   ClusterMessage
}

type ClusterResponse struct {
	sequence        int64
	ok              bool
	errCode         int
	errMsg          string
	responseMessage ClusterMessage
}

type messageHandler func(msgType messageType, msg []byte) error

func (n *ClusterRequest) serialize(buff []byte) ([]byte, error) {
	var rrb byte
	if n.requiresResponse {
		rrb = 1
	}
	buff = append(buff, rrb)
	buff = common.AppendUint64ToBufferLE(buff, uint64(n.sequence))
	nBytes, err := serializeClusterMessage(n.requestMessage)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	buff = append(buff, nBytes...)
	return buff, nil
}

func (n *ClusterRequest) deserialize(buff []byte) error {
	if len(buff) < 9 {
		return errors.Errorf("request too short, %d bytes", len(buff))
	}
	offset := 0
	switch rrb := buff[offset]; rrb {
	case 1:
		n.requiresResponse = true
	case 0:
		n.requiresResponse = false
	default:
		return errors.Errorf("invalid requires response byte %d", rrb)
	}
	offset++
	var seq uint64
	seq, offset = common.ReadUint64FromBufferLE(buff, offset)
	n.sequence = int64(seq)
	var err error
	n.requestMessage, err = DeserializeClusterMessage(buff[offset:])
	return errors.WithStack(err)
}

func (n *ClusterResponse) serialize(buff []byte) ([]byte, error) {
	var bok byte
	if n.ok {
		bok = 1
	}
	buff = append(buff, bok)
	if !n.ok {
		buff = common.AppendUint32ToBufferLE(buff, uint32(n.errCode))
		buff = common.AppendStringToBufferLE(buff, n.errMsg)
	}
	buff = common.AppendUint64ToBufferLE(buff, uint64(n.sequence))
	if n.ok && n.responseMessage != nil {
		nBytes, err := serializeClusterMessage(n.responseMessage)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		buff = append(buff, nBytes...)
	}
	return buff, nil
}

func (n *ClusterResponse) deserialize(buff []byte) error {
	offset := 0
	switch bok := buff[offset]; bok {
	case 1:
		n.ok = true
	case 0:
		n.ok = false
	default:
		return errors.Errorf("invalid ok %d", bok)
	}
	offset++
	if !n.ok {
		var code uint32
		code, offset = common.ReadUint32FromBufferLE(buff, offset)
		n.errCode = int(code)
		n.errMsg, offset = common.ReadStringFromBufferLE(buff, offset)
	}
	seq, offset := common.ReadUint64FromBufferLE(buff, offset)
	n.sequence = int64(seq)
	var err error
	n.responseMessage, err = DeserializeClusterMessage(buff[offset:])
	return err
}

// writeMessage writes one frame: 1 byte message type, 4 bytes length, then the message.
func writeMessage(msgType messageType, msg []byte, conn net.Conn) error {
	if msgType == 0 {
		panic("message type written is zero")
	}
	bytes := make([]byte, 0, messageHeaderSize+len(msg))
	bytes = append(bytes, byte(msgType))
	bytes = common.AppendUint32ToBufferLE(bytes, uint32(len(msg)))
	bytes = append(bytes, msg...)
	_, err := conn.Write(bytes)
	return errors.WithStack(err)
}

// readMessage reads frames until the connection fails or the handler returns an error, then closes the connection and
// calls closeAction.
func readMessage(handler messageHandler, conn net.Conn, closeAction func()) {
	defer common.PanicHandler()
	reader := bufio.NewReaderSize(conn, readBuffSize)
	header := make([]byte, messageHeaderSize)
	for {
		if err := readFrame(reader, header, handler); err != nil {
			if err != io.EOF {
				log.Tracef("read loop exiting %v", err)
			}
			break
		}
	}
	// We need to close the connection from this side too, to avoid leak of connections in CLOSE_WAIT state
	conn.Close() //nolint:errcheck
	closeAction()
}

func readFrame(reader io.Reader, header []byte, handler messageHandler) error {
	if _, err := io.ReadFull(reader, header); err != nil {
		return err
	}
	msgType := messageType(header[0])
	msgLen, _ := common.ReadUint32FromBufferLE(header, 1)
	if msgLen > maxMessageSize {
		return errors.Errorf("message of %d bytes exceeds maximum size", msgLen)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(reader, msg); err != nil {
		return err
	}
	if err := handler(msgType, msg); err != nil {
		log.Errorf("failed to handle message %v", err)
		return err
	}
	return nil
}
