package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	. "hati/internal/common"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short")
)

type MessageType int

const (
	Heartbeat MessageType = iota
	NewOrder
)

type ReportMessageType int

const (
	ExecutionReport ReportMessageType = iota
	ErrorReport
	AcceptReport
)

type Message interface {
	GetType() MessageType
}

// Message format constants
const (
	BaseMessageHeaderLen = 2
	NewOrderMessageLen   = 1 + 8 + 8 + 4 + 8
	reportFixedHeaderLen = 1 + 1 + 8 + 8 + 8 + 8 + 8 + 4
	maxReportErrLen      = 1024
)

// Generic message type.
type BaseMessage struct {
	TypeOf MessageType // 2 bytes
}

func (m BaseMessage) GetType() MessageType {
	return m.TypeOf
}

// readMessage reads exactly one framed message off r.
func readMessage(r io.Reader) (Message, error) {
	var header [BaseMessageHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	typeOf := MessageType(binary.BigEndian.Uint16(header[:]))
	switch typeOf {
	case Heartbeat:
		return BaseMessage{TypeOf: Heartbeat}, nil
	case NewOrder:
		body := make([]byte, NewOrderMessageLen)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrMessageTooShort
			}
			return nil, err
		}
		return parseNewOrder(body)
	default:
		return nil, fmt.Errorf("type %d: %w", typeOf, ErrInvalidMessageType)
	}
}

type NewOrderMessage struct {
	BaseMessage
	Side     Side   // 1 byte
	Price    int64  // 8 bytes
	Quantity uint64 // 8 bytes
	TTL      uint32 // 4 bytes, seconds
	ID       uint64 // 8 bytes
}

// Order turns the message into an order created at ts.
func (o *NewOrderMessage) Order(ts time.Time) Order {
	return Order{
		ID:        o.ID,
		Side:      o.Side,
		Price:     o.Price,
		Quantity:  o.Quantity,
		TTL:       time.Duration(o.TTL) * time.Second,
		Timestamp: ts,
	}
}

func parseNewOrder(msg []byte) (NewOrderMessage, error) {
	if len(msg) < NewOrderMessageLen {
		return NewOrderMessage{}, ErrMessageTooShort
	}

	m := NewOrderMessage{BaseMessage: BaseMessage{TypeOf: NewOrder}}
	m.Side = Side(msg[0])
	m.Price = int64(binary.BigEndian.Uint64(msg[1:9]))
	m.Quantity = binary.BigEndian.Uint64(msg[9:17])
	m.TTL = binary.BigEndian.Uint32(msg[17:21])
	m.ID = binary.BigEndian.Uint64(msg[21:29])
	return m, nil
}

// EncodeNewOrder frames a new order message for the wire.
func EncodeNewOrder(m NewOrderMessage) []byte {
	buf := make([]byte, BaseMessageHeaderLen+NewOrderMessageLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(NewOrder))
	body := buf[BaseMessageHeaderLen:]
	body[0] = byte(m.Side)
	binary.BigEndian.PutUint64(body[1:9], uint64(m.Price))
	binary.BigEndian.PutUint64(body[9:17], m.Quantity)
	binary.BigEndian.PutUint32(body[17:21], m.TTL)
	binary.BigEndian.PutUint64(body[21:29], m.ID)
	return buf
}

// EncodeHeartbeat frames a heartbeat message for the wire.
func EncodeHeartbeat() []byte {
	buf := make([]byte, BaseMessageHeaderLen)
	binary.BigEndian.PutUint16(buf, uint16(Heartbeat))
	return buf
}

type Report struct {
	MessageType    ReportMessageType // 1 byte
	Side           Side              // 1 byte
	Timestamp      uint64            // 8 bytes, unix nanoseconds
	Quantity       uint64            // 8 bytes
	Price          int64             // 8 bytes
	OrderID        uint64            // 8 bytes
	CounterpartyID uint64            // 8 bytes
	ErrStrLen      uint32            // 4 bytes
	Err            string            // n bytes
}

// Serialize converts the report to be sent on the wire.
func (r *Report) Serialize() []byte {
	buf := make([]byte, reportFixedHeaderLen+len(r.Err))
	buf[0] = byte(r.MessageType)
	buf[1] = byte(r.Side)
	binary.BigEndian.PutUint64(buf[2:10], r.Timestamp)
	binary.BigEndian.PutUint64(buf[10:18], r.Quantity)
	binary.BigEndian.PutUint64(buf[18:26], uint64(r.Price))
	binary.BigEndian.PutUint64(buf[26:34], r.OrderID)
	binary.BigEndian.PutUint64(buf[34:42], r.CounterpartyID)
	binary.BigEndian.PutUint32(buf[42:46], uint32(len(r.Err)))
	copy(buf[reportFixedHeaderLen:], r.Err)
	return buf
}

// ReadReport reads one report off r.
func ReadReport(r io.Reader) (Report, error) {
	var header [reportFixedHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Report{}, err
	}

	report := Report{
		MessageType:    ReportMessageType(header[0]),
		Side:           Side(header[1]),
		Timestamp:      binary.BigEndian.Uint64(header[2:10]),
		Quantity:       binary.BigEndian.Uint64(header[10:18]),
		Price:          int64(binary.BigEndian.Uint64(header[18:26])),
		OrderID:        binary.BigEndian.Uint64(header[26:34]),
		CounterpartyID: binary.BigEndian.Uint64(header[34:42]),
		ErrStrLen:      binary.BigEndian.Uint32(header[42:46]),
	}
	if report.ErrStrLen > maxReportErrLen {
		return Report{}, fmt.Errorf("error string of %d bytes: %w", report.ErrStrLen, ErrInvalidMessageType)
	}
	if report.ErrStrLen > 0 {
		errStr := make([]byte, report.ErrStrLen)
		if _, err := io.ReadFull(r, errStr); err != nil {
			return Report{}, err
		}
		report.Err = string(errStr)
	}
	return report, nil
}

// generateWireTradeReport generates the trade report of one side of a fill,
// addressed to the owner of that side.
func generateWireTradeReport(at time.Time, f Fill, side Side, id, counterparty uint64) []byte {
	report := Report{
		MessageType:    ExecutionReport,
		Side:           side,
		Timestamp:      uint64(at.UnixNano()),
		Quantity:       f.Quantity,
		Price:          f.Price,
		OrderID:        id,
		CounterpartyID: counterparty,
	}
	return report.Serialize()
}

// generateWireAcceptReport acknowledges an order under the id the client gave it.
func generateWireAcceptReport(at time.Time, clientID uint64, order Order) []byte {
	report := Report{
		MessageType: AcceptReport,
		Side:        order.Side,
		Timestamp:   uint64(at.UnixNano()),
		Quantity:    order.Quantity,
		Price:       order.Price,
		OrderID:     clientID,
	}
	return report.Serialize()
}

func generateWireErrorReport(at time.Time, orderID uint64, err error) []byte {
	errStr := err.Error()
	if len(errStr) > maxReportErrLen {
		errStr = errStr[:maxReportErrLen]
	}
	report := Report{
		MessageType: ErrorReport,
		Timestamp:   uint64(at.UnixNano()),
		OrderID:     orderID,
		ErrStrLen:   uint32(len(errStr)),
		Err:         errStr,
	}
	return report.Serialize()
}
