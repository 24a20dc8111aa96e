// Package publish broadcasts fills to a kafka topic.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	. "hati/internal/common"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const defaultWriteTimeout = 5 * time.Second

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the JSON payload of one published fill.
type Event struct {
	V        int       `json:"v"`
	Type     string    `json:"type"`
	At       time.Time `json:"at"`
	Price    int64     `json:"price"`
	Quantity uint64    `json:"quantity"`
	BuyID    uint64    `json:"buy_id"`
	SellID   uint64    `json:"sell_id"`
}

type Publisher struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return NewPublisherWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	})
}

func NewPublisherWithWriter(writer MessageWriter) *Publisher {
	return &Publisher{
		writer:  writer,
		timeout: defaultWriteTimeout,
	}
}

// ReportFills publishes one message per fill, keyed by price so that all fills
// of a level land on the same partition in order.
func (p *Publisher) ReportFills(at time.Time, fills Fills) error {
	prices := make([]int64, 0, len(fills))
	for price := range fills {
		prices = append(prices, price)
	}
	sort.Slice(prices, func(a, b int) bool { return prices[a] < prices[b] })

	msgs := make([]kafka.Message, 0, fills.Len())
	for _, price := range prices {
		key := []byte(strconv.FormatInt(price, 10))
		for _, f := range fills[price] {
			value, err := json.Marshal(Event{
				V:        1,
				Type:     "fill",
				At:       at,
				Price:    price,
				Quantity: f.Quantity,
				BuyID:    f.BuyID,
				SellID:   f.SellID,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal fill: %w", err)
			}
			msgs = append(msgs, kafka.Message{Key: key, Value: value})
		}
	}
	if len(msgs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("unable to publish %d fills: %w", len(msgs), err)
	}
	log.Debug().Int("fills", len(msgs)).Msg("fills published")
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
