package rabbitmq

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery body. Returning true acknowledges the delivery,
// false requeues it.
type Handler func([]byte) bool

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	wg   sync.WaitGroup
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings declares a durable queue bound to exchange for each routing key
// and dispatches deliveries to workers goroutines. Prefetch equals workers so the
// broker never hands out more than the pool can hold.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, workers int, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}
	if workers <= 0 {
		workers = 1
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	if err := c.ch.Qos(workers, 0, false); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func(worker int) {
			defer c.wg.Done()
			for d := range msgs {
				dispatch(handlers, delivery{d}, worker)
			}
		}(i)
	}

	log.Printf("level=info component=rabbitmq_consumer msg=\"consuming\" exchange=%s queue=%s workers=%d", exchange, q.Name, workers)
	return nil
}

// acknowledger is the subset of amqp.Delivery used by dispatch.
type acknowledger interface {
	RoutingKey() string
	Body() []byte
	Ack() error
	Requeue() error
}

type delivery struct {
	d amqp.Delivery
}

func (d delivery) RoutingKey() string { return d.d.RoutingKey }
func (d delivery) Body() []byte       { return d.d.Body }
func (d delivery) Ack() error         { return d.d.Ack(false) }
func (d delivery) Requeue() error     { return d.d.Nack(false, true) }

func dispatch(handlers map[string]Handler, d acknowledger, worker int) {
	handler, ok := handlers[d.RoutingKey()]
	if !ok {
		log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; acknowledging to drop\" routing_key=%s", d.RoutingKey())
		_ = d.Ack()
		return
	}

	if handleSafely(handler, d.Body()) {
		if err := d.Ack(); err != nil {
			log.Printf("level=error component=rabbitmq_consumer msg=\"ack failed\" routing_key=%s worker=%d err=%v", d.RoutingKey(), worker, err)
		}
		return
	}
	log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; re-queuing\" routing_key=%s worker=%d", d.RoutingKey(), worker)
	if err := d.Requeue(); err != nil {
		log.Printf("level=error component=rabbitmq_consumer msg=\"nack failed\" routing_key=%s worker=%d err=%v", d.RoutingKey(), worker, err)
	}
}

// handleSafely turns a handler panic into a requeue.
func handleSafely(handler Handler, body []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=rabbitmq_consumer msg=\"handler panic\" panic=%v", r)
			ok = false
		}
	}()
	return handler(body)
}

// Close closes the channel, which ends the delivery stream, and waits for in-flight
// handlers to finish.
func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	c.wg.Wait()
	if c.conn != nil {
		c.conn.Close()
	}
}
