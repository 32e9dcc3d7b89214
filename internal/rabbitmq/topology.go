package rabbitmq

import (
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// IsPredeclared reports whether the broker provides exchange by itself
func IsPredeclared(exchange string) bool {
	return exchange == "" || strings.HasPrefix(exchange, "amq.")
}

// DeclareExchange declares exchange on ch
func DeclareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	err := ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// DeclareQueue declares queue on ch
func DeclareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// BindQueue binds a queue to an exchange on ch
func BindQueue(ch *amqp.Channel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "create", Err: err, Timestamp: time.Now()}
	}
	return nil
}
