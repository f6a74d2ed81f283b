package testutil

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/zhejian/shortlink/internal/infra"
)

// TestBroker holds test RabbitMQ resources
type TestBroker struct {
	Conn      *amqp.Connection
	URL       string
	container *rabbitmq.RabbitMQContainer
}

// SetupTestBroker starts a RabbitMQ container and connects to it
func SetupTestBroker(ctx context.Context) (*TestBroker, error) {
	container, err := rabbitmq.Run(ctx, "rabbitmq:3.12.11-management-alpine")
	if err != nil {
		return nil, err
	}

	url, err := container.AmqpURL(ctx)
	if err != nil {
		return nil, abort(ctx, container, err)
	}

	conn, err := infra.NewAMQPConnection(url)
	if err != nil {
		return nil, abort(ctx, container, err)
	}

	return &TestBroker{Conn: conn, URL: url, container: container}, nil
}

// PurgeQueue drops any messages left in queue. Missing queues are ignored.
func (t *TestBroker) PurgeQueue(queue string) {
	if t == nil || t.Conn == nil {
		return
	}
	ch, err := t.Conn.Channel()
	if err != nil {
		return
	}
	defer ch.Close()
	_, _ = ch.QueuePurge(queue, false)
}

// Teardown closes connections and terminates container
func (t *TestBroker) Teardown(ctx context.Context) {
	if t.Conn != nil {
		t.Conn.Close()
	}
	if t.container != nil {
		terminate(ctx, t.container)
	}
}
