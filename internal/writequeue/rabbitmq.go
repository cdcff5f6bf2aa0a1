package writequeue

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"OpenMCP-Collab/internal/durable"
	xerrors "OpenMCP-Collab/internal/errors"
	"OpenMCP-Collab/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 写队列的连接参数。
type RabbitMQConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// RabbitMQQueue 使用 RabbitMQ 承载写队列。Durable 队列在 broker 重启
// 后仍然保留未消费的条目。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	durable bool
	log     *slog.Logger
}

// NewRabbitMQQueue 创建 RabbitMQ 写队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "collab.write_queue"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnectionFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, durable: cfg.Durable, log: logger.Named("writequeue")}, nil
}

func (q *RabbitMQQueue) Enqueue(ctx context.Context, stmt durable.Statement) error {
	encoded, err := encodeStatement(stmt)
	if err != nil {
		return err
	}
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(encoded),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "写队列入队失败")
	}
	return nil
}

// DequeueBatch 以拉模式逐条取出消息。消息在取出时即确认，崩溃窗口
// 缩小到出队与落盘之间，与 redis 驱动一致。
func (q *RabbitMQQueue) DequeueBatch(_ context.Context, max int) ([]durable.Statement, error) {
	if max <= 0 {
		max = 100
	}
	batch := make([]durable.Statement, 0, max)
	for len(batch) < max {
		delivery, ok, err := q.ch.Get(q.queue, false)
		if err != nil {
			return batch, xerrors.Wrap(xerrors.CodeQueueFailure, err, "写队列出队失败")
		}
		if !ok {
			break
		}
		stmt, err := decodeStatement(string(delivery.Body))
		if err != nil {
			// 损坏的条目直接确认丢弃，避免反复投递，也不拖住同批语句。
			_ = delivery.Ack(false)
			q.log.Error("丢弃损坏的写队列条目", slog.Any("error", err))
			continue
		}
		if err := delivery.Ack(false); err != nil {
			return batch, xerrors.Wrap(xerrors.CodeQueueFailure, err, "确认写队列条目失败")
		}
		batch = append(batch, stmt)
	}
	return batch, nil
}

func (q *RabbitMQQueue) Len(context.Context) (int, error) {
	state, err := q.ch.QueueDeclarePassive(q.queue, q.durable, false, false, false, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "查询写队列长度失败")
	}
	return state.Messages, nil
}

func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitMQQueue)(nil)
