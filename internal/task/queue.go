package task

import (
	"context"
)

// Handler 处理队列中投递的指令任务 ID，任务本体始终以存储为准。
type Handler func(ctx context.Context, taskID string) error

// Producer 向队列投递待处理的指令任务 ID。
type Producer interface {
	Publish(ctx context.Context, taskID string) error
	Close() error
}

// Consumer 以指定并发度消费队列，阻塞直到上下文取消。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力，内存、Redis 与 RabbitMQ 实现均满足该接口。
type Queue interface {
	Producer
	Consumer
}
