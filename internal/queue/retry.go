package queue

import (
	"github.com/OFFIS-RIT/kgraph/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Retries reads the x-retries header of msg.
func Retries(msg amqp.Delivery) int {
	switch v := msg.Headers["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// HandleFailure moves a failed message to the "_retry" queue of queueName
// with an incremented x-retries header, or to the "_dlq" queue once it has
// been retried maxRetries times. The original delivery is acked after a
// successful publish and requeued otherwise.
func HandleFailure(ch Publisher, msg amqp.Delivery, queueName string) {
	retries := Retries(msg)

	if retries >= maxRetries {
		dlqName := queueName + "_dlq"
		logger.Warn("[Queue] Sending message to DLQ", "dlq", dlqName, "retries", retries)
		if err := PublishFIFO(ch, dlqName, msg.Body, msg.Headers); err != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", err)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := amqp.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-retries"] = int32(retries + 1)

	if err := PublishFIFO(ch, retryName, msg.Body, headers); err != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", err)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
