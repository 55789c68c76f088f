package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/prepstack/prepmail/internal/metrics"
	"github.com/prepstack/prepmail/internal/sqs"
)

// Receiver is the queue side the worker polls.
type Receiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int32) ([]sqs.ReceivedMessage, error)
}

// Worker long-polls the queue and hands each delivery to the processor.
// Messages within a batch are processed concurrently; a new batch is
// fetched only once the previous one fully settles.
type Worker struct {
	receiver  Receiver
	processor *Processor
	logger    *zap.Logger
	batchSize int32
}

// New creates a queue worker.
func New(receiver Receiver, processor *Processor, batchSize int32, logger *zap.Logger) *Worker {
	if batchSize <= 0 || batchSize > 10 {
		batchSize = 10
	}
	return &Worker{
		receiver:  receiver,
		processor: processor,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("queue worker started", zap.Int32("batch_size", w.batchSize))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopping")
			return
		default:
		}

		messages, err := w.receiver.ReceiveMessages(ctx, w.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("queue receive failed", zap.Error(err))
			time.Sleep(5 * time.Second)
			continue
		}

		if len(messages) == 0 {
			continue
		}

		w.processBatch(ctx, messages)
	}
}

func (w *Worker) processBatch(ctx context.Context, messages []sqs.ReceivedMessage) {
	metrics.AddQueueMessagesInFlight(len(messages))
	defer metrics.AddQueueMessagesInFlight(-len(messages))

	var wg sync.WaitGroup
	for _, rm := range messages {
		wg.Add(1)
		go func(rm sqs.ReceivedMessage) {
			defer wg.Done()
			if err := w.processor.Process(ctx, rm); err != nil {
				w.logger.Warn("message processing failed, leaving for redelivery",
					zap.Error(err),
					zap.String("sqs_message_id", rm.SQSMessageID),
				)
			}
		}(rm)
	}
	wg.Wait()
}
