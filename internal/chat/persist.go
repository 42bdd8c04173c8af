package chat

import (
	"context"

	"codemate/internal/metrics"
	"codemate/internal/queue"
	"codemate/internal/storage"
)

// Persister mirrors transcript changes into the session store.
type Persister interface {
	Append(ctx context.Context, chatID string, messages []storage.Message) error
	Overwrite(ctx context.Context, chatID string, messages []storage.Message) error
}

type SessionWriter interface {
	AppendMessages(ctx context.Context, chatID string, messages []storage.Message) error
	OverwriteMessages(ctx context.Context, chatID string, messages []storage.Message) error
}

// StorePersister writes through to the store before returning.
type StorePersister struct {
	Store   SessionWriter
	Metrics *metrics.Metrics
}

func (p StorePersister) Append(ctx context.Context, chatID string, messages []storage.Message) error {
	if err := p.Store.AppendMessages(ctx, chatID, messages); err != nil {
		return err
	}
	p.count(len(messages))
	return nil
}

func (p StorePersister) Overwrite(ctx context.Context, chatID string, messages []storage.Message) error {
	if err := p.Store.OverwriteMessages(ctx, chatID, messages); err != nil {
		return err
	}
	p.count(len(messages))
	return nil
}

func (p StorePersister) count(n int) {
	if p.Metrics != nil {
		p.Metrics.MessagesPersisted.Add(float64(n))
	}
}

// QueuePersister hands writes to the persistence stream; a worker applies
// them later. A missing session is only detected by the worker.
type QueuePersister struct {
	Queue   *queue.StreamQueue
	Metrics *metrics.Metrics
}

func (p QueuePersister) Append(ctx context.Context, chatID string, messages []storage.Message) error {
	return p.enqueue(ctx, queue.OpAppend, chatID, messages)
}

func (p QueuePersister) Overwrite(ctx context.Context, chatID string, messages []storage.Message) error {
	return p.enqueue(ctx, queue.OpOverwrite, chatID, messages)
}

func (p QueuePersister) enqueue(ctx context.Context, op queue.PersistOp, chatID string, messages []storage.Message) error {
	if _, err := p.Queue.Enqueue(ctx, queue.PersistJob{Op: op, ChatID: chatID, Messages: messages}); err != nil {
		return err
	}
	if p.Metrics != nil {
		p.Metrics.PersistEnqueued.Inc()
	}
	return nil
}
