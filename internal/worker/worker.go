package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"codemate/internal/metrics"
	"codemate/internal/queue"
	"codemate/internal/storage"
)

type SessionWriter interface {
	AppendMessages(ctx context.Context, chatID string, messages []storage.Message) error
	OverwriteMessages(ctx context.Context, chatID string, messages []storage.Message) error
}

type Worker struct {
	store         SessionWriter
	queue         *queue.StreamQueue
	maxJobRetries int
	retryDelay    time.Duration
	reclaimIdle   time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics

	// inflight holds stream ids routed to a lane and not yet finished, so a
	// reclaim never hands out a job that is still queued here.
	inflight sync.Map
}

type Config struct {
	Store         SessionWriter
	Queue         *queue.StreamQueue
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics

	// RetryDelay is the first backoff between attempts of a failed job. It
	// doubles per attempt up to maxRetryDelay.
	RetryDelay time.Duration

	// ReclaimIdle is how long a job may sit unacked under another consumer
	// before this worker takes it over.
	ReclaimIdle time.Duration
}

const (
	laneBuffer    = 16
	readBatch     = 16
	maxRetryDelay = 5 * time.Second
)

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = time.Minute
	}
	return &Worker{
		store:         cfg.Store,
		queue:         cfg.Queue,
		maxJobRetries: cfg.MaxJobRetries,
		retryDelay:    cfg.RetryDelay,
		reclaimIdle:   cfg.ReclaimIdle,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

// Start reads jobs until ctx is done. Jobs are routed to concurrency lanes
// by chat id, so one chat's writes are applied one at a time in stream
// order while different chats proceed in parallel.
func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	lanes := make([]chan queue.Message, concurrency)
	wg := sync.WaitGroup{}
	for i := range lanes {
		lanes[i] = make(chan queue.Message, laneBuffer)
		wg.Add(1)
		go func(slot int, jobs <-chan queue.Message) {
			defer wg.Done()
			log := w.logger.With().Int("slot", slot).Logger()
			for msg := range jobs {
				w.handle(ctx, log, msg)
			}
		}(i, lanes[i])
	}

	w.dispatch(ctx, lanes, w.reclaim(ctx))
	w.readLoop(ctx, lanes)

	for _, lane := range lanes {
		close(lane)
	}
	wg.Wait()
	return nil
}

func (w *Worker) readLoop(ctx context.Context, lanes []chan queue.Message) {
	for {
		if ctx.Err() != nil {
			return
		}

		messages, err := w.queue.Read(ctx, readBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}

		if len(messages) == 0 {
			messages = w.reclaim(ctx)
		}
		w.dispatch(ctx, lanes, messages)
	}
}

func (w *Worker) dispatch(ctx context.Context, lanes []chan queue.Message, messages []queue.Message) {
	for _, msg := range messages {
		if _, busy := w.inflight.LoadOrStore(msg.ID, struct{}{}); busy {
			continue
		}
		select {
		case lanes[laneFor(msg.Job.ChatID, len(lanes))] <- msg:
		case <-ctx.Done():
			w.inflight.Delete(msg.ID)
			return
		}
	}
}

func laneFor(chatID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chatID))
	return int(h.Sum32() % uint32(n))
}

// reclaim returns jobs stranded by a consumer that died before acking.
func (w *Worker) reclaim(ctx context.Context) []queue.Message {
	messages, err := w.queue.Reclaim(ctx, w.reclaimIdle, readBatch)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("failed to reclaim pending jobs")
		}
		return nil
	}
	if len(messages) > 0 {
		w.logger.Info().Int("count", len(messages)).Msg("reclaimed pending jobs")
	}
	return messages
}

// handle applies the job, retrying in place so a failing job never falls
// behind later jobs for the same chat. The entry is acked once the job
// succeeds or is given up; on shutdown it stays pending for reclaim.
func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	defer w.inflight.Delete(msg.ID)
	job := msg.Job
	delay := w.retryDelay
	for {
		err := w.apply(ctx, job)
		if err == nil {
			w.metrics.MessagesPersisted.Add(float64(len(job.Messages)))
			break
		}
		if ctx.Err() != nil {
			return
		}

		w.metrics.PersistFailed.Inc()
		log.Error().Err(err).Str("job_id", job.JobID).Str("chat_id", job.ChatID).Int("attempt", job.Attempts).Msg("persist job failed")
		if errors.Is(err, storage.ErrSessionNotFound) || job.Attempts >= w.maxJobRetries {
			log.Warn().Str("job_id", job.JobID).Str("chat_id", job.ChatID).Msg("dropping persist job")
			break
		}

		job.Attempts++
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}

	if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
	}
}

func (w *Worker) apply(ctx context.Context, job queue.PersistJob) error {
	switch job.Op {
	case queue.OpAppend:
		return w.store.AppendMessages(ctx, job.ChatID, job.Messages)
	case queue.OpOverwrite:
		return w.store.OverwriteMessages(ctx, job.ChatID, job.Messages)
	default:
		return fmt.Errorf("unknown persist op %q", job.Op)
	}
}
