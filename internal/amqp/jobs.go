package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var errMissingIDs = errors.New("message is missing statement or user id")

// PublishIngestStatement publishes a persistent ingest job.
func (c *Client) PublishIngestStatement(ctx context.Context, job *jobs.IngestStatementJob) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	body, err := NewIngestStatementMessage(job).ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := c.publish(ctx, c.exchangeName, c.queueName, body, true); err != nil {
		return fmt.Errorf("PublishIngestStatement: %w", err)
	}

	c.log.Info().
		Str("job_id", job.JobID).
		Str("statement_id", job.StatementID).
		Str("exchange", c.exchangeName).
		Str("queue", c.queueName).
		Msg("published ingest job")
	return nil
}

// JobConsumer runs ingest jobs from the queue on a fixed number of workers.
// Every delivery is acknowledged after its handler returns; failed jobs are
// not requeued.
type JobConsumer struct {
	client  *Client
	workers int
	store   jobs.JobStore
	log     zerolog.Logger

	mu      sync.Mutex
	channel *amqp091.Channel
	tag     string
	wg      sync.WaitGroup
}

// NewJobConsumer creates a consumer. store may be nil.
func NewJobConsumer(client *Client, workers int, store jobs.JobStore, log zerolog.Logger) *JobConsumer {
	if workers <= 0 {
		workers = 1
	}
	return &JobConsumer{client: client, workers: workers, store: store, log: log}
}

// Start begins consuming and returns immediately.
func (jc *JobConsumer) Start(ctx context.Context, handler jobs.JobHandler) error {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	if jc.channel != nil {
		return fmt.Errorf("consumer already started")
	}

	ch, err := jc.client.openChannel()
	if err != nil {
		return fmt.Errorf("JobConsumer.Start: %w", err)
	}
	if err := ch.Qos(jc.workers, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("JobConsumer.Start: set qos: %w", err)
	}

	tag := "ingest-" + uuid.NewString()
	deliveries, err := ch.Consume(
		jc.client.queueName, // queue
		tag,                 // consumer
		false,               // auto-ack
		false,               // exclusive
		false,               // no-local
		false,               // no-wait
		nil,                 // args
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("JobConsumer.Start: start consuming: %w", err)
	}
	jc.channel = ch
	jc.tag = tag

	for i := 0; i < jc.workers; i++ {
		jc.wg.Add(1)
		go jc.worker(ctx, i, deliveries, handler)
	}

	jc.log.Info().
		Str("queue", jc.client.queueName).
		Int("workers", jc.workers).
		Msg("started consuming ingest jobs")
	return nil
}

func (jc *JobConsumer) worker(ctx context.Context, id int, deliveries <-chan amqp091.Delivery, handler jobs.JobHandler) {
	defer jc.wg.Done()
	log := jc.log.With().Int("worker_id", id).Logger()

	for d := range deliveries {
		jc.handle(ctx, d, handler, log)
	}
	log.Debug().Msg("worker stopped")
}

func (jc *JobConsumer) handle(ctx context.Context, d amqp091.Delivery, handler jobs.JobHandler, log zerolog.Logger) {
	msg, err := IngestStatementMessageFromJSON(d.Body)
	if err != nil {
		log.Error().Err(err).Msg("failed to unmarshal message")
		_ = d.Nack(false, false)
		return
	}
	job := msg.Job()
	log = log.With().Str("job_id", job.JobID).Str("statement_id", job.StatementID).Logger()

	now := time.Now()
	job.Status = jobs.JobStatusRunning
	job.StartedAt = &now
	jc.save(ctx, job, log)

	err = func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v", r)
			}
		}()
		return handler(ctx, job)
	}()

	done := time.Now()
	job.CompletedAt = &done
	if err != nil {
		job.Status = jobs.JobStatusFailed
		job.Error = err.Error()
		log.Error().Err(err).Msg("job failed")
	} else {
		job.Status = jobs.JobStatusCompleted
		log.Info().Dur("duration", done.Sub(now)).Msg("job completed")
	}
	jc.save(ctx, job, log)

	if err := d.Ack(false); err != nil {
		log.Warn().Err(err).Msg("failed to ack delivery")
	}
}

func (jc *JobConsumer) save(ctx context.Context, job *jobs.IngestStatementJob, log zerolog.Logger) {
	if jc.store == nil {
		return
	}
	if err := jc.store.SaveJob(ctx, job); err != nil {
		log.Warn().Err(err).Msg("failed to save job status")
	}
}

// Stop cancels the subscription and waits for in-flight jobs.
func (jc *JobConsumer) Stop(ctx context.Context) error {
	jc.mu.Lock()
	ch, tag := jc.channel, jc.tag
	jc.mu.Unlock()
	if ch == nil {
		return nil
	}

	if err := ch.Cancel(tag, false); err != nil {
		jc.log.Warn().Err(err).Msg("failed to cancel consumer")
	}

	done := make(chan struct{})
	go func() {
		jc.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		jc.log.Info().Msg("ingest consumer stopped")
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for jobs to complete: %w", ctx.Err())
	}
	return ch.Close()
}

var (
	_ jobs.Publisher = (*Client)(nil)
	_ jobs.Consumer  = (*JobConsumer)(nil)
)
