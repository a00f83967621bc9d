package pipeline_test

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/dvloznov/finance-sync/internal/domain"
	"github.com/dvloznov/finance-sync/internal/jobs"
	"github.com/dvloznov/finance-sync/internal/logger"
	"github.com/dvloznov/finance-sync/internal/pipeline"
)

// MockPublisher is a mock implementation of jobs.Publisher.
type MockPublisher struct {
	PublishFunc func(ctx context.Context, job *jobs.IngestStatementJob) error
	published   []*jobs.IngestStatementJob
}

func (m *MockPublisher) PublishIngestStatement(ctx context.Context, job *jobs.IngestStatementJob) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, job); err != nil {
			return err
		}
	}
	m.published = append(m.published, job)
	return nil
}

func (m *MockPublisher) Close() error { return nil }

func (s *IngestorSuite) TestRequeueOrphansResumesUnfinishedStatements() {
	first := s.newStatement("u1")
	second := s.newStatement("u2")
	done := s.newStatement("u1")
	done.Status = domain.StatementCompleted
	s.Require().NoError(s.repo.FinishStatement(s.ctx, done))

	publisher := &MockPublisher{}
	n, err := pipeline.RequeueOrphans(s.ctx, s.repo, publisher, time.Now().Add(time.Minute), logger.NewWithWriter(io.Discard))

	s.Require().NoError(err)
	s.Equal(2, n)
	s.Require().Len(publisher.published, 2)
	queued := map[string]string{}
	for _, job := range publisher.published {
		queued[job.StatementID] = job.UserID
	}
	s.Equal(map[string]string{first.ID: "u1", second.ID: "u2"}, queued)

	// The requeued jobs drive the statements to a terminal state.
	docs := &MockDocumentSource{
		GetFunc: func(ctx context.Context, uri string) ([]byte, error) { return []byte("%PDF"), nil },
	}
	for _, job := range publisher.published {
		stream := &fakeStream{steps: []step{
			{candidate: candidate("2025-03-01", "Acme", "ACME STORE", "Shopping", "10.00", "SGD")},
		}}
		s.Require().NoError(s.ingestor(scripted(stream), docs).HandleJob(s.ctx, job))
	}
	s.Equal(domain.StatementCompleted, s.reload(first).Status)
	s.Equal(domain.StatementCompleted, s.reload(second).Status)
}

func (s *IngestorSuite) TestRequeueOrphansSkipsRecentStatements() {
	s.newStatement("u1")

	publisher := &MockPublisher{}
	n, err := pipeline.RequeueOrphans(s.ctx, s.repo, publisher, time.Now().Add(-time.Hour), logger.NewWithWriter(io.Discard))

	s.Require().NoError(err)
	s.Zero(n)
	s.Empty(publisher.published)
}

func (s *IngestorSuite) TestRequeueOrphansFailsWhatCannotBePublished() {
	st := s.newStatement("u1")

	publisher := &MockPublisher{
		PublishFunc: func(ctx context.Context, job *jobs.IngestStatementJob) error {
			return errors.New("queue is closed")
		},
	}
	n, err := pipeline.RequeueOrphans(s.ctx, s.repo, publisher, time.Now().Add(time.Minute), logger.NewWithWriter(io.Discard))

	s.Require().NoError(err)
	s.Zero(n)
	got := s.reload(st)
	s.Equal(domain.StatementFailed, got.Status)
	s.Contains(got.FailureReason, "queue is closed")
}
