package service

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"

	"secure-voting/models"
)

var (
	ErrQueueFull   = errors.New("cast queue is full")
	ErrQueueClosed = errors.New("cast queue is stopped")
)

// CastQueue processes ballot casts on a fixed pool of workers so that request
// handlers never block on sealing. Ordering within a session is still decided
// by the session cast lock.
type CastQueue struct {
	manager      *Manager
	castCh       chan *castJob
	processingWg sync.WaitGroup
	shutdownCh   chan struct{}
	workers      int
	stopOnce     sync.Once
	log          log.Logger
}

type castJob struct {
	ctx      context.Context
	req      CastRequest
	resultCh chan<- *CastResult
}

// CastResult is the outcome of one queued cast.
type CastResult struct {
	Receipt   *models.CastReceipt
	Err       error
	Timestamp int64
}

func NewCastQueue(manager *Manager, queueSize, workers int) *CastQueue {
	if workers < 1 {
		workers = 1
	}
	return &CastQueue{
		manager:    manager,
		castCh:     make(chan *castJob, queueSize),
		shutdownCh: make(chan struct{}),
		workers:    workers,
		log:        log.New("module", "castqueue"),
	}
}

func (q *CastQueue) Start() {
	for i := 0; i < q.workers; i++ {
		q.processingWg.Add(1)
		go q.castWorker()
	}
}

// Stop waits for in-flight casts. Queued casts no worker picked up are
// answered with ErrQueueClosed.
func (q *CastQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.shutdownCh)
		q.processingWg.Wait()
		for {
			select {
			case job := <-q.castCh:
				job.resultCh <- &CastResult{Err: ErrQueueClosed, Timestamp: time.Now().Unix()}
				close(job.resultCh)
			default:
				return
			}
		}
	})
}

// Enqueue adds a cast to the queue. A full queue answers immediately.
func (q *CastQueue) Enqueue(ctx context.Context, req CastRequest) <-chan *CastResult {
	resultCh := make(chan *CastResult, 1)
	select {
	case <-q.shutdownCh:
		resultCh <- &CastResult{Err: ErrQueueClosed, Timestamp: time.Now().Unix()}
		close(resultCh)
		return resultCh
	default:
	}
	select {
	case q.castCh <- &castJob{ctx: ctx, req: req, resultCh: resultCh}:
		return resultCh
	default:
		q.log.Warn("Cast queue is full", "session", req.SessionID)
		resultCh <- &CastResult{Err: ErrQueueFull, Timestamp: time.Now().Unix()}
		close(resultCh)
		return resultCh
	}
}

// Cast enqueues and waits for the result.
func (q *CastQueue) Cast(ctx context.Context, req CastRequest) (*models.CastReceipt, error) {
	select {
	case res := <-q.Enqueue(ctx, req):
		return res.Receipt, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BatchEnqueue queues several casts and returns their result channels in order.
func (q *CastQueue) BatchEnqueue(ctx context.Context, reqs []CastRequest) []<-chan *CastResult {
	resultChannels := make([]<-chan *CastResult, len(reqs))
	for i, req := range reqs {
		resultChannels[i] = q.Enqueue(ctx, req)
	}
	return resultChannels
}

func (q *CastQueue) castWorker() {
	defer q.processingWg.Done()

	for {
		select {
		case <-q.shutdownCh:
			return
		case job := <-q.castCh:
			res := &CastResult{}
			if err := job.ctx.Err(); err != nil {
				res.Err = err
			} else {
				res.Receipt, res.Err = q.manager.CastBallot(job.ctx, job.req)
			}
			res.Timestamp = time.Now().Unix()
			job.resultCh <- res
			close(job.resultCh)
		}
	}
}
