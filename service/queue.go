package service

import (
	"errors"
	"math/big"
	"sync"

	"github.com/rs/zerolog"
)

// BallotRequest is one queued ballot submission.
type BallotRequest struct {
	ElectionID  string
	VoterID     string
	CandidateID string
	Ciphertext  *big.Int
}

// BallotResult is the outcome of a queued submission.
type BallotResult struct {
	BallotID string
	VoterID  string
	Err      error
}

// BallotQueue feeds ballots to SubmitBallot from a fixed pool of workers.
type BallotQueue struct {
	service    *TallyService
	ballotCh   chan *queuedBallot
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	mu         sync.RWMutex // guards stopped against concurrent Enqueue
	stopped    bool
	logger     zerolog.Logger
}

type queuedBallot struct {
	req      BallotRequest
	resultCh chan<- BallotResult
}

var (
	ErrQueueFull    = errors.New("service: ballot queue is full")
	ErrQueueStopped = errors.New("service: ballot queue stopped")
)

func NewBallotQueue(service *TallyService, queueSize, workers int, logger zerolog.Logger) *BallotQueue {
	if workers < 1 {
		workers = 1
	}
	q := &BallotQueue{
		service:    service,
		ballotCh:   make(chan *queuedBallot, queueSize),
		shutdownCh: make(chan struct{}),
		logger:     logger.With().Str("component", "ballot_queue").Logger(),
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue adds a ballot without blocking. The returned channel yields exactly
// one result.
func (q *BallotQueue) Enqueue(req BallotRequest) <-chan BallotResult {
	resultCh := make(chan BallotResult, 1)

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		resultCh <- BallotResult{VoterID: req.VoterID, Err: ErrQueueStopped}
		close(resultCh)
		return resultCh
	}

	select {
	case q.ballotCh <- &queuedBallot{req: req, resultCh: resultCh}:
	default:
		q.logger.Warn().Str("election_id", req.ElectionID).Msg("ballot queue is full, request dropped")
		resultCh <- BallotResult{VoterID: req.VoterID, Err: ErrQueueFull}
		close(resultCh)
	}
	return resultCh
}

// SubmitBatch queues every request and waits for all results, in order.
func (q *BallotQueue) SubmitBatch(reqs []BallotRequest) []BallotResult {
	channels := make([]<-chan BallotResult, len(reqs))
	for i, req := range reqs {
		channels[i] = q.Enqueue(req)
	}
	results := make([]BallotResult, len(reqs))
	for i, ch := range channels {
		results[i] = <-ch
	}
	return results
}

// Stop lets the workers finish what is queued and waits for them.
func (q *BallotQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.shutdownCh)
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *BallotQueue) worker() {
	defer q.wg.Done()

	for {
		select {
		case b := <-q.ballotCh:
			q.process(b)
		case <-q.shutdownCh:
			// drain what was accepted before shutdown
			for {
				select {
				case b := <-q.ballotCh:
					q.process(b)
				default:
					return
				}
			}
		}
	}
}

func (q *BallotQueue) process(b *queuedBallot) {
	ballot, err := q.service.SubmitBallot(b.req.ElectionID, b.req.VoterID, b.req.CandidateID, b.req.Ciphertext)
	result := BallotResult{VoterID: b.req.VoterID, Err: err}
	if err == nil {
		result.BallotID = ballot.ID
		result.VoterID = ballot.VoterID
	}
	b.resultCh <- result
	close(b.resultCh)
}
