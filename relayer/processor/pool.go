package processor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

// Updater applies consensus messages. *ismp.Handler implements it.
type Updater interface {
	UpdateClient(ctx context.Context, msg ismp.ConsensusMessage) (*ismp.ConsensusUpdated, error)
	Host() ismp.Host
}

// Result is the outcome of one consensus message.
type Result struct {
	Message ismp.ConsensusMessage
	Event   *ismp.ConsensusUpdated
	Err     error
}

// Pool verifies consensus messages for different consensus states in
// parallel. Messages for the same consensus state run one after the other,
// in the order they were given.
type Pool struct {
	log     *zap.Logger
	updater Updater
	metrics *PrometheusMetrics
	workers int
}

// NewPool returns a Pool running at most workers consensus states at once.
// metrics may be nil.
func NewPool(log *zap.Logger, updater Updater, metrics *PrometheusMetrics, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{log: log, updater: updater, metrics: metrics, workers: workers}
}

// Run applies msgs and returns one Result per message, in input order.
// Verification failures are reported in the results; the returned error is
// only set when ctx ends before every message ran.
func (p *Pool) Run(ctx context.Context, msgs []ismp.ConsensusMessage) ([]Result, error) {
	results := make([]Result, len(msgs))
	var (
		order  []ismp.ConsensusStateID
		queues = make(map[ismp.ConsensusStateID][]int)
	)
	for i, msg := range msgs {
		results[i].Message = msg
		id := msg.ConsensusStateID
		if _, ok := queues[id]; !ok {
			order = append(order, id)
		}
		queues[id] = append(queues[id], i)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(p.workers)
	for _, id := range order {
		queue := queues[id]
		eg.Go(func() error {
			for _, i := range queue {
				if err := egCtx.Err(); err != nil {
					return err
				}
				results[i].Event, results[i].Err = p.apply(egCtx, msgs[i])
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (p *Pool) apply(ctx context.Context, msg ismp.ConsensusMessage) (*ismp.ConsensusUpdated, error) {
	id := msg.ConsensusStateID.String()
	client := "unknown"
	if kind, err := p.updater.Host().ConsensusClientID(msg.ConsensusStateID); err == nil {
		client = kind.String()
	}

	start := time.Now()
	event, err := p.updater.UpdateClient(ctx, msg)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.log.Warn("Consensus update rejected",
				zap.String("consensus_state_id", id),
				zap.String("client", client),
				zap.Error(err),
			)
		}
		if p.metrics != nil {
			p.metrics.IncUpdates(client, id, "rejected")
			p.metrics.IncUpdateFailure(client, id, ismp.ErrorClass(err))
		}
		return nil, err
	}
	if p.metrics == nil {
		return event, nil
	}

	p.metrics.ObserveVerification(client, time.Since(start).Seconds())
	if event.Redelivered {
		p.metrics.IncUpdates(client, id, "redelivered")
		return event, nil
	}
	p.metrics.IncUpdates(client, id, "accepted")
	for _, h := range event.Accepted {
		p.metrics.SetLatestHeight(h.ID.StateID.String(), id, h.Height)
	}
	for _, s := range event.Skipped {
		p.metrics.IncSkippedCommitment(id, ismp.ErrorClass(s.Reason))
	}
	return event, nil
}
