package processor_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/processor"
)

type kindHost struct {
	ismp.Host
}

func (kindHost) ConsensusClientID(ismp.ConsensusStateID) (ismp.ConsensusClientID, error) {
	return ismp.GrandpaClientID, nil
}

// fakeUpdater records the proofs applied per consensus state and fails
// proofs starting with 0xff.
type fakeUpdater struct {
	mu      sync.Mutex
	applied map[ismp.ConsensusStateID][]byte
	running atomic.Int32
	peak    atomic.Int32
}

func (f *fakeUpdater) Host() ismp.Host { return kindHost{} }

func (f *fakeUpdater) UpdateClient(ctx context.Context, msg ismp.ConsensusMessage) (*ismp.ConsensusUpdated, error) {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.applied[msg.ConsensusStateID] = append(f.applied[msg.ConsensusStateID], msg.ConsensusProof[0])
	f.mu.Unlock()

	if msg.ConsensusProof[0] == 0xff {
		return nil, fmt.Errorf("bad proof: %w", ismp.ErrInvalidProof)
	}
	sm := ismp.StateMachineID{StateID: ismp.PolkadotStateMachine(2000), ConsensusStateID: msg.ConsensusStateID}
	return &ismp.ConsensusUpdated{
		ConsensusStateID: msg.ConsensusStateID,
		Accepted:         []ismp.StateMachineHeight{{ID: sm, Height: uint64(msg.ConsensusProof[0])}},
		Skipped:          []ismp.SkippedCommitment{{Height: ismp.StateMachineHeight{ID: sm, Height: 1}, Reason: ismp.ErrStaleHeight}},
	}, nil
}

func consensusID(s string) ismp.ConsensusStateID {
	var id ismp.ConsensusStateID
	copy(id[:], s)
	return id
}

func TestPoolOrdersPerConsensusState(t *testing.T) {
	updater := &fakeUpdater{applied: make(map[ismp.ConsensusStateID][]byte)}
	metrics := processor.NewPrometheusMetrics()
	pool := processor.NewPool(zaptest.NewLogger(t), updater, metrics, 2)

	ids := []ismp.ConsensusStateID{consensusID("AAAA"), consensusID("BBBB"), consensusID("CCCC")}
	var msgs []ismp.ConsensusMessage
	for height := byte(1); height <= 3; height++ {
		for _, id := range ids {
			msgs = append(msgs, ismp.ConsensusMessage{ConsensusStateID: id, ConsensusProof: []byte{height}})
		}
	}
	msgs = append(msgs, ismp.ConsensusMessage{ConsensusStateID: ids[1], ConsensusProof: []byte{0xff}})

	results, err := pool.Run(context.Background(), msgs)
	require.NoError(t, err)
	require.Len(t, results, len(msgs))
	for i, r := range results[:9] {
		require.NoError(t, r.Err)
		require.Equal(t, msgs[i], r.Message)
		require.Equal(t, uint64(msgs[i].ConsensusProof[0]), r.Event.Accepted[0].Height)
	}
	require.ErrorIs(t, results[9].Err, ismp.ErrInvalidProof)

	require.Equal(t, []byte{1, 2, 3}, updater.applied[ids[0]])
	require.Equal(t, []byte{1, 2, 3, 0xff}, updater.applied[ids[1]])
	require.Equal(t, []byte{1, 2, 3}, updater.applied[ids[2]])
	require.LessOrEqual(t, updater.peak.Load(), int32(2))

	require.Equal(t, float64(3), testutil.ToFloat64(metrics.UpdateCounter.WithLabelValues("GRNP", "BBBB", "accepted")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.UpdateFailureCounter.WithLabelValues("GRNP", "BBBB", "proof")))
	require.Equal(t, float64(3), testutil.ToFloat64(metrics.LatestHeightGauge.WithLabelValues("POLKADOT-2000", "AAAA")))
	require.Equal(t, float64(3), testutil.ToFloat64(metrics.SkippedCommitment.WithLabelValues("CCCC", "proof")))
}

func TestPoolCanceled(t *testing.T) {
	updater := &fakeUpdater{applied: make(map[ismp.ConsensusStateID][]byte)}
	pool := processor.NewPool(zap.NewNop(), updater, nil, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pool.Run(ctx, []ismp.ConsensusMessage{{ConsensusStateID: consensusID("AAAA"), ConsensusProof: []byte{1}}})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, updater.applied)
}
