package ismp_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp/store"
)

var (
	mockClientID = ismp.ConsensusClientID{'M', 'O', 'C', 'K'}
	csID         = ismp.ConsensusStateID{'R', 'E', 'L', 'Y'}
	sourceSM     = ismp.PolkadotStateMachine(2000)
	hostSM       = ismp.EvmStateMachine(1)
	smID         = ismp.StateMachineID{StateID: sourceSM, ConsensusStateID: csID}
	start        = time.Unix(1_700_000_000, 0).UTC()
)

// mockClient treats the consensus state as a big endian height and a proof
// as a big endian height followed by extra heights it finalizes.
type mockClient struct {
	calls int
	mu    sync.Mutex
}

func encodeHeights(heights ...uint64) []byte {
	var out []byte
	for _, h := range heights {
		out = binary.BigEndian.AppendUint64(out, h)
	}
	return out
}

func (c *mockClient) ClientID() ismp.ConsensusClientID { return mockClientID }

func (c *mockClient) VerifyConsensus(_ ismp.Host, id ismp.ConsensusStateID, trusted, proof []byte) ([]byte, ismp.StateCommitments, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if len(proof) == 0 || len(proof)%8 != 0 {
		return nil, nil, ismp.ErrProofDecode
	}
	trustedHeight := binary.BigEndian.Uint64(trusted)
	height := binary.BigEndian.Uint64(proof)
	if height <= trustedHeight {
		return nil, nil, fmt.Errorf("%w: %d", ismp.ErrStaleHeight, height)
	}
	sm := ismp.StateMachineID{StateID: sourceSM, ConsensusStateID: id}
	var out []ismp.StateCommitmentHeight
	for i := 0; i < len(proof); i += 8 {
		h := binary.BigEndian.Uint64(proof[i:])
		out = append(out, ismp.StateCommitmentHeight{
			Height:     h,
			Commitment: ismp.StateCommitment{Timestamp: h, StateRoot: common.BigToHash(new(big.Int).SetUint64(h))},
		})
	}
	return encodeHeights(height), ismp.StateCommitments{sm: out}, nil
}

func (c *mockClient) VerifyFraudProof(_ ismp.Host, _, proof1, proof2 []byte) error {
	if bytes.Equal(proof1, proof2) {
		return ismp.ErrNoConflict
	}
	return nil
}

func (c *mockClient) StateMachine(id ismp.StateMachine) (ismp.StateMachineClient, error) {
	if id != sourceSM {
		return nil, ismp.ErrStateMachineNotSupported
	}
	return mockStateMachine{}, nil
}

// mockStateMachine reads proofs as a JSON object of hex commitment or key to value.
type mockStateMachine struct{}

func (mockStateMachine) proofValues(p ismp.Proof) (map[string][]byte, error) {
	values := make(map[string][]byte)
	if err := json.Unmarshal(p.Proof, &values); err != nil {
		return nil, fmt.Errorf("%w: %v", ismp.ErrProofDecode, err)
	}
	return values, nil
}

func (m mockStateMachine) VerifyMembership(_ ismp.Host, item ismp.RequestResponse, _ ismp.StateCommitment, proof ismp.Proof) error {
	values, err := m.proofValues(proof)
	if err != nil {
		return err
	}
	for _, k := range m.StateTrieKey(item) {
		if values[string(k)] == nil {
			return ismp.ErrValueNotFound
		}
	}
	return nil
}

func (mockStateMachine) StateTrieKey(item ismp.RequestResponse) [][]byte {
	keys := make([][]byte, 0, len(item.Commitments))
	for _, c := range item.Commitments {
		keys = append(keys, []byte(c.Hex()))
	}
	return keys
}

func (m mockStateMachine) VerifyStateProof(_ ismp.Host, keys [][]byte, _ ismp.StateCommitment, proof ismp.Proof) (map[string][]byte, error) {
	values, err := m.proofValues(proof)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		out[string(k)] = values[string(k)]
	}
	return out, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	handler *ismp.Handler
	store   *store.LevelDBStore
	clock   *testClock
	client  *mockClient
}

func newFixture(t *testing.T, log *zap.Logger) *fixture {
	t.Helper()
	s, err := store.NewMemStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	client := &mockClient{}
	registry, err := ismp.NewRegistry(client)
	require.NoError(t, err)
	clock := &testClock{now: start}
	return &fixture{
		handler: ismp.NewHandler(log, s, registry, hostSM, ismp.WithClock(clock.Now)),
		store:   s,
		clock:   clock,
		client:  client,
	}
}

func (f *fixture) create(t *testing.T, challenge time.Duration, initial ...ismp.IntermediateState) {
	t.Helper()
	_, err := f.handler.CreateConsensusState(context.Background(), ismp.CreateConsensusState{
		ConsensusState:     encodeHeights(1),
		ConsensusClientID:  mockClientID,
		ConsensusStateID:   csID,
		UnbondingPeriod:    time.Hour,
		ChallengePeriod:    challenge,
		InitialCommitments: initial,
	})
	require.NoError(t, err)
}

func (f *fixture) update(heights ...uint64) (*ismp.ConsensusUpdated, error) {
	return f.handler.UpdateClient(context.Background(), ismp.ConsensusMessage{
		ConsensusStateID: csID,
		ConsensusProof:   encodeHeights(heights...),
	})
}

func TestCreateConsensusState(t *testing.T) {
	f := newFixture(t, zaptest.NewLogger(t))
	initial := ismp.IntermediateState{
		Height:     ismp.StateMachineHeight{ID: smID, Height: 7},
		Commitment: ismp.StateCommitment{Timestamp: 1, StateRoot: common.HexToHash("0x07")},
	}
	f.create(t, 0, initial)

	latest, err := f.store.LatestCommitmentHeight(smID)
	require.NoError(t, err)
	require.Equal(t, uint64(7), latest)

	status, err := f.handler.ConsensusClientStatus(csID)
	require.NoError(t, err)
	require.Equal(t, ismp.StatusActive, status)

	_, err = f.handler.CreateConsensusState(context.Background(), ismp.CreateConsensusState{
		ConsensusState:    encodeHeights(1),
		ConsensusClientID: mockClientID,
		ConsensusStateID:  csID,
		UnbondingPeriod:   time.Hour,
	})
	require.ErrorIs(t, err, ismp.ErrDuplicateConsensusStateID)

	_, err = f.handler.CreateConsensusState(context.Background(), ismp.CreateConsensusState{
		ConsensusClientID: ismp.ConsensusClientID{'N', 'O', 'N', 'E'},
		ConsensusStateID:  ismp.ConsensusStateID{'O', 'T', 'H', 'R'},
		UnbondingPeriod:   time.Hour,
	})
	require.ErrorIs(t, err, ismp.ErrConsensusClientNotFound)

	_, err = f.handler.ConsensusClientStatus(ismp.ConsensusStateID{'O', 'T', 'H', 'R'})
	require.ErrorIs(t, err, ismp.ErrConsensusStateIDNotRecognized)
}

func TestUpdateUnknownConsensusState(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	_, err := f.update(2)
	require.ErrorIs(t, err, ismp.ErrConsensusStateIDNotRecognized)
}

func TestChallengePeriodBoundary(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	challenge := 10 * time.Second
	f.create(t, challenge)

	f.clock.Set(start.Add(challenge))
	_, err := f.update(2)
	require.ErrorIs(t, err, ismp.ErrChallengePeriodNotElapsed)
	require.True(t, ismp.IsRetryable(err))
	require.Zero(t, f.client.calls, "verifier must not run inside the challenge window")

	// periods are kept in nanoseconds, so the window closes one past it
	f.clock.Set(start.Add(challenge + time.Nanosecond))
	event, err := f.update(2)
	require.NoError(t, err)
	require.Len(t, event.Accepted, 1)

	updated, err := f.store.ConsensusUpdateTime(csID)
	require.NoError(t, err)
	require.True(t, updated.Equal(start.Add(challenge+time.Nanosecond)))

	// the window restarts from the update
	f.clock.Set(updated.Add(challenge))
	_, err = f.update(3)
	require.ErrorIs(t, err, ismp.ErrChallengePeriodNotElapsed)
	f.clock.Set(updated.Add(challenge + time.Nanosecond))
	_, err = f.update(3)
	require.NoError(t, err)
}

func TestUnbondingPeriodExpiry(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	f.create(t, 0)

	f.clock.Set(start.Add(time.Hour + time.Second))
	_, err := f.update(2)
	require.ErrorIs(t, err, ismp.ErrUnbondingPeriodElapsed)
	require.True(t, ismp.IsTemporal(err))
	require.False(t, ismp.IsRetryable(err))

	status, err := f.handler.ConsensusClientStatus(csID)
	require.NoError(t, err)
	require.Equal(t, ismp.StatusExpired, status)
}

func TestLatestHeightIsMonotonic(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, zap.New(core))
	f.create(t, 0, ismp.IntermediateState{
		Height:     ismp.StateMachineHeight{ID: smID, Height: 4},
		Commitment: ismp.StateCommitment{Timestamp: 4},
	})

	f.clock.Set(start.Add(time.Second))
	event, err := f.update(5, 3, 4)
	require.NoError(t, err)
	require.Equal(t, []ismp.StateMachineHeight{{ID: smID, Height: 5}}, event.Accepted)
	require.Len(t, event.Skipped, 2)
	for _, s := range event.Skipped {
		require.ErrorIs(t, s.Reason, ismp.ErrStaleHeight)
	}
	require.Equal(t, 2, logs.FilterMessage("Skipped state commitment").Len())

	latest, err := f.store.LatestCommitmentHeight(smID)
	require.NoError(t, err)
	require.Equal(t, uint64(5), latest)

	// The stale heights were not stored.
	_, err = f.store.StateMachineCommitment(ismp.StateMachineHeight{ID: smID, Height: 3})
	require.ErrorIs(t, err, ismp.ErrStateCommitmentNotFound)

	// A verifier rejecting a non-increasing height leaves the state untouched.
	f.clock.Set(start.Add(2 * time.Second))
	_, err = f.update(5)
	require.ErrorIs(t, err, ismp.ErrStaleHeight)
	require.True(t, ismp.IsProofError(err))
	state, err := f.store.ConsensusState(csID)
	require.NoError(t, err)
	require.Equal(t, encodeHeights(5), state)
}

func TestFrozenStateMachineIsSkipped(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	f.create(t, 0)
	require.NoError(t, f.handler.FreezeStateMachine(context.Background(), smID))

	f.clock.Set(start.Add(time.Second))
	event, err := f.update(9)
	require.NoError(t, err)
	require.Empty(t, event.Accepted)
	require.Len(t, event.Skipped, 1)
	require.ErrorIs(t, event.Skipped[0].Reason, ismp.ErrFrozenStateMachine)
}

func TestFreezeIsTerminal(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	f.create(t, 0)
	ctx := context.Background()

	err := f.handler.FreezeConsensusClient(ctx, ismp.FraudProofMessage{
		ConsensusStateID: csID,
		Proof1:           []byte("a"),
		Proof2:           []byte("a"),
	})
	require.ErrorIs(t, err, ismp.ErrNoConflict)

	require.NoError(t, f.handler.FreezeConsensusClient(ctx, ismp.FraudProofMessage{
		ConsensusStateID: csID,
		Proof1:           []byte("a"),
		Proof2:           []byte("b"),
	}))

	f.clock.Set(start.Add(time.Second))
	_, err = f.update(2)
	require.ErrorIs(t, err, ismp.ErrFrozenConsensusClient)

	err = f.handler.FreezeConsensusClient(ctx, ismp.FraudProofMessage{
		ConsensusStateID: csID,
		Proof1:           []byte("a"),
		Proof2:           []byte("b"),
	})
	require.ErrorIs(t, err, ismp.ErrFrozenConsensusClient)

	status, err := f.handler.ConsensusClientStatus(csID)
	require.NoError(t, err)
	require.Equal(t, ismp.StatusFrozen, status)
}

func TestIdempotentRedelivery(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	f.create(t, 5*time.Second)

	f.clock.Set(start.Add(6 * time.Second))
	first, err := f.update(3)
	require.NoError(t, err)
	require.Len(t, first.Accepted, 1)
	state, err := f.store.ConsensusState(csID)
	require.NoError(t, err)

	// Replayed inside the challenge window and after it.
	for _, offset := range []time.Duration{7 * time.Second, 20 * time.Second} {
		f.clock.Set(start.Add(offset))
		again, err := f.update(3)
		require.NoError(t, err)
		require.True(t, again.Redelivered)
		require.Empty(t, again.Accepted)

		replayed, err := f.store.ConsensusState(csID)
		require.NoError(t, err)
		require.Equal(t, state, replayed)
	}
	require.Equal(t, 1, f.client.calls)

	heights, err := f.store.StateMachineHeights(smID)
	require.NoError(t, err)
	require.Equal(t, []uint64{3}, heights)
}

func TestRedeliveryOfEarlierProof(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	f.create(t, 0)

	f.clock.Set(start.Add(time.Second))
	_, err := f.update(3)
	require.NoError(t, err)
	f.clock.Set(start.Add(2 * time.Second))
	_, err = f.update(5)
	require.NoError(t, err)

	// the first proof arrives again after a later one was applied
	f.clock.Set(start.Add(3 * time.Second))
	again, err := f.update(3)
	require.NoError(t, err)
	require.True(t, again.Redelivered)
	require.Equal(t, 2, f.client.calls)

	state, err := f.store.ConsensusState(csID)
	require.NoError(t, err)
	require.Equal(t, encodeHeights(5), state)

	// a proof never applied still reaches the verifier
	_, err = f.update(4)
	require.ErrorIs(t, err, ismp.ErrStaleHeight)
	require.Equal(t, 3, f.client.calls)
}

func TestExpiredClientRejectsReplay(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	f.create(t, 0)

	f.clock.Set(start.Add(time.Second))
	_, err := f.update(3)
	require.NoError(t, err)

	f.clock.Set(start.Add(time.Second + 3*time.Hour))
	event, err := f.update(3)
	require.ErrorIs(t, err, ismp.ErrUnbondingPeriodElapsed)
	require.Nil(t, event)
	require.Equal(t, 1, f.client.calls)
}

func TestParallelUpdatesAcrossIDs(t *testing.T) {
	s, err := store.NewMemStore()
	require.NoError(t, err)
	defer s.Close()
	registry, err := ismp.NewRegistry(&mockClient{})
	require.NoError(t, err)
	clock := &testClock{now: start}
	h := ismp.NewHandler(zap.NewNop(), s, registry, hostSM, ismp.WithClock(clock.Now))
	ctx := context.Background()

	ids := make([]ismp.ConsensusStateID, 8)
	for i := range ids {
		ids[i] = ismp.ConsensusStateID{'I', 'D', '0', byte('0' + i)}
		_, err := h.CreateConsensusState(ctx, ismp.CreateConsensusState{
			ConsensusState:    encodeHeights(1),
			ConsensusClientID: mockClientID,
			ConsensusStateID:  ids[i],
			UnbondingPeriod:   time.Hour,
		})
		require.NoError(t, err)
	}
	clock.Set(start.Add(time.Second))

	var eg errgroup.Group
	for _, id := range ids {
		id := id
		eg.Go(func() error {
			_, err := h.UpdateClient(ctx, ismp.ConsensusMessage{ConsensusStateID: id, ConsensusProof: encodeHeights(2)})
			return err
		})
	}
	require.NoError(t, eg.Wait())

	for _, id := range ids {
		latest, err := s.LatestCommitmentHeight(ismp.StateMachineID{StateID: sourceSM, ConsensusStateID: id})
		require.NoError(t, err)
		require.Equal(t, uint64(2), latest)
	}
}

func proofFor(t *testing.T, height uint64, values map[string][]byte) ismp.Proof {
	t.Helper()
	bz, err := json.Marshal(values)
	require.NoError(t, err)
	return ismp.Proof{Height: ismp.StateMachineHeight{ID: smID, Height: height}, Proof: bz}
}

func TestHandleRequests(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	f.create(t, 10*time.Second)
	ctx := context.Background()

	f.clock.Set(start.Add(11 * time.Second))
	_, err := f.update(20)
	require.NoError(t, err)

	req := ismp.PostRequest{Source: sourceSM, Dest: hostSM, Nonce: 1, From: []byte("a"), To: []byte("b"), Body: []byte("hi")}
	c := req.Commitment()
	msg := ismp.RequestMessage{
		Requests: []ismp.PostRequest{req},
		Proof:    proofFor(t, 20, map[string][]byte{c.Hex(): {1}}),
		Signer:   []byte("relayer"),
	}

	t.Run("unknown height", func(t *testing.T) {
		bad := msg
		bad.Proof = proofFor(t, 21, nil)
		_, err := f.handler.HandleRequests(ctx, bad)
		require.ErrorIs(t, err, ismp.ErrStateCommitmentNotFound)
	})

	t.Run("challenge period of the commitment", func(t *testing.T) {
		f.clock.Set(start.Add(21 * time.Second))
		_, err := f.handler.HandleRequests(ctx, msg)
		require.ErrorIs(t, err, ismp.ErrChallengePeriodNotElapsed)
	})

	f.clock.Set(start.Add(22 * time.Second))

	t.Run("wrong source", func(t *testing.T) {
		bad := msg
		other := req
		other.Source = ismp.KusamaStateMachine(2000)
		bad.Requests = []ismp.PostRequest{other}
		_, err := f.handler.HandleRequests(ctx, bad)
		require.ErrorIs(t, err, ismp.ErrInvalidRequestSource)
	})

	t.Run("missing from proof", func(t *testing.T) {
		bad := msg
		bad.Proof = proofFor(t, 20, map[string][]byte{})
		_, err := f.handler.HandleRequests(ctx, bad)
		require.ErrorIs(t, err, ismp.ErrValueNotFound)
	})

	res, err := f.handler.HandleRequests(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{c}, res.Delivered)
	receipt, err := f.store.RequestReceipt(c)
	require.NoError(t, err)
	require.Equal(t, []byte("relayer"), receipt)

	// Redelivery is a no-op that reports the duplicate.
	msg.Signer = []byte("other")
	res, err = f.handler.HandleRequests(ctx, msg)
	require.NoError(t, err)
	require.Empty(t, res.Delivered)
	require.Len(t, res.Skipped, 1)
	require.True(t, errors.Is(res.Skipped[0].Reason, ismp.ErrDuplicateRequest))
	receipt, err = f.store.RequestReceipt(c)
	require.NoError(t, err)
	require.Equal(t, []byte("relayer"), receipt)

	t.Run("timed out", func(t *testing.T) {
		expired := req
		expired.Nonce = 2
		expired.TimeoutTimestamp = uint64(start.Unix())
		res, err := f.handler.HandleRequests(ctx, ismp.RequestMessage{
			Requests: []ismp.PostRequest{expired},
			Proof:    proofFor(t, 20, nil),
		})
		require.NoError(t, err)
		require.Len(t, res.Skipped, 1)
		require.ErrorIs(t, res.Skipped[0].Reason, ismp.ErrRequestTimedOut)
	})
}

func TestHandleResponses(t *testing.T) {
	f := newFixture(t, zap.NewNop())
	f.create(t, 0)
	ctx := context.Background()
	f.clock.Set(start.Add(time.Second))
	_, err := f.update(30)
	require.NoError(t, err)
	f.clock.Set(start.Add(2 * time.Second))

	post := ismp.PostRequest{Source: hostSM, Dest: sourceSM, Nonce: 4, Body: []byte("ping")}
	res := ismp.PostResponse{Post: post, Response: []byte("pong")}
	get := ismp.GetRequest{Source: hostSM, Dest: sourceSM, Nonce: 5, Keys: [][]byte{[]byte("k1"), []byte("k2")}, Height: 30}

	msg := ismp.ResponseMessage{
		Responses:   []ismp.PostResponse{res},
		GetRequests: []ismp.GetRequest{get},
		Proof:       proofFor(t, 30, map[string][]byte{res.Commitment().Hex(): {1}, "k1": []byte("v1")}),
		Signer:      []byte("relayer"),
	}
	out, err := f.handler.HandleResponses(ctx, msg)
	require.NoError(t, err)
	require.ElementsMatch(t, []common.Hash{res.Commitment(), get.Commitment()}, out.Delivered)
	require.Len(t, out.GetResponses, 1)
	require.Equal(t, []byte("v1"), out.GetResponses[0].Values["k1"])
	require.Nil(t, out.GetResponses[0].Values["k2"])

	out, err = f.handler.HandleResponses(ctx, msg)
	require.NoError(t, err)
	require.Empty(t, out.Delivered)
	require.Len(t, out.Skipped, 2)
	for _, s := range out.Skipped {
		require.ErrorIs(t, s.Reason, ismp.ErrDuplicateResponse)
	}
}
