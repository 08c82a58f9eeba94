package ismp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Handler drives the consensus client lifecycle and request delivery on top
// of a Store. Calls for different consensus state ids run concurrently,
// calls for the same id are serialized.
type Handler struct {
	log      *zap.Logger
	store    Store
	registry *Registry
	host     host
	hostSM   StateMachine

	mu    sync.Mutex
	locks map[ConsensusStateID]*sync.Mutex
}

type HandlerOption func(*Handler)

// WithClock replaces the wall clock used as the host timestamp.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.host.now = now }
}

// NewHandler returns a Handler for the host identified by hostSM.
func NewHandler(log *zap.Logger, store Store, registry *Registry, hostSM StateMachine, opts ...HandlerOption) *Handler {
	h := &Handler{
		log:      log,
		store:    store,
		registry: registry,
		hostSM:   hostSM,
		locks:    make(map[ConsensusStateID]*sync.Mutex),
	}
	h.host = host{StateReader: store, registry: registry, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Host exposes the capability handed to verifiers.
func (h *Handler) Host() Host { return h.host }

func (h *Handler) lock(id ConsensusStateID) func() {
	h.mu.Lock()
	l, ok := h.locks[id]
	if !ok {
		l = &sync.Mutex{}
		h.locks[id] = l
	}
	h.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// consensusClient resolves the verifier bound to id.
func (h *Handler) consensusClient(id ConsensusStateID) (ConsensusClient, error) {
	clientID, err := h.store.ConsensusClientID(id)
	if errors.Is(err, ErrConsensusStateNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConsensusStateIDNotRecognized, id)
	}
	if err != nil {
		return nil, err
	}
	return h.registry.Get(clientID)
}

type clientTiming struct {
	updated   time.Time
	challenge time.Duration
}

// activeClient resolves the verifier for id and rejects frozen or expired clients.
func (h *Handler) activeClient(id ConsensusStateID, now time.Time) (ConsensusClient, clientTiming, error) {
	var timing clientTiming
	client, err := h.consensusClient(id)
	if err != nil {
		return nil, timing, err
	}
	frozen, err := h.store.IsConsensusClientFrozen(id)
	if err != nil {
		return nil, timing, err
	}
	if frozen {
		return nil, timing, fmt.Errorf("%w: %s", ErrFrozenConsensusClient, id)
	}
	if timing.updated, err = h.store.ConsensusUpdateTime(id); err != nil {
		return nil, timing, err
	}
	unbonding, err := h.store.UnbondingPeriod(id)
	if err != nil {
		return nil, timing, err
	}
	if elapsed := now.Sub(timing.updated); elapsed > unbonding {
		return nil, timing, fmt.Errorf("%w: %s last updated %s ago, unbonding period %s",
			ErrUnbondingPeriodElapsed, id, elapsed, unbonding)
	}
	if timing.challenge, err = h.store.ChallengePeriod(id); err != nil {
		return nil, timing, err
	}
	return client, timing, nil
}

// CreateConsensusState stores a new consensus state and its initial commitments.
func (h *Handler) CreateConsensusState(ctx context.Context, msg CreateConsensusState) (*ConsensusStateCreated, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := msg.ConsensusStateID
	unlock := h.lock(id)
	defer unlock()

	if _, err := h.store.ConsensusClientID(id); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateConsensusStateID, id)
	} else if !errors.Is(err, ErrConsensusStateNotFound) {
		return nil, err
	}

	client, err := h.registry.Get(msg.ConsensusClientID)
	if err != nil {
		return nil, err
	}
	if msg.UnbondingPeriod <= 0 {
		return nil, fmt.Errorf("unbonding period must be positive, got %s", msg.UnbondingPeriod)
	}
	if msg.ChallengePeriod < 0 {
		return nil, fmt.Errorf("challenge period must not be negative, got %s", msg.ChallengePeriod)
	}
	if v, ok := client.(ConsensusStateValidator); ok {
		if err := v.ValidateConsensusState(msg.ConsensusState); err != nil {
			return nil, fmt.Errorf("invalid initial consensus state for %s: %w", id, err)
		}
	}

	now := h.host.Timestamp()
	batch := h.store.NewBatch()
	batch.SetConsensusState(id, msg.ConsensusState)
	batch.SetConsensusClientID(id, msg.ConsensusClientID)
	batch.SetConsensusUpdateTime(id, now)
	batch.SetUnbondingPeriod(id, msg.UnbondingPeriod)
	batch.SetChallengePeriod(id, msg.ChallengePeriod)

	created := &ConsensusStateCreated{ConsensusStateID: id}
	latest := make(map[StateMachineID]uint64)
	seen := make(map[StateMachineHeight]struct{})
	for _, is := range msg.InitialCommitments {
		if is.Height.ID.ConsensusStateID != id {
			return nil, fmt.Errorf("%w: initial commitment %s is not tracked by %s",
				ErrConsensusStateIDNotRecognized, is.Height, id)
		}
		if _, ok := seen[is.Height]; ok {
			return nil, fmt.Errorf("%w: %s", ErrStateCommitmentExists, is.Height)
		}
		seen[is.Height] = struct{}{}
		batch.StoreStateMachineCommitment(is.Height, is.Commitment)
		batch.SetStateMachineUpdateTime(is.Height, now)
		if cur, ok := latest[is.Height.ID]; !ok || is.Height.Height > cur {
			latest[is.Height.ID] = is.Height.Height
		}
		created.Commitments = append(created.Commitments, is.Height)
	}
	for smID, height := range latest {
		batch.SetLatestCommitmentHeight(smID, height)
	}
	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("failed to store consensus state %s: %w", id, err)
	}

	h.log.Info("Created consensus state",
		zap.String("consensus_state_id", id.String()),
		zap.String("consensus_client", msg.ConsensusClientID.String()),
		zap.Int("initial_commitments", len(created.Commitments)),
	)
	return created, nil
}

// UpdateClient verifies a consensus proof and stores the commitments it finalizes.
func (h *Handler) UpdateClient(ctx context.Context, msg ConsensusMessage) (*ConsensusUpdated, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := msg.ConsensusStateID
	unlock := h.lock(id)
	defer unlock()
	log := h.log.With(zap.String("consensus_state_id", id.String()))

	now := h.host.Timestamp()
	client, timing, err := h.activeClient(id, now)
	if err != nil {
		return nil, err
	}

	digest := crypto.Keccak256Hash(msg.ConsensusProof)
	applied, err := h.store.HasConsensusProofDigest(id, digest)
	if err != nil {
		return nil, err
	}
	if applied {
		log.Debug("Consensus proof already applied", zap.Stringer("digest", digest))
		return &ConsensusUpdated{ConsensusStateID: id, Redelivered: true}, nil
	}

	if elapsed := now.Sub(timing.updated); elapsed <= timing.challenge {
		return nil, fmt.Errorf("%w: %s last updated %s ago, challenge period %s",
			ErrChallengePeriodNotElapsed, id, elapsed, timing.challenge)
	}

	trusted, err := h.store.ConsensusState(id)
	if err != nil {
		return nil, err
	}
	newState, commitments, err := client.VerifyConsensus(h.host, id, trusted, msg.ConsensusProof)
	if err != nil {
		return nil, fmt.Errorf("failed to verify consensus proof for %s: %w", id, err)
	}

	batch := h.store.NewBatch()
	batch.SetConsensusState(id, newState)
	batch.SetConsensusUpdateTime(id, now)
	batch.AddConsensusProofDigest(id, digest)

	event := &ConsensusUpdated{ConsensusStateID: id}
	for _, smID := range sortedStateMachineIDs(commitments) {
		if err := h.stageCommitments(batch, event, id, smID, commitments[smID], now); err != nil {
			return nil, err
		}
	}
	if err := batch.Commit(); err != nil {
		return nil, fmt.Errorf("failed to store update for %s: %w", id, err)
	}

	for _, s := range event.Skipped {
		log.Warn("Skipped state commitment",
			zap.String("height", s.Height.String()),
			zap.Error(s.Reason),
		)
	}
	log.Info("Updated consensus state",
		zap.Int("accepted", len(event.Accepted)),
		zap.Int("skipped", len(event.Skipped)),
	)
	return event, nil
}

// stageCommitments filters the commitments of one state machine and adds
// the accepted ones to batch.
func (h *Handler) stageCommitments(
	batch Batch,
	event *ConsensusUpdated,
	id ConsensusStateID,
	smID StateMachineID,
	heights []StateCommitmentHeight,
	now time.Time,
) error {
	sorted := make([]StateCommitmentHeight, len(heights))
	copy(sorted, heights)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Height < sorted[j].Height })

	skip := func(height uint64, reason error) {
		event.Skipped = append(event.Skipped, SkippedCommitment{
			Height: StateMachineHeight{ID: smID, Height: height},
			Reason: reason,
		})
	}

	if smID.ConsensusStateID != id {
		for _, c := range sorted {
			skip(c.Height, fmt.Errorf("%w: %s", ErrStateMachineNotSupported, smID))
		}
		return nil
	}

	frozen, err := h.store.IsStateMachineFrozen(smID)
	if err != nil {
		return err
	}
	latest, err := h.store.LatestCommitmentHeight(smID)
	hasLatest := err == nil
	if err != nil && !errors.Is(err, ErrLatestHeightNotFound) {
		return err
	}

	advanced := false
	for _, c := range sorted {
		height := StateMachineHeight{ID: smID, Height: c.Height}
		if frozen {
			skip(c.Height, fmt.Errorf("%w: %s", ErrFrozenStateMachine, smID))
			continue
		}
		if hasLatest && c.Height <= latest {
			skip(c.Height, fmt.Errorf("%w: %d <= %d", ErrStaleHeight, c.Height, latest))
			continue
		}
		if _, err := h.store.StateMachineCommitment(height); err == nil {
			skip(c.Height, ErrStateCommitmentExists)
			continue
		} else if !errors.Is(err, ErrStateCommitmentNotFound) {
			return err
		}
		batch.StoreStateMachineCommitment(height, c.Commitment)
		batch.SetStateMachineUpdateTime(height, now)
		latest, hasLatest, advanced = c.Height, true, true
		event.Accepted = append(event.Accepted, height)
	}
	if advanced {
		batch.SetLatestCommitmentHeight(smID, latest)
	}
	return nil
}

func sortedStateMachineIDs(c StateCommitments) []StateMachineID {
	ids := make([]StateMachineID, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// FreezeConsensusClient freezes id if the fraud proof is accepted by its verifier.
func (h *Handler) FreezeConsensusClient(ctx context.Context, msg FraudProofMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id := msg.ConsensusStateID
	unlock := h.lock(id)
	defer unlock()

	client, err := h.consensusClient(id)
	if err != nil {
		return err
	}
	frozen, err := h.store.IsConsensusClientFrozen(id)
	if err != nil {
		return err
	}
	if frozen {
		return fmt.Errorf("%w: %s", ErrFrozenConsensusClient, id)
	}
	trusted, err := h.store.ConsensusState(id)
	if err != nil {
		return err
	}
	if err := client.VerifyFraudProof(h.host, trusted, msg.Proof1, msg.Proof2); err != nil {
		return fmt.Errorf("failed to verify fraud proof for %s: %w", id, err)
	}

	batch := h.store.NewBatch()
	batch.FreezeConsensusClient(id)
	if err := batch.Commit(); err != nil {
		return err
	}
	h.log.Warn("Froze consensus client", zap.String("consensus_state_id", id.String()))
	return nil
}

// FreezeStateMachine stops any further commitments from being stored for id.
func (h *Handler) FreezeStateMachine(ctx context.Context, id StateMachineID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := h.lock(id.ConsensusStateID)
	defer unlock()

	if _, err := h.consensusClient(id.ConsensusStateID); err != nil {
		return err
	}
	batch := h.store.NewBatch()
	batch.FreezeStateMachine(id)
	if err := batch.Commit(); err != nil {
		return err
	}
	h.log.Warn("Froze state machine", zap.String("state_machine", id.String()))
	return nil
}

// ConsensusClientStatus reports whether id is active, frozen or expired.
func (h *Handler) ConsensusClientStatus(id ConsensusStateID) (ClientStatus, error) {
	if _, err := h.consensusClient(id); err != nil {
		return "", err
	}
	frozen, err := h.store.IsConsensusClientFrozen(id)
	if err != nil {
		return "", err
	}
	if frozen {
		return StatusFrozen, nil
	}
	updated, err := h.store.ConsensusUpdateTime(id)
	if err != nil {
		return "", err
	}
	unbonding, err := h.store.UnbondingPeriod(id)
	if err != nil {
		return "", err
	}
	if h.host.Timestamp().Sub(updated) > unbonding {
		return StatusExpired, nil
	}
	return StatusActive, nil
}

// provenState checks that the commitment at height may be used for state
// proofs and returns it with the state machine client that verifies them.
func (h *Handler) provenState(height StateMachineHeight, now time.Time) (StateMachineClient, StateCommitment, error) {
	smID := height.ID
	client, timing, err := h.activeClient(smID.ConsensusStateID, now)
	if err != nil {
		return nil, StateCommitment{}, err
	}
	frozen, err := h.store.IsStateMachineFrozen(smID)
	if err != nil {
		return nil, StateCommitment{}, err
	}
	if frozen {
		return nil, StateCommitment{}, fmt.Errorf("%w: %s", ErrFrozenStateMachine, smID)
	}
	commitment, err := h.store.StateMachineCommitment(height)
	if err != nil {
		return nil, StateCommitment{}, err
	}
	stored, err := h.store.StateMachineUpdateTime(height)
	if err != nil {
		return nil, StateCommitment{}, err
	}
	if elapsed := now.Sub(stored); elapsed <= timing.challenge {
		return nil, StateCommitment{}, fmt.Errorf("%w: commitment %s stored %s ago, challenge period %s",
			ErrChallengePeriodNotElapsed, height, elapsed, timing.challenge)
	}
	smClient, err := client.StateMachine(smID.StateID)
	if err != nil {
		return nil, StateCommitment{}, err
	}
	return smClient, commitment, nil
}

func (h *Handler) logSkipped(msg string, skipped []SkippedItem) {
	if len(skipped) == 0 {
		return
	}
	var errs error
	for _, s := range skipped {
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Commitment, s.Reason))
	}
	h.log.Warn(msg, zap.Int("count", len(skipped)), zap.Error(errs))
}

// HandleRequests verifies that msg.Requests are committed on their source
// chain and stores a receipt for each newly delivered request.
func (h *Handler) HandleRequests(ctx context.Context, msg RequestMessage) (*RequestsHandled, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	height := msg.Proof.Height
	unlock := h.lock(height.ID.ConsensusStateID)
	defer unlock()

	now := h.host.Timestamp()
	smClient, root, err := h.provenState(height, now)
	if err != nil {
		return nil, err
	}

	result := &RequestsHandled{}
	seen := make(map[common.Hash]struct{})
	var pending []common.Hash
	for _, req := range msg.Requests {
		c := req.Commitment()
		if req.Source != height.ID.StateID {
			return nil, fmt.Errorf("%w: request %s from %s, proof for %s", ErrInvalidRequestSource, c, req.Source, height.ID.StateID)
		}
		if req.Dest != h.hostSM {
			return nil, fmt.Errorf("%w: request %s to %s", ErrInvalidRequestDestination, c, req.Dest)
		}
		if req.TimedOut(uint64(now.Unix())) {
			result.Skipped = append(result.Skipped, SkippedItem{Commitment: c, Reason: ErrRequestTimedOut})
			continue
		}
		dup, err := h.isDuplicate(h.store.RequestReceipt, seen, c)
		if err != nil {
			return nil, err
		}
		if dup {
			result.Skipped = append(result.Skipped, SkippedItem{Commitment: c, Reason: ErrDuplicateRequest})
			continue
		}
		pending = append(pending, c)
	}

	if len(pending) > 0 {
		item := RequestResponse{Kind: RequestCommitment, Commitments: pending}
		if err := smClient.VerifyMembership(h.host, item, root, msg.Proof); err != nil {
			return nil, fmt.Errorf("failed to verify requests at %s: %w", height, err)
		}
		batch := h.store.NewBatch()
		for _, c := range pending {
			batch.StoreRequestReceipt(c, msg.Signer)
		}
		if err := batch.Commit(); err != nil {
			return nil, err
		}
		result.Delivered = pending
	}

	h.logSkipped("Skipped requests", result.Skipped)
	return result, nil
}

// HandleResponses verifies post responses by membership, and get requests by
// reading their keys from the destination's state, storing a receipt for each.
func (h *Handler) HandleResponses(ctx context.Context, msg ResponseMessage) (*RequestsHandled, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	height := msg.Proof.Height
	unlock := h.lock(height.ID.ConsensusStateID)
	defer unlock()

	now := h.host.Timestamp()
	smClient, root, err := h.provenState(height, now)
	if err != nil {
		return nil, err
	}

	result := &RequestsHandled{}
	seen := make(map[common.Hash]struct{})
	var pending []common.Hash
	for _, res := range msg.Responses {
		c := res.Commitment()
		if res.Post.Dest != height.ID.StateID {
			return nil, fmt.Errorf("%w: response %s from %s, proof for %s", ErrInvalidRequestSource, c, res.Post.Dest, height.ID.StateID)
		}
		if res.Post.Source != h.hostSM {
			return nil, fmt.Errorf("%w: response %s to %s", ErrInvalidRequestDestination, c, res.Post.Source)
		}
		if res.TimeoutTimestamp != 0 && uint64(now.Unix()) > res.TimeoutTimestamp {
			result.Skipped = append(result.Skipped, SkippedItem{Commitment: c, Reason: ErrRequestTimedOut})
			continue
		}
		dup, err := h.isDuplicate(h.store.ResponseReceipt, seen, c)
		if err != nil {
			return nil, err
		}
		if dup {
			result.Skipped = append(result.Skipped, SkippedItem{Commitment: c, Reason: ErrDuplicateResponse})
			continue
		}
		pending = append(pending, c)
	}
	if len(pending) > 0 {
		item := RequestResponse{Kind: ResponseCommitment, Commitments: pending}
		if err := smClient.VerifyMembership(h.host, item, root, msg.Proof); err != nil {
			return nil, fmt.Errorf("failed to verify responses at %s: %w", height, err)
		}
	}

	var gets []GetRequest
	var keys [][]byte
	for _, req := range msg.GetRequests {
		c := req.Commitment()
		if req.Dest != height.ID.StateID {
			return nil, fmt.Errorf("%w: get request %s reads %s, proof for %s", ErrInvalidRequestSource, c, req.Dest, height.ID.StateID)
		}
		if req.Source != h.hostSM {
			return nil, fmt.Errorf("%w: get request %s from %s", ErrInvalidRequestDestination, c, req.Source)
		}
		if req.Height != height.Height {
			return nil, fmt.Errorf("%w: get request %s at height %d, proof at %d", ErrInvalidProof, c, req.Height, height.Height)
		}
		if req.TimedOut(uint64(now.Unix())) {
			result.Skipped = append(result.Skipped, SkippedItem{Commitment: c, Reason: ErrRequestTimedOut})
			continue
		}
		dup, err := h.isDuplicate(h.store.ResponseReceipt, seen, c)
		if err != nil {
			return nil, err
		}
		if dup {
			result.Skipped = append(result.Skipped, SkippedItem{Commitment: c, Reason: ErrDuplicateResponse})
			continue
		}
		gets = append(gets, req)
		keys = append(keys, req.Keys...)
	}
	if len(gets) > 0 {
		values, err := smClient.VerifyStateProof(h.host, dedupKeys(keys), root, msg.Proof)
		if err != nil {
			return nil, fmt.Errorf("failed to verify get responses at %s: %w", height, err)
		}
		for _, req := range gets {
			res := GetResponse{Get: req, Values: make(map[string][]byte, len(req.Keys))}
			for _, k := range req.Keys {
				res.Values[string(k)] = values[string(k)]
			}
			result.GetResponses = append(result.GetResponses, res)
			pending = append(pending, req.Commitment())
		}
	}

	if len(pending) > 0 {
		batch := h.store.NewBatch()
		for _, c := range pending {
			batch.StoreResponseReceipt(c, msg.Signer)
		}
		if err := batch.Commit(); err != nil {
			return nil, err
		}
		result.Delivered = pending
	}

	h.logSkipped("Skipped responses", result.Skipped)
	return result, nil
}

func (h *Handler) isDuplicate(receipt func(common.Hash) ([]byte, error), seen map[common.Hash]struct{}, c common.Hash) (bool, error) {
	if _, ok := seen[c]; ok {
		return true, nil
	}
	seen[c] = struct{}{}
	_, err := receipt(c)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrReceiptNotFound) {
		return false, nil
	}
	return false, err
}

func dedupKeys(keys [][]byte) [][]byte {
	seen := make(map[string]struct{}, len(keys))
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[string(k)]; ok {
			continue
		}
		seen[string(k)] = struct{}{}
		out = append(out, k)
	}
	return out
}
