package finality_test

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/substrate"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/substrate/finality"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp/store"
	trie "github.com/polytope-labs/hyperbridge-sub013/relayer/trie/substrate"
)

var (
	relayID  = ismp.ConsensusStateID{'P', 'O', 'L', 'K'}
	soloSM   = ismp.SubstrateStateMachine([4]byte{'s', 'o', 'l', 'o'})
	paraSM   = ismp.PolkadotStateMachine(2000)
	genesis  = common.HexToHash("0x1234")
	overlay  = common.HexToHash("0x0e7e41a7")
	setID    = uint64(5)
	slotTime = uint64(6000)
)

type voter struct {
	priv ed25519.PrivateKey
	pub  [ed25519.PublicKeySize]byte
}

func newVoters(n int, seed byte) []voter {
	out := make([]voter, 0, n)
	for i := 0; i < n; i++ {
		s := make([]byte, ed25519.SeedSize)
		s[0], s[1] = seed, byte(i)
		v := voter{priv: ed25519.NewKeyFromSeed(s)}
		copy(v.pub[:], v.priv.Public().(ed25519.PublicKey))
		out = append(out, v)
	}
	return out
}

func authorities(voters []voter) []finality.Authority {
	out := make([]finality.Authority, 0, len(voters))
	for _, v := range voters {
		out = append(out, finality.Authority{Key: v.pub, Weight: 1})
	}
	return out
}

func auraSlot(slot uint64) substrate.DigestItem {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, slot)
	return substrate.DigestItem{Kind: substrate.DigestPreRuntime, Engine: substrate.AuraEngineID, Data: data}
}

func ismpDigest(t *testing.T, childRoot common.Hash) substrate.DigestItem {
	enc, err := scale.Marshal(substrate.IsmpDigest{ChildTrieRoot: childRoot})
	require.NoError(t, err)
	return substrate.DigestItem{Kind: substrate.DigestConsensus, Engine: substrate.IsmpEngineID, Data: enc}
}

// newHeader builds a header whose aura slot equals its number.
func newHeader(parent common.Hash, number uint32, stateRoot common.Hash, extra ...substrate.DigestItem) substrate.Header {
	return substrate.Header{
		ParentHash: parent,
		Number:     number,
		StateRoot:  stateRoot,
		Digest:     append([]substrate.DigestItem{auraSlot(uint64(number))}, extra...),
	}
}

func hashOf(t *testing.T, h *substrate.Header) common.Hash {
	t.Helper()
	hash, err := h.Hash()
	require.NoError(t, err)
	return hash
}

// justify signs a commit for target. Precommits vote for voteFor, or the
// target when voteFor is nil.
func justify(t *testing.T, target *substrate.Header, set uint64, signers []voter, voteFor *substrate.Header, ancestries ...substrate.Header) []byte {
	t.Helper()
	const round = 7
	j := finality.Justification{
		Round:           round,
		Commit:          finality.Commit{TargetHash: hashOf(t, target), TargetNumber: target.Number},
		VotesAncestries: ancestries,
	}
	if voteFor == nil {
		voteFor = target
	}
	for _, v := range signers {
		p := finality.Precommit{TargetHash: hashOf(t, voteFor), TargetNumber: voteFor.Number}
		sp := finality.SignedPrecommit{Precommit: p, ID: v.pub}
		copy(sp.Signature[:], ed25519.Sign(v.priv, finality.PrecommitPayload(p, round, set)))
		j.Commit.Precommits = append(j.Commit.Precommits, sp)
	}
	enc, err := scale.Marshal(&j)
	require.NoError(t, err)
	return enc
}

func encodeUpdate(t *testing.T, justification []byte, headers []substrate.Header, paras map[common.Hash]finality.ParachainHeaderProofs) []byte {
	t.Helper()
	u := finality.GrandpaUpdate{
		FinalityProof: finality.FinalityProof{
			Block:          hashOf(t, &headers[len(headers)-1]),
			Justification:  justification,
			UnknownHeaders: headers,
		},
		ParachainHeaders: paras,
	}
	enc, err := scale.Marshal(&u)
	require.NoError(t, err)
	return enc
}

func encodeState(t *testing.T, cs *finality.GrandpaConsensusState) []byte {
	t.Helper()
	enc, err := scale.Marshal(cs)
	require.NoError(t, err)
	return enc
}

func decodeState(t *testing.T, bz []byte) *finality.GrandpaConsensusState {
	t.Helper()
	var cs finality.GrandpaConsensusState
	require.NoError(t, scale.Unmarshal(bz, &cs))
	return &cs
}

type grandpaFixture struct {
	voters []voter
	state  finality.GrandpaConsensusState
	h11    substrate.Header
	h12    substrate.Header
}

func newGrandpaFixture(t *testing.T) *grandpaFixture {
	f := &grandpaFixture{voters: newVoters(3, 1)}
	f.state = finality.GrandpaConsensusState{
		CurrentSetID:       setID,
		CurrentAuthorities: authorities(f.voters),
		LatestHeight:       10,
		LatestHash:         genesis,
		SlotDuration:       slotTime,
		StateMachine:       soloSM,
	}
	f.h11 = newHeader(genesis, 11, common.HexToHash("0x11"))
	f.h12 = newHeader(hashOf(t, &f.h11), 12, common.HexToHash("0x12"), ismpDigest(t, overlay))
	return f
}

func (f *grandpaFixture) update(t *testing.T, signers []voter) []byte {
	return encodeUpdate(t, justify(t, &f.h12, setID, signers, nil), []substrate.Header{f.h11, f.h12}, nil)
}

func TestGrandpaThreshold(t *testing.T) {
	f := newGrandpaFixture(t)
	g := finality.NewGrandpa(zaptest.NewLogger(t))
	trusted := encodeState(t, &f.state)

	for _, n := range []int{1, 2} {
		_, _, err := g.VerifyConsensus(nil, relayID, trusted, f.update(t, f.voters[:n]))
		require.ErrorIs(t, err, ismp.ErrInsufficientProofs, "%d of 3", n)
	}

	next, commitments, err := g.VerifyConsensus(nil, relayID, trusted, f.update(t, f.voters))
	require.NoError(t, err)

	cs := decodeState(t, next)
	require.Equal(t, uint32(12), cs.LatestHeight)
	require.Equal(t, hashOf(t, &f.h12), cs.LatestHash)
	require.Equal(t, setID, cs.CurrentSetID)

	smID := ismp.StateMachineID{StateID: soloSM, ConsensusStateID: relayID}
	require.Len(t, commitments, 1)
	require.Len(t, commitments[smID], 1)
	got := commitments[smID][0]
	require.Equal(t, uint64(12), got.Height)
	require.Equal(t, uint64(72), got.Commitment.Timestamp)
	require.Equal(t, f.h12.StateRoot, got.Commitment.StateRoot)
	require.Equal(t, overlay, *got.Commitment.OverlayRoot)

	again, _, err := g.VerifyConsensus(nil, relayID, trusted, f.update(t, f.voters))
	require.NoError(t, err)
	require.Equal(t, next, again)
}

func TestGrandpaRejects(t *testing.T) {
	f := newGrandpaFixture(t)
	g := finality.NewGrandpa(zap.NewNop())
	trusted := encodeState(t, &f.state)

	t.Run("stale target", func(t *testing.T) {
		stale := f.state
		stale.LatestHeight = 12
		_, _, err := g.VerifyConsensus(nil, relayID, encodeState(t, &stale), f.update(t, f.voters))
		require.ErrorIs(t, err, ismp.ErrStaleHeight)
	})

	t.Run("broken ancestry", func(t *testing.T) {
		proof := encodeUpdate(t, justify(t, &f.h12, setID, f.voters, nil), []substrate.Header{f.h12}, nil)
		_, _, err := g.VerifyConsensus(nil, relayID, trusted, proof)
		require.ErrorIs(t, err, ismp.ErrBrokenAncestry)
	})

	t.Run("target is not the highest header", func(t *testing.T) {
		proof := encodeUpdate(t, justify(t, &f.h11, setID, f.voters, nil), []substrate.Header{f.h11, f.h12}, nil)
		_, _, err := g.VerifyConsensus(nil, relayID, trusted, proof)
		require.ErrorIs(t, err, ismp.ErrInvalidProof)
	})

	t.Run("wrong set id", func(t *testing.T) {
		proof := encodeUpdate(t, justify(t, &f.h12, setID+1, f.voters, nil), []substrate.Header{f.h11, f.h12}, nil)
		_, _, err := g.VerifyConsensus(nil, relayID, trusted, proof)
		require.ErrorIs(t, err, ismp.ErrInvalidSignature)
	})

	t.Run("unknown voter", func(t *testing.T) {
		signers := append(newVoters(1, 9), f.voters...)
		_, _, err := g.VerifyConsensus(nil, relayID, trusted, f.update(t, signers))
		require.ErrorIs(t, err, finality.ErrUnknownAuthority)
	})

	t.Run("duplicate voter", func(t *testing.T) {
		signers := append([]voter{f.voters[0]}, f.voters...)
		_, _, err := g.VerifyConsensus(nil, relayID, trusted, f.update(t, signers))
		require.ErrorIs(t, err, ismp.ErrInvalidProof)
	})

	t.Run("missing justification", func(t *testing.T) {
		proof := encodeUpdate(t, nil, []substrate.Header{f.h11, f.h12}, nil)
		_, _, err := g.VerifyConsensus(nil, relayID, trusted, proof)
		require.ErrorIs(t, err, finality.ErrMissingGrandpaJustification)
	})

	t.Run("malformed", func(t *testing.T) {
		_, _, err := g.VerifyConsensus(nil, relayID, trusted, []byte{1, 2, 3})
		require.ErrorIs(t, err, ismp.ErrProofDecode)
	})
}

func TestGrandpaVotesForDescendant(t *testing.T) {
	f := newGrandpaFixture(t)
	g := finality.NewGrandpa(zap.NewNop())
	trusted := encodeState(t, &f.state)
	h13 := newHeader(hashOf(t, &f.h12), 13, common.HexToHash("0x13"))
	headers := []substrate.Header{f.h11, f.h12}

	proof := encodeUpdate(t, justify(t, &f.h12, setID, f.voters, &h13, h13), headers, nil)
	_, _, err := g.VerifyConsensus(nil, relayID, trusted, proof)
	require.NoError(t, err)

	// the vote target must be reachable through the ancestries
	proof = encodeUpdate(t, justify(t, &f.h12, setID, f.voters, &h13), headers, nil)
	_, _, err = g.VerifyConsensus(nil, relayID, trusted, proof)
	require.ErrorIs(t, err, ismp.ErrBrokenAncestry)

	// every ancestry must be used
	proof = encodeUpdate(t, justify(t, &f.h12, setID, f.voters, nil, h13), headers, nil)
	_, _, err = g.VerifyConsensus(nil, relayID, trusted, proof)
	require.ErrorIs(t, err, ismp.ErrInvalidProof)
}

func TestGrandpaAuthoritySetChange(t *testing.T) {
	for _, forced := range []bool{false, true} {
		f := newGrandpaFixture(t)
		g := finality.NewGrandpa(zap.NewNop())
		next := newVoters(4, 2)
		change := finality.EncodeAuthoritySetChange(finality.AuthoritySetChange{NextAuthorities: authorities(next), Forced: forced}, 11)
		f.h12.Digest = append(f.h12.Digest, substrate.DigestItem{Kind: substrate.DigestConsensus, Engine: substrate.GrandpaEngineID, Data: change})

		newState, _, err := g.VerifyConsensus(nil, relayID, encodeState(t, &f.state), f.update(t, f.voters))
		require.NoError(t, err)
		cs := decodeState(t, newState)
		require.Equal(t, setID+1, cs.CurrentSetID)
		require.Equal(t, authorities(next), cs.CurrentAuthorities)

		// the next block must be finalized by the new set
		h13 := newHeader(cs.LatestHash, 13, common.HexToHash("0x13"))
		old := encodeUpdate(t, justify(t, &h13, setID, f.voters, nil), []substrate.Header{h13}, nil)
		_, _, err = g.VerifyConsensus(nil, relayID, newState, old)
		require.Error(t, err)

		proof := encodeUpdate(t, justify(t, &h13, setID+1, next, nil), []substrate.Header{h13}, nil)
		_, _, err = g.VerifyConsensus(nil, relayID, newState, proof)
		require.NoError(t, err)
	}
}

// relayFixture is a relay chain block whose state holds the head of para 2000.
type relayFixture struct {
	*grandpaFixture
	para  substrate.Header
	proof [][]byte
}

func headData(t *testing.T, h *substrate.Header) []byte {
	t.Helper()
	enc, err := scale.Marshal(h)
	require.NoError(t, err)
	w := scale.NewWriter()
	w.VecU8(enc)
	out, err := w.Bytes()
	require.NoError(t, err)
	return out
}

func newRelayFixture(t *testing.T, paraOverlay common.Hash) *relayFixture {
	f := &relayFixture{grandpaFixture: newGrandpaFixture(t)}
	f.state.StateMachine = ismp.PolkadotStateMachine(0)
	f.state.ParaIDs = []uint32{2000}
	f.para = newHeader(common.HexToHash("0xaa"), 100, common.HexToHash("0xbeef"), ismpDigest(t, paraOverlay))
	other := newHeader(common.HexToHash("0xbb"), 55, common.HexToHash("0xcafe"))

	relayState := trie.NewTrie(trie.Blake2, trie.LayoutV1)
	relayState.Insert(substrate.ParasHeadsKey(2000), headData(t, &f.para))
	relayState.Insert(substrate.ParasHeadsKey(3000), headData(t, &other))
	root, err := relayState.Root()
	require.NoError(t, err)
	f.proof, err = relayState.Prove(substrate.ParasHeadsKey(2000))
	require.NoError(t, err)

	f.h12 = newHeader(hashOf(t, &f.h11), 12, root)
	return f
}

func (f *relayFixture) paraUpdate(t *testing.T, relay common.Hash, paraIDs ...uint32) []byte {
	paras := map[common.Hash]finality.ParachainHeaderProofs{relay: {StateProof: f.proof, ParaIDs: paraIDs}}
	return encodeUpdate(t, justify(t, &f.h12, setID, f.voters, nil), []substrate.Header{f.h11, f.h12}, paras)
}

func TestGrandpaParachainHeaders(t *testing.T) {
	f := newRelayFixture(t, overlay)
	g := finality.NewGrandpa(zap.NewNop())
	trusted := encodeState(t, &f.state)

	_, commitments, err := g.VerifyConsensus(nil, relayID, trusted, f.paraUpdate(t, hashOf(t, &f.h12), 2000))
	require.NoError(t, err)
	smID := ismp.StateMachineID{StateID: paraSM, ConsensusStateID: relayID}
	require.Len(t, commitments, 1)
	require.Equal(t, []ismp.StateCommitmentHeight{{
		Height:     100,
		Commitment: ismp.StateCommitment{Timestamp: 600, StateRoot: f.para.StateRoot, OverlayRoot: &overlay},
	}}, commitments[smID])

	t.Run("relay block not finalized", func(t *testing.T) {
		_, _, err := g.VerifyConsensus(nil, relayID, trusted, f.paraUpdate(t, genesis, 2000))
		require.ErrorIs(t, err, ismp.ErrInvalidProof)
	})

	t.Run("untracked parachain", func(t *testing.T) {
		_, _, err := g.VerifyConsensus(nil, relayID, trusted, f.paraUpdate(t, hashOf(t, &f.h12), 3000))
		require.ErrorIs(t, err, substrate.ErrUnknownParachain)
	})

	t.Run("proof against another block", func(t *testing.T) {
		_, _, err := g.VerifyConsensus(nil, relayID, trusted, f.paraUpdate(t, hashOf(t, &f.h11), 2000))
		require.ErrorIs(t, err, ismp.ErrInvalidProof)
	})
}

func TestGrandpaFraudProof(t *testing.T) {
	f := newGrandpaFixture(t)
	g := finality.NewGrandpa(zap.NewNop())
	trusted := encodeState(t, &f.state)
	fork := newHeader(hashOf(t, &f.h11), 12, common.HexToHash("0xf0"))

	honest := f.update(t, f.voters)
	equivocation := encodeUpdate(t, justify(t, &fork, setID, f.voters, nil), []substrate.Header{f.h11, fork}, nil)
	require.NoError(t, g.VerifyFraudProof(nil, trusted, honest, equivocation))

	err := g.VerifyFraudProof(nil, trusted, honest, f.update(t, f.voters))
	require.ErrorIs(t, err, ismp.ErrNoConflict)

	weak := encodeUpdate(t, justify(t, &fork, setID, f.voters[:1], nil), []substrate.Header{f.h11, fork}, nil)
	err = g.VerifyFraudProof(nil, trusted, honest, weak)
	require.ErrorIs(t, err, ismp.ErrInsufficientProofs)

	later := encodeUpdate(t, justify(t, &f.h11, setID, f.voters, nil), []substrate.Header{f.h11}, nil)
	err = g.VerifyFraudProof(nil, trusted, honest, later)
	require.ErrorIs(t, err, ismp.ErrNoConflict)
}

func TestGrandpaThroughHandler(t *testing.T) {
	hostSM := ismp.EvmStateMachine(1)
	req := ismp.PostRequest{Source: paraSM, Dest: hostSM, Nonce: 1, From: []byte("from"), To: []byte("to"), Body: []byte("hello")}
	commitment := req.Commitment()

	child := trie.NewTrie(trie.Keccak, trie.LayoutV0)
	child.Insert(substrate.CommitmentKey(ismp.RequestCommitment, commitment[:]), commitment[:])
	childRoot, err := child.Root()
	require.NoError(t, err)
	childProof, err := child.Prove(substrate.CommitmentKey(ismp.RequestCommitment, commitment[:]))
	require.NoError(t, err)
	stateProof, err := scale.Marshal(&substrate.StateProof{Kind: substrate.OverlayProof, Hasher: trie.Keccak, Nodes: childProof})
	require.NoError(t, err)

	f := newRelayFixture(t, childRoot)
	s, err := store.NewMemStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	registry, err := ismp.NewRegistry(finality.NewGrandpa(zap.NewNop()), finality.NewBeefy(zap.NewNop()))
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	handler := ismp.NewHandler(zaptest.NewLogger(t), s, registry, hostSM, ismp.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err = handler.CreateConsensusState(ctx, ismp.CreateConsensusState{
		ConsensusState:    encodeState(t, &f.state),
		ConsensusClientID: ismp.GrandpaClientID,
		ConsensusStateID:  relayID,
		UnbondingPeriod:   24 * time.Hour,
		ChallengePeriod:   time.Minute,
	})
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	updated, err := handler.UpdateClient(ctx, ismp.ConsensusMessage{
		ConsensusStateID: relayID,
		ConsensusProof:   f.paraUpdate(t, hashOf(t, &f.h12), 2000),
	})
	require.NoError(t, err)
	height := ismp.StateMachineHeight{ID: ismp.StateMachineID{StateID: paraSM, ConsensusStateID: relayID}, Height: 100}
	require.Equal(t, []ismp.StateMachineHeight{height}, updated.Accepted)

	msg := ismp.RequestMessage{Requests: []ismp.PostRequest{req}, Proof: ismp.Proof{Height: height, Proof: stateProof}, Signer: []byte("relayer")}
	_, err = handler.HandleRequests(ctx, msg)
	require.ErrorIs(t, err, ismp.ErrChallengePeriodNotElapsed)

	now = now.Add(2 * time.Minute)
	handled, err := handler.HandleRequests(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{commitment}, handled.Delivered)

	handled, err = handler.HandleRequests(ctx, msg)
	require.NoError(t, err)
	require.Empty(t, handled.Delivered)
	require.Len(t, handled.Skipped, 1)
}
