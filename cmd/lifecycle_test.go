package cmd_test

import (
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/consensus/clique"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/polytope-labs/hyperbridge-sub013/cmd"
	"github.com/polytope-labs/hyperbridge-sub013/internal/relayertest"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/ethereum"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/poa"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/trie/mpt"
)

var hostAddress = common.HexToAddress("0x843b131bd76419934dae248f6e5a195c0a3c324d")

// authorities is a proof of authority chain of 4 validators on chain 56.
type authorities struct {
	keys    []*ecdsa.PrivateKey
	addrs   []common.Address
	genesis *types.Header
}

func sealHeader(t *testing.T, h *types.Header, key *ecdsa.PrivateKey) {
	t.Helper()
	h.Extra = make([]byte, poa.ExtraVanity+poa.ExtraSeal)
	sig, err := crypto.Sign(clique.SealHash(h).Bytes(), key)
	require.NoError(t, err)
	copy(h.Extra[poa.ExtraVanity:], sig)
}

func newAuthorities(t *testing.T) *authorities {
	a := &authorities{}
	for i := 0; i < 4; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		a.keys = append(a.keys, key)
		a.addrs = append(a.addrs, crypto.PubkeyToAddress(key.PublicKey))
	}
	a.genesis = &types.Header{Number: big.NewInt(10), Difficulty: big.NewInt(2), Time: 100}
	sealHeader(t, a.genesis, a.keys[0])
	return a
}

func (a *authorities) state(t *testing.T) string {
	cs := poa.ConsensusState{Validators: a.addrs, EpochLength: 200, LatestHeight: 10, LatestHash: a.genesis.Hash(), ChainID: 56}
	enc, err := cs.Encode()
	require.NoError(t, err)
	return hexutil.Encode(enc)
}

// headers extends parent with one header per signer, all committing to root.
func (a *authorities) headers(t *testing.T, parent *types.Header, root common.Hash, signers ...int) []*types.Header {
	var out []*types.Header
	for _, s := range signers {
		h := &types.Header{
			ParentHash: parent.Hash(),
			Number:     new(big.Int).Add(parent.Number, big.NewInt(1)),
			Difficulty: big.NewInt(2),
			Time:       parent.Time + 3,
			Root:       root,
		}
		sealHeader(t, h, a.keys[s])
		out = append(out, h)
		parent = h
	}
	return out
}

func encodeUpdate(t *testing.T, headers ...*types.Header) string {
	enc, err := (&poa.Update{Headers: headers}).Encode()
	require.NoError(t, err)
	return hexutil.Encode(enc)
}

// hostStorage is an EVM state whose host contract committed to request.
func hostStorage(t *testing.T, request common.Hash) (common.Hash, []byte) {
	newTrie := func() *trie.Trie { return trie.NewEmpty(triedb.NewDatabase(rawdb.NewMemoryDatabase(), nil)) }
	storage, accounts := newTrie(), newTrie()

	key := mpt.SlotLayoutDoubleHashed.MappingTrieKey(request[:], ethereum.RequestCommitmentsSlot)
	value, err := rlp.EncodeToBytes([]byte{0x01})
	require.NoError(t, err)
	storage.MustUpdate(key, value)

	acc, err := rlp.EncodeToBytes(&mpt.Account{Nonce: 1, Balance: big.NewInt(0), Root: storage.Hash(), CodeHash: crypto.Keccak256(nil)})
	require.NoError(t, err)
	accounts.MustUpdate(crypto.Keccak256(hostAddress.Bytes()), acc)

	nodes := func(tr *trie.Trie, key []byte) [][]byte {
		db := memorydb.New()
		require.NoError(t, tr.Prove(key, db))
		var out [][]byte
		it := db.NewIterator(nil, nil)
		defer it.Release()
		for it.Next() {
			out = append(out, common.CopyBytes(it.Value()))
		}
		return out
	}
	proof, err := (&mpt.StateProof{
		AccountProof:  nodes(accounts, crypto.Keccak256(hostAddress.Bytes())),
		StorageProofs: []mpt.StorageProof{{Address: hostAddress, Nodes: nodes(storage, key)}},
	}).Encode()
	require.NoError(t, err)
	return accounts.Hash(), proof
}

type updateResult struct {
	ConsensusStateID string   `json:"consensus_state_id"`
	Accepted         []string `json:"accepted"`
	Redelivered      bool     `json:"redelivered"`
	Error            string   `json:"error"`
	ErrorClass       string   `json:"error_class"`
}

func setupPoA(t *testing.T) *relayertest.System {
	t.Helper()
	sys := relayertest.NewSystem(t)
	_ = sys.MustRun(t, "config", "init")

	config := sys.MustGetConfig(t)
	config.EvmHosts = map[string]cmd.EvmHostConfig{
		"EVM-56": {Address: hostAddress.Hex(), SlotLayout: "double-hashed"},
	}
	config.ConsensusStates = map[string]cmd.ConsensusStateConfig{
		"BNB0": {Client: "POAU", UnbondingPeriod: "24h", ChallengePeriod: "0s"},
	}
	sys.MustWriteConfig(t, config)
	return sys
}

func TestPoALifecycle(t *testing.T) {
	t.Parallel()

	sys := setupPoA(t)
	auth := newAuthorities(t)

	request := ismp.PostRequest{
		Source: ismp.EvmStateMachine(56),
		Dest:   ismp.PolkadotStateMachine(3367),
		Nonce:  1,
		From:   []byte{0x01},
		To:     []byte{0x02},
		Body:   []byte("hello"),
	}
	stateRoot, stateProof := hostStorage(t, request.Commitment())

	res := sys.MustRun(t, "create", "BNB0", auth.state(t), "--json")
	require.Contains(t, res.Stdout.String(), `"consensus_state_id":"BNB0"`)

	res = sys.Run(zap.NewNop(), "create", "BNB0", auth.state(t))
	require.ErrorIs(t, res.Err, ismp.ErrDuplicateConsensusStateID)

	res = sys.MustRun(t, "query", "status", "BNB0", "--json")
	var status map[string]string
	require.NoError(t, json.Unmarshal(res.Stdout.Bytes(), &status))
	require.Equal(t, "Active", status["status"])
	require.Equal(t, "POAU", status["client"])
	require.Equal(t, "24h0m0s", status["unbonding_period"])

	// 11..14 sealed by all four validators finalize 12.
	headers := auth.headers(t, auth.genesis, stateRoot, 0, 1, 2, 3)
	update := encodeUpdate(t, headers...)
	res = sys.MustRun(t, "update", "BNB0", update, "--json")
	var results []updateResult
	require.NoError(t, json.Unmarshal(res.Stdout.Bytes(), &results))
	require.Len(t, results, 1)
	require.Equal(t, []string{"EVM-56/BNB0@12"}, results[0].Accepted)

	// The same proof again is a redelivery.
	res = sys.MustRun(t, "update", "BNB0", update, "--json")
	require.NoError(t, json.Unmarshal(res.Stdout.Bytes(), &results))
	require.True(t, results[0].Redelivered)

	res = sys.MustRun(t, "query", "latest-height", "EVM-56", "BNB0")
	require.Equal(t, "12", strings.TrimSpace(res.Stdout.String()))

	res = sys.MustRun(t, "query", "commitment", "EVM-56", "BNB0", "12", "--json")
	var commitment map[string]any
	require.NoError(t, json.Unmarshal(res.Stdout.Bytes(), &commitment))
	require.Equal(t, stateRoot.Hex(), commitment["state_root"])
	require.Equal(t, float64(headers[1].Time), commitment["timestamp"])

	res = sys.Run(zap.NewNop(), "query", "commitment", "EVM-56", "BNB0", "13")
	require.ErrorIs(t, res.Err, ismp.ErrStateCommitmentNotFound)

	msg := ismp.RequestMessage{
		Requests: []ismp.PostRequest{request},
		Proof: ismp.Proof{
			Height: ismp.StateMachineHeight{
				ID:     ismp.StateMachineID{StateID: ismp.EvmStateMachine(56), ConsensusStateID: ismp.ConsensusStateID{'B', 'N', 'B', '0'}},
				Height: 12,
			},
			Proof: stateProof,
		},
		Signer: []byte{0xaa},
	}
	bz, err := json.Marshal(msg)
	require.NoError(t, err)
	file := sys.MustWriteFile(t, "requests.json", bz)

	res = sys.MustRun(t, "verify", "requests", file, "--json")
	var handled map[string]any
	require.NoError(t, json.Unmarshal(res.Stdout.Bytes(), &handled))
	require.Equal(t, []any{request.Commitment().Hex()}, handled["delivered"])

	res = sys.MustRun(t, "query", "receipt", "request", request.Commitment().Hex())
	require.Equal(t, "0xaa", strings.TrimSpace(res.Stdout.String()))

	// Delivering again skips the request as a duplicate.
	res = sys.MustRun(t, "verify", "requests", file, "--json")
	require.NoError(t, json.Unmarshal(res.Stdout.Bytes(), &handled))
	require.Empty(t, handled["delivered"])
	require.Len(t, handled["skipped"], 1)
}

func TestPoARejectedUpdate(t *testing.T) {
	t.Parallel()

	sys := setupPoA(t)
	auth := newAuthorities(t)
	_ = sys.MustRun(t, "create", "BNB0", auth.state(t))

	// Two signers can't finalize anything.
	headers := auth.headers(t, auth.genesis, common.Hash{}, 0, 1)
	res := sys.Run(zap.NewNop(), "update", "BNB0", encodeUpdate(t, headers...), "--json")
	require.ErrorIs(t, res.Err, ismp.ErrInsufficientProofs)

	var results []updateResult
	require.NoError(t, json.Unmarshal(res.Stdout.Bytes(), &results))
	require.Len(t, results, 1)
	require.Equal(t, "proof", results[0].ErrorClass)

	res = sys.Run(zap.NewNop(), "query", "latest-height", "EVM-56", "BNB0")
	require.ErrorIs(t, res.Err, ismp.ErrLatestHeightNotFound)
}

func TestPoAFreeze(t *testing.T) {
	t.Parallel()

	sys := setupPoA(t)
	auth := newAuthorities(t)
	_ = sys.MustRun(t, "create", "BNB0", auth.state(t))

	// siblings sealed once each are a fork, not fraud
	left := auth.headers(t, auth.genesis, common.HexToHash("0x01"), 0)
	right := auth.headers(t, auth.genesis, common.HexToHash("0x02"), 1)
	res := sys.Run(zap.NewNop(), "freeze", "BNB0", encodeUpdate(t, left...), encodeUpdate(t, right...))
	require.ErrorIs(t, res.Err, ismp.ErrInsufficientProofs)

	// both chains finalize 12 with different roots
	honest := auth.headers(t, auth.genesis, common.HexToHash("0x01"), 0, 1, 2, 3)
	fork := auth.headers(t, auth.genesis, common.HexToHash("0x02"), 0, 1, 2, 3)

	res = sys.Run(zap.NewNop(), "freeze", "BNB0", encodeUpdate(t, honest...), encodeUpdate(t, honest...))
	require.ErrorIs(t, res.Err, ismp.ErrNoConflict)

	res = sys.MustRun(t, "freeze", "BNB0", encodeUpdate(t, honest...), encodeUpdate(t, fork...))
	require.Contains(t, res.Stdout.String(), "consensus state BNB0 frozen")

	res = sys.MustRun(t, "query", "status", "BNB0", "--json")
	var status map[string]string
	require.NoError(t, json.Unmarshal(res.Stdout.Bytes(), &status))
	require.Equal(t, "Frozen", status["status"])

	headers := auth.headers(t, auth.genesis, common.Hash{}, 0, 1, 2, 3)
	res = sys.Run(zap.NewNop(), "update", "BNB0", encodeUpdate(t, headers...))
	require.ErrorIs(t, res.Err, ismp.ErrFrozenConsensusClient)

	res = sys.MustRun(t, "query", "consensus-states", "--json")
	var states []map[string]string
	require.NoError(t, json.Unmarshal(res.Stdout.Bytes(), &states))
	require.Len(t, states, 1)
	require.Equal(t, "BNB0", states[0]["consensus_state_id"])
	require.Equal(t, "Frozen", states[0]["status"])
}

func TestFreezeStateMachine(t *testing.T) {
	t.Parallel()

	sys := setupPoA(t)
	auth := newAuthorities(t)
	_ = sys.MustRun(t, "create", "BNB0", auth.state(t))

	res := sys.MustRun(t, "freeze", "state-machine", "EVM-56", "BNB0")
	require.Contains(t, res.Stdout.String(), "state machine EVM-56/BNB0 frozen")

	res = sys.Run(zap.NewNop(), "freeze", "state-machine", "EVM-56", "ETH0")
	require.ErrorIs(t, res.Err, ismp.ErrConsensusStateIDNotRecognized)
}

func TestUpdateFromFile(t *testing.T) {
	t.Parallel()

	sys := setupPoA(t)
	auth := newAuthorities(t)
	_ = sys.MustRun(t, "create", "BNB0", auth.state(t))

	first := auth.headers(t, auth.genesis, common.HexToHash("0x01"), 0, 1, 2, 3)
	second := auth.headers(t, first[1], common.HexToHash("0x02"), 0, 1, 2, 3)

	var lines []string
	for _, update := range []string{encodeUpdate(t, first...), encodeUpdate(t, second...)} {
		proof, err := hexutil.Decode(update)
		require.NoError(t, err)
		bz, err := json.Marshal(ismp.ConsensusMessage{
			ConsensusStateID: ismp.ConsensusStateID{'B', 'N', 'B', '0'},
			ConsensusProof:   proof,
		})
		require.NoError(t, err)
		lines = append(lines, string(bz))
	}
	file := sys.MustWriteFile(t, "updates.jsonl", []byte(strings.Join(lines, "\n")+"\n"))

	res := sys.MustRun(t, "update", "--file", file, "--workers", "2", "--json")
	var results []updateResult
	require.NoError(t, json.Unmarshal(res.Stdout.Bytes(), &results))
	require.Len(t, results, 2)
	require.Equal(t, []string{"EVM-56/BNB0@12"}, results[0].Accepted)
	require.Equal(t, []string{"EVM-56/BNB0@14"}, results[1].Accepted)

	res = sys.Run(zap.NewNop(), "update", "BNB0", "0x00", "--file", file)
	require.ErrorContains(t, res.Err, "can't pass both")
}
