package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	lderrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

const (
	openAttempts = 5
	openDelay    = 200 * time.Millisecond
)

// Key prefixes. Consensus keys are followed by the 4 byte consensus state
// id, state machine keys by the fixed width encoding of a StateMachineID
// and, where relevant, the big endian height.
const (
	consensusStatePrefix     = "cs/state/"
	consensusClientPrefix    = "cs/client/"
	consensusUpdatePrefix    = "cs/updated/"
	unbondingPrefix          = "cs/unbonding/"
	challengePrefix          = "cs/challenge/"
	consensusFrozenPrefix    = "cs/frozen/"
	consensusDigestPrefix    = "cs/digest/"
	latestHeightPrefix       = "sm/latest/"
	commitmentPrefix         = "sm/commitment/"
	commitmentUpdatePrefix   = "sm/updated/"
	stateMachineFrozenPrefix = "sm/frozen/"
	requestReceiptPrefix     = "receipt/request/"
	responseReceiptPrefix    = "receipt/response/"
)

var _ ismp.Store = (*LevelDBStore)(nil)

// LevelDBStore persists consensus states, state commitments and receipts in
// a goleveldb database.
type LevelDBStore struct {
	sync.Mutex
	db *leveldb.DB
}

// OpenLevelDB opens the database at path, retrying while another process
// releases its lock and recovering the manifest if it is corrupted.
func OpenLevelDB(ctx context.Context, log *zap.Logger, path string) (*LevelDBStore, error) {
	var db *leveldb.DB
	err := retry.Do(func() error {
		var err error
		db, err = leveldb.OpenFile(path, nil)
		if lderrors.IsCorrupted(err) {
			log.Warn("Recovering corrupted database", zap.String("path", path), zap.Error(err))
			db, err = leveldb.RecoverFile(path, nil)
		}
		return err
	},
		retry.Context(ctx),
		retry.Attempts(openAttempts),
		retry.Delay(openDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug("Retrying database open",
				zap.String("path", path),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

// NewMemStore returns a store backed by in-memory leveldb storage.
func NewMemStore() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func consensusKey(prefix string, id ismp.ConsensusStateID) []byte {
	return append([]byte(prefix), id[:]...)
}

// digestKey is the consensus key of id followed by a proof digest, one key
// per accepted proof.
func digestKey(id ismp.ConsensusStateID, digest common.Hash) []byte {
	return append(consensusKey(consensusDigestPrefix, id), digest.Bytes()...)
}

func appendStateMachineID(bz []byte, id ismp.StateMachineID) []byte {
	bz = append(bz, byte(id.StateID.Kind))
	bz = binary.BigEndian.AppendUint32(bz, id.StateID.ID)
	bz = append(bz, id.StateID.Tag[:]...)
	return append(bz, id.ConsensusStateID[:]...)
}

func stateMachineKey(prefix string, id ismp.StateMachineID) []byte {
	return appendStateMachineID([]byte(prefix), id)
}

func heightKey(prefix string, h ismp.StateMachineHeight) []byte {
	return binary.BigEndian.AppendUint64(stateMachineKey(prefix, h.ID), h.Height)
}

func receiptKey(prefix string, c common.Hash) []byte {
	return append([]byte(prefix), c[:]...)
}

func uint64Bytes(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func bytesUint64(bz []byte) (uint64, error) {
	if len(bz) != 8 {
		return 0, fmt.Errorf("invalid uint64 encoding of length %d", len(bz))
	}
	return binary.BigEndian.Uint64(bz), nil
}

func (s *LevelDBStore) get(key []byte, notFound error) ([]byte, error) {
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed getting data from db: %w", err)
	}
	return data, nil
}

func (s *LevelDBStore) getUint64(key []byte, notFound error) (uint64, error) {
	data, err := s.get(key, notFound)
	if err != nil {
		return 0, err
	}
	return bytesUint64(data)
}

func (s *LevelDBStore) has(key []byte) (bool, error) {
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("failed to get if storage has key: %w", err)
	}
	return ok, nil
}

func (s *LevelDBStore) ConsensusState(id ismp.ConsensusStateID) ([]byte, error) {
	return s.get(consensusKey(consensusStatePrefix, id), ismp.ErrConsensusStateNotFound)
}

func (s *LevelDBStore) ConsensusClientID(id ismp.ConsensusStateID) (ismp.ConsensusClientID, error) {
	var clientID ismp.ConsensusClientID
	data, err := s.get(consensusKey(consensusClientPrefix, id), ismp.ErrConsensusStateNotFound)
	if err != nil {
		return clientID, err
	}
	if len(data) != len(clientID) {
		return clientID, fmt.Errorf("invalid consensus client id of length %d", len(data))
	}
	copy(clientID[:], data)
	return clientID, nil
}

func (s *LevelDBStore) ConsensusUpdateTime(id ismp.ConsensusStateID) (time.Time, error) {
	nanos, err := s.getUint64(consensusKey(consensusUpdatePrefix, id), ismp.ErrConsensusStateNotFound)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(nanos)).UTC(), nil
}

func (s *LevelDBStore) UnbondingPeriod(id ismp.ConsensusStateID) (time.Duration, error) {
	nanos, err := s.getUint64(consensusKey(unbondingPrefix, id), ismp.ErrConsensusStateNotFound)
	return time.Duration(nanos), err
}

func (s *LevelDBStore) ChallengePeriod(id ismp.ConsensusStateID) (time.Duration, error) {
	nanos, err := s.getUint64(consensusKey(challengePrefix, id), ismp.ErrConsensusStateNotFound)
	return time.Duration(nanos), err
}

func (s *LevelDBStore) IsConsensusClientFrozen(id ismp.ConsensusStateID) (bool, error) {
	return s.has(consensusKey(consensusFrozenPrefix, id))
}

func (s *LevelDBStore) HasConsensusProofDigest(id ismp.ConsensusStateID, digest common.Hash) (bool, error) {
	return s.has(digestKey(id, digest))
}

func (s *LevelDBStore) LatestCommitmentHeight(id ismp.StateMachineID) (uint64, error) {
	return s.getUint64(stateMachineKey(latestHeightPrefix, id), ismp.ErrLatestHeightNotFound)
}

func (s *LevelDBStore) StateMachineCommitment(height ismp.StateMachineHeight) (ismp.StateCommitment, error) {
	var c ismp.StateCommitment
	data, err := s.get(heightKey(commitmentPrefix, height), ismp.ErrStateCommitmentNotFound)
	if err != nil {
		return c, fmt.Errorf("%s: %w", height, err)
	}
	if err := c.UnmarshalBinary(data); err != nil {
		return c, fmt.Errorf("failed to unmarshal state commitment %s: %w", height, err)
	}
	return c, nil
}

func (s *LevelDBStore) StateMachineUpdateTime(height ismp.StateMachineHeight) (time.Time, error) {
	nanos, err := s.getUint64(heightKey(commitmentUpdatePrefix, height), ismp.ErrStateMachineUpdateAbsent)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(nanos)).UTC(), nil
}

func (s *LevelDBStore) IsStateMachineFrozen(id ismp.StateMachineID) (bool, error) {
	return s.has(stateMachineKey(stateMachineFrozenPrefix, id))
}

func (s *LevelDBStore) RequestReceipt(c common.Hash) ([]byte, error) {
	return s.get(receiptKey(requestReceiptPrefix, c), ismp.ErrReceiptNotFound)
}

func (s *LevelDBStore) ResponseReceipt(c common.Hash) ([]byte, error) {
	return s.get(receiptKey(responseReceiptPrefix, c), ismp.ErrReceiptNotFound)
}

// StateMachineHeights lists the heights with a stored commitment for id in
// ascending order.
func (s *LevelDBStore) StateMachineHeights(id ismp.StateMachineID) ([]uint64, error) {
	prefix := stateMachineKey(commitmentPrefix, id)
	iterator := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iterator.Release()
	var heights []uint64
	for iterator.Next() {
		h, err := bytesUint64(iterator.Key()[len(prefix):])
		if err != nil {
			return nil, err
		}
		heights = append(heights, h)
	}
	return heights, iterator.Error()
}

// ConsensusStateIDs lists every created consensus state.
func (s *LevelDBStore) ConsensusStateIDs() ([]ismp.ConsensusStateID, error) {
	iterator := s.db.NewIterator(util.BytesPrefix([]byte(consensusClientPrefix)), nil)
	defer iterator.Release()
	var ids []ismp.ConsensusStateID
	for iterator.Next() {
		var id ismp.ConsensusStateID
		copy(id[:], iterator.Key()[len(consensusClientPrefix):])
		ids = append(ids, id)
	}
	return ids, iterator.Error()
}

func (s *LevelDBStore) NewBatch() ismp.Batch {
	return &batch{store: s, unique: make(map[string]error)}
}

type op struct {
	key, value []byte
}

// batch stages writes. Keys in unique must not exist when the batch commits.
type batch struct {
	store  *LevelDBStore
	ops    []op
	unique map[string]error
	err    error
}

func (b *batch) put(key, value []byte) {
	b.ops = append(b.ops, op{key: key, value: value})
}

func (b *batch) putUnique(key, value []byte, exists error) {
	if _, ok := b.unique[string(key)]; ok && b.err == nil {
		b.err = exists
	}
	b.unique[string(key)] = exists
	b.put(key, value)
}

func (b *batch) SetConsensusState(id ismp.ConsensusStateID, state []byte) {
	b.put(consensusKey(consensusStatePrefix, id), state)
}

func (b *batch) SetConsensusClientID(id ismp.ConsensusStateID, client ismp.ConsensusClientID) {
	b.put(consensusKey(consensusClientPrefix, id), client[:])
}

func (b *batch) SetConsensusUpdateTime(id ismp.ConsensusStateID, t time.Time) {
	b.put(consensusKey(consensusUpdatePrefix, id), uint64Bytes(uint64(t.UnixNano())))
}

func (b *batch) SetUnbondingPeriod(id ismp.ConsensusStateID, d time.Duration) {
	b.put(consensusKey(unbondingPrefix, id), uint64Bytes(uint64(d)))
}

func (b *batch) SetChallengePeriod(id ismp.ConsensusStateID, d time.Duration) {
	b.put(consensusKey(challengePrefix, id), uint64Bytes(uint64(d)))
}

func (b *batch) AddConsensusProofDigest(id ismp.ConsensusStateID, digest common.Hash) {
	b.put(digestKey(id, digest), []byte{1})
}

func (b *batch) FreezeConsensusClient(id ismp.ConsensusStateID) {
	b.put(consensusKey(consensusFrozenPrefix, id), []byte{1})
}

func (b *batch) StoreStateMachineCommitment(height ismp.StateMachineHeight, commitment ismp.StateCommitment) {
	data, err := commitment.MarshalBinary()
	if err != nil {
		if b.err == nil {
			b.err = fmt.Errorf("failed to marshal state commitment: %w", err)
		}
		return
	}
	b.putUnique(heightKey(commitmentPrefix, height), data,
		fmt.Errorf("%w: %s", ismp.ErrStateCommitmentExists, height))
}

func (b *batch) SetLatestCommitmentHeight(id ismp.StateMachineID, height uint64) {
	b.put(stateMachineKey(latestHeightPrefix, id), uint64Bytes(height))
}

func (b *batch) SetStateMachineUpdateTime(height ismp.StateMachineHeight, t time.Time) {
	b.put(heightKey(commitmentUpdatePrefix, height), uint64Bytes(uint64(t.UnixNano())))
}

func (b *batch) FreezeStateMachine(id ismp.StateMachineID) {
	b.put(stateMachineKey(stateMachineFrozenPrefix, id), []byte{1})
}

func (b *batch) StoreRequestReceipt(c common.Hash, relayer []byte) {
	b.putUnique(receiptKey(requestReceiptPrefix, c), relayer,
		fmt.Errorf("%w: %s", ismp.ErrDuplicateRequest, c))
}

func (b *batch) StoreResponseReceipt(c common.Hash, relayer []byte) {
	b.putUnique(receiptKey(responseReceiptPrefix, c), relayer,
		fmt.Errorf("%w: %s", ismp.ErrDuplicateResponse, c))
}

// Commit applies every staged write in one leveldb transaction, or none of
// them if a unique key already exists.
func (b *batch) Commit() error {
	if b.err != nil {
		return b.err
	}
	s := b.store
	s.Lock()
	defer s.Unlock()

	t, err := s.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("failed to open leveldb transaction: %w", err)
	}
	defer t.Discard()

	for key, exists := range b.unique {
		found, err := t.Has([]byte(key), nil)
		if err != nil {
			return fmt.Errorf("failed to get if storage has key: %w", err)
		}
		if found {
			return exists
		}
	}
	for _, o := range b.ops {
		if err := t.Put(o.key, o.value, nil); err != nil {
			return fmt.Errorf("failed to write key: %w", err)
		}
	}
	return t.Commit()
}
