// Package mpt verifies Ethereum Merkle-Patricia account and storage proofs
// as returned by eth_getProof.
package mpt

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"
)

var (
	ErrAccountNotFound = errors.New("account not found in state proof")
	ErrExtraneousNode  = errors.New("proof contains nodes not needed for the requested keys")
	ErrDuplicateKey    = errors.New("duplicate key requested")
	// ErrContractSetMismatch is returned when the storage proofs of a state
	// proof do not cover exactly the requested contracts.
	ErrContractSetMismatch = errors.New("storage proofs do not match requested contracts")
)

// SlotLayout selects how a mapping key is turned into a storage trie key.
type SlotLayout uint8

const (
	// SlotLayoutDoubleHashed is keccak(keccak(key ‖ slot)): the mapping slot
	// hashed again by the secure storage trie.
	SlotLayoutDoubleHashed SlotLayout = iota
	// SlotLayoutHashed is keccak(key ‖ slot) used directly as the trie key.
	SlotLayoutHashed
)

func ParseSlotLayout(s string) (SlotLayout, error) {
	switch strings.ToLower(s) {
	case "", "double-hashed":
		return SlotLayoutDoubleHashed, nil
	case "hashed":
		return SlotLayoutHashed, nil
	}
	return 0, fmt.Errorf("unknown slot layout %q", s)
}

func (l SlotLayout) String() string {
	if l == SlotLayoutHashed {
		return "hashed"
	}
	return "double-hashed"
}

// MappingSlot is the storage slot of key in a solidity mapping declared at slot.
func MappingSlot(key []byte, slot uint64) common.Hash {
	return crypto.Keccak256Hash(
		common.LeftPadBytes(key, common.HashLength),
		common.LeftPadBytes(new(big.Int).SetUint64(slot).Bytes(), common.HashLength),
	)
}

// TrieKey is the storage trie key of a raw 32 byte storage slot.
func (l SlotLayout) TrieKey(storageSlot common.Hash) []byte {
	if l == SlotLayoutHashed {
		return storageSlot.Bytes()
	}
	return crypto.Keccak256(storageSlot.Bytes())
}

// MappingTrieKey is the storage trie key of key in a mapping at slot.
func (l SlotLayout) MappingTrieKey(key []byte, slot uint64) []byte {
	return l.TrieKey(MappingSlot(key, slot))
}

// Account is the RLP layout of an account leaf.
type Account struct {
	Nonce    uint64
	Balance  *big.Int
	Root     common.Hash
	CodeHash []byte
}

// proofDB serves proof nodes to trie.VerifyProof and records the reads.
type proofDB struct {
	nodes map[string][]byte
	used  map[string]struct{}
}

var _ ethdb.KeyValueReader = (*proofDB)(nil)

func newProofDB(nodes [][]byte) *proofDB {
	db := &proofDB{
		nodes: make(map[string][]byte, len(nodes)),
		used:  make(map[string]struct{}, len(nodes)),
	}
	for _, n := range nodes {
		db.nodes[string(crypto.Keccak256(n))] = n
	}
	return db
}

func (db *proofDB) Has(key []byte) (bool, error) {
	_, ok := db.nodes[string(key)]
	return ok, nil
}

func (db *proofDB) Get(key []byte) ([]byte, error) {
	n, ok := db.nodes[string(key)]
	if !ok {
		return nil, fmt.Errorf("proof node %x missing", key)
	}
	db.used[string(key)] = struct{}{}
	return n, nil
}

func (db *proofDB) checkAllUsed() error {
	if len(db.used) != len(db.nodes) {
		return fmt.Errorf("%w: %d of %d nodes used", ErrExtraneousNode, len(db.used), len(db.nodes))
	}
	return nil
}

// VerifyAccount proves the account at address under stateRoot.
func VerifyAccount(stateRoot common.Hash, address common.Address, proof [][]byte) (*Account, error) {
	db := newProofDB(proof)
	acc, err := readAccount(stateRoot, address, db)
	if err != nil {
		return nil, err
	}
	if err := db.checkAllUsed(); err != nil {
		return nil, err
	}
	return acc, nil
}

func readAccount(stateRoot common.Hash, address common.Address, db *proofDB) (*Account, error) {
	enc, err := trie.VerifyProof(stateRoot, crypto.Keccak256(address.Bytes()), db)
	if err != nil {
		return nil, fmt.Errorf("invalid account proof for %s: %w", address, err)
	}
	if len(enc) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	var acc Account
	if err := rlp.DecodeBytes(enc, &acc); err != nil {
		return nil, fmt.Errorf("failed to decode account %s: %w", address, err)
	}
	return &acc, nil
}

// VerifyStorage reads trie keys from the storage trie rooted at
// storageRoot. Absent keys map to nil, present values are returned with
// their RLP string encoding removed.
func VerifyStorage(storageRoot common.Hash, keys [][]byte, proof [][]byte) (map[string][]byte, error) {
	db := newProofDB(proof)
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if _, ok := out[string(key)]; ok {
			return nil, fmt.Errorf("%w: %x", ErrDuplicateKey, key)
		}
		enc, err := trie.VerifyProof(storageRoot, key, db)
		if err != nil {
			return nil, fmt.Errorf("invalid storage proof for key %x: %w", key, err)
		}
		if len(enc) == 0 {
			out[string(key)] = nil
			continue
		}
		_, content, _, err := rlp.Split(enc)
		if err != nil {
			return nil, fmt.Errorf("failed to decode storage value for key %x: %w", key, err)
		}
		out[string(key)] = content
	}
	if err := db.checkAllUsed(); err != nil {
		return nil, err
	}
	return out, nil
}

// StorageProof is the storage trie proof of one contract.
type StorageProof struct {
	Address common.Address
	Nodes   [][]byte
}

// StateProof is the RLP encoded proof an EVM state machine client verifies:
// account proofs for each contract plus their storage proofs.
type StateProof struct {
	AccountProof  [][]byte
	StorageProofs []StorageProof
}

func DecodeStateProof(bz []byte) (*StateProof, error) {
	var p StateProof
	if err := rlp.DecodeBytes(bz, &p); err != nil {
		return nil, fmt.Errorf("failed to decode state proof: %w", err)
	}
	return &p, nil
}

func (p *StateProof) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

// VerifyContractStorage reads keys from the storage of the one contract the
// proof covers.
func (p *StateProof) VerifyContractStorage(stateRoot common.Hash, address common.Address, keys [][]byte) (map[string][]byte, error) {
	values, err := p.VerifyContracts(stateRoot, map[common.Address][][]byte{address: keys})
	if err != nil {
		return nil, err
	}
	return values[address], nil
}

// VerifyContracts proves the account of every contract in keys with the
// shared account proof and reads its keys from its storage proof. The
// proof must hold one storage proof per requested contract and no account
// proof nodes beyond those the contracts need.
func (p *StateProof) VerifyContracts(stateRoot common.Hash, keys map[common.Address][][]byte) (map[common.Address]map[string][]byte, error) {
	storage := make(map[common.Address][][]byte, len(p.StorageProofs))
	for _, sp := range p.StorageProofs {
		if _, ok := storage[sp.Address]; ok {
			return nil, fmt.Errorf("%w: duplicate storage proof for %s", ErrContractSetMismatch, sp.Address)
		}
		if _, ok := keys[sp.Address]; !ok {
			return nil, fmt.Errorf("%w: storage proof for unrequested contract %s", ErrContractSetMismatch, sp.Address)
		}
		storage[sp.Address] = sp.Nodes
	}

	accounts := newProofDB(p.AccountProof)
	out := make(map[common.Address]map[string][]byte, len(keys))
	for address, contractKeys := range keys {
		nodes, ok := storage[address]
		if !ok {
			return nil, fmt.Errorf("%w: no storage proof for %s", ErrContractSetMismatch, address)
		}
		acc, err := readAccount(stateRoot, address, accounts)
		if err != nil {
			return nil, err
		}
		if out[address], err = VerifyStorage(acc.Root, contractKeys, nodes); err != nil {
			return nil, fmt.Errorf("contract %s: %w", address, err)
		}
	}
	if err := accounts.checkAllUsed(); err != nil {
		return nil, fmt.Errorf("account proof: %w", err)
	}
	return out, nil
}
