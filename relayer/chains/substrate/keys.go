package substrate

import (
	"encoding/binary"
	"fmt"

	"github.com/OneOfOne/xxhash"
	"golang.org/x/crypto/blake2b"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

const (
	prefixParas = "Paras"
	methodHeads = "Heads"
	prefixIsmp  = "Ismp"

	requestCommitmentsPrefix  = "RequestCommitments"
	responseCommitmentsPrefix = "ResponseCommitments"
)

// Twox64 is the 64 bit xxhash storage hasher.
func Twox64(data []byte) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, xxhash.Checksum64S(data, 0))
	return out
}

// Twox128 is the 128 bit xxhash storage hasher used for pallet and item prefixes.
func Twox128(data []byte) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out, xxhash.Checksum64S(data, 0))
	binary.LittleEndian.PutUint64(out[8:], xxhash.Checksum64S(data, 1))
	return out
}

func Blake2_128Concat(data []byte) []byte {
	h, _ := blake2b.New(16, nil)
	h.Write(data)
	return append(h.Sum(nil), data...)
}

// StorageKeyPrefix is twox128(pallet) ‖ twox128(item).
func StorageKeyPrefix(pallet, item string) []byte {
	return append(Twox128([]byte(pallet)), Twox128([]byte(item))...)
}

// ParasHeadsKey is the relay chain storage key of Paras::Heads(paraID).
func ParasHeadsKey(paraID uint32) []byte {
	id := make([]byte, 4)
	binary.LittleEndian.PutUint32(id, paraID)
	key := StorageKeyPrefix(prefixParas, methodHeads)
	key = append(key, Twox64(id)...)
	return append(key, id...)
}

// CommitmentKey is the child trie key of a request or response commitment.
func CommitmentKey(kind ismp.CommitmentKind, commitment []byte) []byte {
	prefix := requestCommitmentsPrefix
	if kind == ismp.ResponseCommitment {
		prefix = responseCommitmentsPrefix
	}
	return append([]byte(prefix), commitment...)
}

// StateCommitmentKey is the main trie key of a commitment stored as a
// Blake2_128Concat map in the ISMP pallet.
func StateCommitmentKey(kind ismp.CommitmentKind, commitment []byte) []byte {
	item := requestCommitmentsPrefix
	if kind == ismp.ResponseCommitment {
		item = responseCommitmentsPrefix
	}
	return append(StorageKeyPrefix(prefixIsmp, item), Blake2_128Concat(commitment)...)
}

// EncodeStateMachine writes the enum layout of a state machine identifier.
func EncodeStateMachine(w *scale.Writer, sm ismp.StateMachine) {
	w.U8(uint8(sm.Kind))
	switch sm.Kind {
	case ismp.StateMachineSubstrate, ismp.StateMachineTendermint:
		w.Raw(sm.Tag[:])
	default:
		w.U32(sm.ID)
	}
}

func DecodeStateMachine(r *scale.Reader) (ismp.StateMachine, error) {
	kind, err := r.U8()
	if err != nil {
		return ismp.StateMachine{}, err
	}
	sm := ismp.StateMachine{Kind: ismp.StateMachineKind(kind)}
	switch sm.Kind {
	case ismp.StateMachineSubstrate, ismp.StateMachineTendermint:
		tag, err := r.Fixed(4)
		if err != nil {
			return sm, err
		}
		copy(sm.Tag[:], tag)
	case ismp.StateMachineEvm, ismp.StateMachinePolkadot, ismp.StateMachineKusama:
		if sm.ID, err = r.U32(); err != nil {
			return sm, err
		}
	default:
		return sm, fmt.Errorf("unknown state machine kind %d", kind)
	}
	return sm, nil
}
