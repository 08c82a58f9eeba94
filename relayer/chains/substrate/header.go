package substrate

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/blake2b"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
)

// DigestKind is the variant index of a digest item.
type DigestKind uint8

const (
	DigestOther                     DigestKind = 0
	DigestConsensus                 DigestKind = 4
	DigestSeal                      DigestKind = 5
	DigestPreRuntime                DigestKind = 6
	DigestRuntimeEnvironmentUpdated DigestKind = 8
)

// ConsensusEngineID tags the engine a digest item belongs to.
type ConsensusEngineID [4]byte

var (
	AuraEngineID    = ConsensusEngineID{'a', 'u', 'r', 'a'}
	BabeEngineID    = ConsensusEngineID{'B', 'A', 'B', 'E'}
	GrandpaEngineID = ConsensusEngineID{'F', 'R', 'N', 'K'}
	BeefyEngineID   = ConsensusEngineID{'B', 'E', 'E', 'F'}
	// IsmpEngineID carries the ISMP consensus digest.
	IsmpEngineID = ConsensusEngineID{'I', 'S', 'M', 'P'}
	// IsmpTimestampEngineID carries the block timestamp in milliseconds on
	// chains without a slot based engine.
	IsmpTimestampEngineID = ConsensusEngineID{'I', 'S', 'T', 'M'}
)

type DigestItem struct {
	Kind   DigestKind
	Engine ConsensusEngineID
	Data   []byte
}

func (d DigestItem) EncodeSCALE(w *scale.Writer) {
	w.U8(uint8(d.Kind))
	switch d.Kind {
	case DigestOther:
		w.VecU8(d.Data)
	case DigestConsensus, DigestSeal, DigestPreRuntime:
		w.Raw(d.Engine[:])
		w.VecU8(d.Data)
	}
}

func (d *DigestItem) DecodeSCALE(r *scale.Reader) error {
	kind, err := r.U8()
	if err != nil {
		return err
	}
	d.Kind = DigestKind(kind)
	switch d.Kind {
	case DigestOther:
		d.Data, err = r.VecU8()
		return err
	case DigestConsensus, DigestSeal, DigestPreRuntime:
		engine, err := r.Fixed(4)
		if err != nil {
			return err
		}
		copy(d.Engine[:], engine)
		d.Data, err = r.VecU8()
		return err
	case DigestRuntimeEnvironmentUpdated:
		return nil
	}
	return fmt.Errorf("unknown digest item %d", kind)
}

// Header is a Substrate block header with a u32 block number.
type Header struct {
	ParentHash     common.Hash
	Number         uint32
	StateRoot      common.Hash
	ExtrinsicsRoot common.Hash
	Digest         []DigestItem
}

func (h *Header) EncodeSCALE(w *scale.Writer) {
	w.Hash(h.ParentHash)
	w.Compact(uint64(h.Number))
	w.Hash(h.StateRoot)
	w.Hash(h.ExtrinsicsRoot)
	scale.EncodeVec(w, h.Digest, func(w *scale.Writer, d DigestItem) { d.EncodeSCALE(w) })
}

func (h *Header) DecodeSCALE(r *scale.Reader) error {
	var err error
	if h.ParentHash, err = r.Hash(); err != nil {
		return err
	}
	number, err := r.Compact()
	if err != nil {
		return err
	}
	if number > uint64(^uint32(0)) {
		return fmt.Errorf("block number %d overflows u32", number)
	}
	h.Number = uint32(number)
	if h.StateRoot, err = r.Hash(); err != nil {
		return err
	}
	if h.ExtrinsicsRoot, err = r.Hash(); err != nil {
		return err
	}
	h.Digest, err = scale.DecodeVec(r, 1, func(r *scale.Reader) (DigestItem, error) {
		var d DigestItem
		err := d.DecodeSCALE(r)
		return d, err
	})
	return err
}

func DecodeHeader(bz []byte) (*Header, error) {
	var h Header
	if err := scale.Unmarshal(bz, &h); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	return &h, nil
}

// Hash is the blake2-256 hash of the encoded header.
func (h *Header) Hash() (common.Hash, error) {
	enc, err := scale.Marshal(h)
	if err != nil {
		return common.Hash{}, err
	}
	return blake2b.Sum256(enc), nil
}

// DigestItems returns the items of kind kind produced by engine.
func (h *Header) DigestItems(kind DigestKind, engine ConsensusEngineID) []DigestItem {
	var out []DigestItem
	for _, d := range h.Digest {
		if d.Kind == kind && d.Engine == engine {
			out = append(out, d)
		}
	}
	return out
}

// minHeaderSize bounds Vec<Header> lengths: three hashes, a compact number
// and an empty digest.
const minHeaderSize = 3*common.HashLength + 2

// DecodeHeaders decodes a Vec<Header>.
func DecodeHeaders(r *scale.Reader) ([]Header, error) {
	return scale.DecodeVec(r, minHeaderSize, func(r *scale.Reader) (Header, error) {
		var h Header
		err := h.DecodeSCALE(r)
		return h, err
	})
}

// EncodeHeaders encodes a Vec<Header>.
func EncodeHeaders(w *scale.Writer, headers []Header) {
	scale.EncodeVec(w, headers, func(w *scale.Writer, h Header) { h.EncodeSCALE(w) })
}

// DecodeHeadData decodes a Paras::Heads value: the encoded parachain header
// wrapped in a byte vector.
func DecodeHeadData(value []byte) (*Header, error) {
	r := scale.NewReader(value)
	inner, err := r.VecU8()
	if err != nil {
		return nil, fmt.Errorf("failed to decode head data: %w", err)
	}
	if err := r.Done(); err != nil {
		return nil, fmt.Errorf("failed to decode head data: %w", err)
	}
	return DecodeHeader(inner)
}
