package substrate

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

var ErrTimestampNotFound = errors.New("header has no timestamp digest")

// IsmpDigest is the digest the ISMP pallet deposits in every block.
type IsmpDigest struct {
	MmrRoot       common.Hash
	ChildTrieRoot common.Hash
}

func (d IsmpDigest) EncodeSCALE(w *scale.Writer) {
	w.Hash(d.MmrRoot)
	w.Hash(d.ChildTrieRoot)
}

func (d *IsmpDigest) DecodeSCALE(r *scale.Reader) error {
	var err error
	if d.MmrRoot, err = r.Hash(); err != nil {
		return err
	}
	d.ChildTrieRoot, err = r.Hash()
	return err
}

// IsmpDigest returns the ISMP consensus digest of h, if present.
func (h *Header) IsmpDigest() (*IsmpDigest, error) {
	items := h.DigestItems(DigestConsensus, IsmpEngineID)
	if len(items) == 0 {
		return nil, nil
	}
	var d IsmpDigest
	if err := scale.Unmarshal(items[0].Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode ismp digest: %w", err)
	}
	return &d, nil
}

// Slot reads the aura or babe slot from the pre-runtime digest.
func (h *Header) Slot() (uint64, bool) {
	for _, d := range h.Digest {
		if d.Kind != DigestPreRuntime {
			continue
		}
		switch d.Engine {
		case AuraEngineID:
			if len(d.Data) == 8 {
				return binary.LittleEndian.Uint64(d.Data), true
			}
		case BabeEngineID:
			// variant index, authority index, slot
			if len(d.Data) >= 13 {
				return binary.LittleEndian.Uint64(d.Data[5:13]), true
			}
		}
	}
	return 0, false
}

// Timestamp returns the block time in unix seconds. An explicit timestamp
// digest wins over the slot; slotDuration is in milliseconds.
func (h *Header) Timestamp(slotDuration uint64) (uint64, error) {
	for _, d := range h.DigestItems(DigestConsensus, IsmpTimestampEngineID) {
		if len(d.Data) == 8 {
			return binary.LittleEndian.Uint64(d.Data) / 1000, nil
		}
	}
	if slot, ok := h.Slot(); ok && slotDuration > 0 {
		return slot * slotDuration / 1000, nil
	}
	return 0, fmt.Errorf("%w: block %d", ErrTimestampNotFound, h.Number)
}

// Commitment is the state commitment a finalized header attests to.
func (h *Header) Commitment(slotDuration uint64) (ismp.StateCommitment, error) {
	ts, err := h.Timestamp(slotDuration)
	if err != nil {
		return ismp.StateCommitment{}, err
	}
	c := ismp.StateCommitment{Timestamp: ts, StateRoot: h.StateRoot}
	digest, err := h.IsmpDigest()
	if err != nil {
		return ismp.StateCommitment{}, err
	}
	if digest != nil {
		root := digest.ChildTrieRoot
		c.OverlayRoot = &root
	}
	return c, nil
}
