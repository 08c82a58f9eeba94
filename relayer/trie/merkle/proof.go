// Package merkle verifies chained ICS23 commitment proofs as produced by
// Cosmos SDK chains: an IAVL proof of the item inside its store, followed by
// a simple merkle proof of the store root inside the app hash.
package merkle

import (
	"bytes"
	"errors"
	"fmt"

	ics23 "github.com/cosmos/ics23/go"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	ErrInvalidMerkleProof = errors.New("invalid merkle proof")
	ErrProofCount         = errors.New("proof count does not match the key set")
	ErrKeyMismatch        = errors.New("proof key does not match the requested key")
)

// SDKSpecs are the proof specs of an SDK multistore, item level first.
var SDKSpecs = []*ics23.ProofSpec{ics23.IavlSpec, ics23.TendermintSpec}

// Path is a key path from the outermost store down to the item.
type Path [][]byte

// MerkleProof is wire compatible with ibc.core.commitment.v1.MerkleProof.
type MerkleProof struct {
	Proofs []*ics23.CommitmentProof
}

const proofsField protowire.Number = 1

func DecodeMerkleProof(bz []byte) (*MerkleProof, error) {
	var p MerkleProof
	for len(bz) > 0 {
		num, typ, n := protowire.ConsumeTag(bz)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMerkleProof, protowire.ParseError(n))
		}
		bz = bz[n:]
		if num != proofsField || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, bz)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMerkleProof, protowire.ParseError(n))
			}
			bz = bz[n:]
			continue
		}
		raw, n := protowire.ConsumeBytes(bz)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMerkleProof, protowire.ParseError(n))
		}
		bz = bz[n:]
		cp := &ics23.CommitmentProof{}
		if err := cp.Unmarshal(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMerkleProof, err)
		}
		p.Proofs = append(p.Proofs, cp)
	}
	return &p, nil
}

func (p *MerkleProof) Encode() ([]byte, error) {
	var out []byte
	for _, cp := range p.Proofs {
		raw, err := cp.Marshal()
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, proofsField, protowire.BytesType)
		out = protowire.AppendBytes(out, raw)
	}
	return out, nil
}

func (p *MerkleProof) checkShape(specs []*ics23.ProofSpec, path Path) error {
	if len(p.Proofs) == 0 {
		return fmt.Errorf("%w: empty proof", ErrInvalidMerkleProof)
	}
	if len(p.Proofs) != len(specs) || len(path) != len(specs) {
		return fmt.Errorf("%w: %d proofs, %d specs, %d path elements",
			ErrInvalidMerkleProof, len(p.Proofs), len(specs), len(path))
	}
	for i, cp := range p.Proofs {
		if cp == nil {
			return fmt.Errorf("%w: proof %d is empty", ErrInvalidMerkleProof, i)
		}
	}
	return nil
}

// verifyChained walks proofs from the innermost level outwards, feeding each
// calculated root as the value proven at the next level.
func verifyChained(proofs []*ics23.CommitmentProof, specs []*ics23.ProofSpec, root []byte, path Path, value []byte) error {
	for i, cp := range proofs {
		ex := cp.GetExist()
		if ex == nil {
			return fmt.Errorf("%w: level %d is not an existence proof", ErrInvalidMerkleProof, i)
		}
		subroot, err := ex.Calculate()
		if err != nil {
			return fmt.Errorf("%w: level %d: %v", ErrInvalidMerkleProof, i, err)
		}
		key := path[len(path)-1-i]
		if err := ex.Verify(specs[i], subroot, key, value); err != nil {
			return fmt.Errorf("%w: level %d key %q: %v", ErrInvalidMerkleProof, i, key, err)
		}
		value = subroot
	}
	if !bytes.Equal(root, value) {
		return fmt.Errorf("%w: calculated root %X does not match %X", ErrInvalidMerkleProof, value, root)
	}
	return nil
}

// VerifyMembership proves value is stored at path under root.
func (p *MerkleProof) VerifyMembership(specs []*ics23.ProofSpec, root []byte, path Path, value []byte) error {
	if err := p.checkShape(specs, path); err != nil {
		return err
	}
	if len(value) == 0 {
		return fmt.Errorf("%w: empty value", ErrInvalidMerkleProof)
	}
	return verifyChained(p.Proofs, specs, root, path, value)
}

// VerifyNonMembership proves nothing is stored at path under root. Only the
// item level holds a non-existence proof; the store itself must exist.
func (p *MerkleProof) VerifyNonMembership(specs []*ics23.ProofSpec, root []byte, path Path) error {
	if err := p.checkShape(specs, path); err != nil {
		return err
	}
	nonexist := p.Proofs[0].GetNonexist()
	if nonexist == nil {
		return fmt.Errorf("%w: item level is not a non-existence proof", ErrInvalidMerkleProof)
	}
	subroot, err := nonexist.Calculate()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMerkleProof, err)
	}
	key := path[len(path)-1]
	if err := nonexist.Verify(specs[0], subroot, key); err != nil {
		return fmt.Errorf("%w: key %q: %v", ErrInvalidMerkleProof, key, err)
	}
	return verifyChained(p.Proofs[1:], specs[1:], root, path[:len(path)-1], subroot)
}

// Value returns the value the item level proof commits to, or nil for a
// non-existence proof.
func (p *MerkleProof) Value() []byte {
	if len(p.Proofs) == 0 {
		return nil
	}
	if ex := p.Proofs[0].GetExist(); ex != nil {
		return ex.Value
	}
	return nil
}

// StateProof bundles one MerkleProof per key, in the order the keys were
// requested. It is encoded as a repeated bytes field 1.
type StateProof struct {
	Proofs []*MerkleProof
}

func DecodeStateProof(bz []byte) (*StateProof, error) {
	var sp StateProof
	for len(bz) > 0 {
		num, typ, n := protowire.ConsumeTag(bz)
		if n < 0 || num != proofsField || typ != protowire.BytesType {
			return nil, fmt.Errorf("%w: malformed state proof", ErrInvalidMerkleProof)
		}
		bz = bz[n:]
		raw, n := protowire.ConsumeBytes(bz)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMerkleProof, protowire.ParseError(n))
		}
		bz = bz[n:]
		mp, err := DecodeMerkleProof(raw)
		if err != nil {
			return nil, err
		}
		sp.Proofs = append(sp.Proofs, mp)
	}
	return &sp, nil
}

func (sp *StateProof) Encode() ([]byte, error) {
	var out []byte
	for _, mp := range sp.Proofs {
		raw, err := mp.Encode()
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, proofsField, protowire.BytesType)
		out = protowire.AppendBytes(out, raw)
	}
	return out, nil
}

// VerifyKeys reads keys from storeKey under root. Each key must be covered
// by exactly one proof; keys proven absent map to nil.
func (sp *StateProof) VerifyKeys(specs []*ics23.ProofSpec, root []byte, storeKey []byte, keys [][]byte) (map[string][]byte, error) {
	if len(sp.Proofs) != len(keys) {
		return nil, fmt.Errorf("%w: %d proofs for %d keys", ErrProofCount, len(sp.Proofs), len(keys))
	}
	out := make(map[string][]byte, len(keys))
	for i, key := range keys {
		if _, ok := out[string(key)]; ok {
			return nil, fmt.Errorf("%w: duplicate key %x", ErrKeyMismatch, key)
		}
		mp := sp.Proofs[i]
		path := Path{storeKey, key}
		if len(mp.Proofs) > 0 && mp.Proofs[0].GetExist() != nil {
			if !bytes.Equal(mp.Proofs[0].GetExist().Key, key) {
				return nil, fmt.Errorf("%w: %x", ErrKeyMismatch, key)
			}
			value := mp.Value()
			if err := mp.VerifyMembership(specs, root, path, value); err != nil {
				return nil, err
			}
			out[string(key)] = value
			continue
		}
		if err := mp.VerifyNonMembership(specs, root, path); err != nil {
			return nil, err
		}
		out[string(key)] = nil
	}
	return out, nil
}
