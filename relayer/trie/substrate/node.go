package substrate

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/codecs/scale"
)

var ErrInvalidNode = errors.New("invalid trie node")

type nodeKind uint8

const (
	nodeEmpty nodeKind = iota
	nodeLeaf
	nodeBranch
)

// Header prefixes of the trie node codec. The number after the prefix is
// the count of bits the prefix occupies in the header byte.
const (
	leafPrefix              = 0b0100_0000
	branchNoValuePrefix     = 0b1000_0000
	branchWithValuePrefix   = 0b1100_0000
	hashedLeafPrefix        = 0b0010_0000
	hashedBranchValuePrefix = 0b0001_0000
	emptyTrie               = 0b0000_0000
	escapeCompactHeader     = 0b0000_0001

	nibblesPerByte  = 2
	childrenPerNode = 16
)

type valueKind uint8

const (
	valueNone valueKind = iota
	valueInline
	valueHashed
)

type nodeValue struct {
	kind valueKind
	data []byte
	hash common.Hash
}

// childRef points at a child either by hash or by inline encoding.
type childRef struct {
	present bool
	hashed  bool
	hash    common.Hash
	inline  []byte
}

type node struct {
	kind     nodeKind
	partial  []byte // nibbles
	value    nodeValue
	children [childrenPerNode]childRef
}

// decodeSize reads the nibble count that starts in the low bits of first.
func decodeSize(first byte, r *scale.Reader, prefixBits uint) (int, error) {
	maxValue := int(byte(255) >> prefixBits)
	result := int(first) & maxValue
	if result < maxValue {
		return result, nil
	}
	result--
	for {
		n, err := r.U8()
		if err != nil {
			return 0, err
		}
		if n < 255 {
			return result + int(n) + 1, nil
		}
		result += 255
	}
}

// encodeSize is the inverse of decodeSize.
func encodeSize(prefix byte, size int, prefixBits uint) []byte {
	maxValue := int(byte(255) >> prefixBits)
	l1 := maxValue - 1
	if size < l1 {
		l1 = size
	}
	if size == l1 {
		return []byte{prefix | byte(l1)}
	}
	out := []byte{prefix | byte(maxValue)}
	rem := size - l1
	for rem > 0 {
		if rem < 256 {
			out = append(out, byte(rem-1))
			break
		}
		rem -= 255
		out = append(out, 255)
	}
	return out
}

func decodePartial(r *scale.Reader, count int) ([]byte, error) {
	packed, err := r.Fixed((count + 1) / nibblesPerByte)
	if err != nil {
		return nil, err
	}
	nibbles := make([]byte, 0, count)
	if count%2 == 1 {
		if packed[0]&0xf0 != 0 {
			return nil, fmt.Errorf("%w: bad partial key padding", ErrInvalidNode)
		}
		nibbles = append(nibbles, packed[0]&0x0f)
		packed = packed[1:]
	}
	for _, b := range packed {
		nibbles = append(nibbles, b>>4, b&0x0f)
	}
	return nibbles, nil
}

func encodePartial(nibbles []byte) []byte {
	out := make([]byte, 0, (len(nibbles)+1)/nibblesPerByte)
	if len(nibbles)%2 == 1 {
		out = append(out, nibbles[0])
		nibbles = nibbles[1:]
	}
	for i := 0; i < len(nibbles); i += 2 {
		out = append(out, nibbles[i]<<4|nibbles[i+1])
	}
	return out
}

func decodeNode(enc []byte) (*node, error) {
	r := scale.NewReader(enc)
	header, err := r.U8()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNode, err)
	}

	n := &node{}
	var (
		count       int
		hasValue    bool
		hashedValue bool
	)
	switch {
	case header == emptyTrie:
		if r.Len() != 0 {
			return nil, fmt.Errorf("%w: data after empty node", ErrInvalidNode)
		}
		n.kind = nodeEmpty
		return n, nil
	case header == escapeCompactHeader:
		return nil, fmt.Errorf("%w: compact proof encoding is not supported", ErrInvalidNode)
	case header&0b1100_0000 == leafPrefix:
		n.kind, hasValue = nodeLeaf, true
		count, err = decodeSize(header, r, 2)
	case header&0b1100_0000 == branchNoValuePrefix:
		n.kind = nodeBranch
		count, err = decodeSize(header, r, 2)
	case header&0b1100_0000 == branchWithValuePrefix:
		n.kind, hasValue = nodeBranch, true
		count, err = decodeSize(header, r, 2)
	case header&0b1110_0000 == hashedLeafPrefix:
		n.kind, hasValue, hashedValue = nodeLeaf, true, true
		count, err = decodeSize(header, r, 3)
	case header&0b1111_0000 == hashedBranchValuePrefix:
		n.kind, hasValue, hashedValue = nodeBranch, true, true
		count, err = decodeSize(header, r, 4)
	default:
		return nil, fmt.Errorf("%w: unknown header %#x", ErrInvalidNode, header)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNode, err)
	}
	if n.partial, err = decodePartial(r, count); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNode, err)
	}

	var bitmap uint16
	if n.kind == nodeBranch {
		bz, err := r.Fixed(2)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidNode, err)
		}
		bitmap = binary.LittleEndian.Uint16(bz)
		if bitmap == 0 {
			return nil, fmt.Errorf("%w: branch without children", ErrInvalidNode)
		}
	}

	if hasValue {
		if hashedValue {
			h, err := r.Hash()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidNode, err)
			}
			n.value = nodeValue{kind: valueHashed, hash: h}
		} else {
			data, err := r.VecU8()
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidNode, err)
			}
			n.value = nodeValue{kind: valueInline, data: data}
		}
	}

	for i := 0; i < childrenPerNode && n.kind == nodeBranch; i++ {
		if bitmap&(1<<i) == 0 {
			continue
		}
		data, err := r.VecU8()
		if err != nil {
			return nil, fmt.Errorf("%w: child %d: %v", ErrInvalidNode, i, err)
		}
		switch {
		case len(data) == common.HashLength:
			n.children[i] = childRef{present: true, hashed: true, hash: common.BytesToHash(data)}
		case len(data) < common.HashLength:
			n.children[i] = childRef{present: true, inline: data}
		default:
			return nil, fmt.Errorf("%w: child %d reference of length %d", ErrInvalidNode, i, len(data))
		}
	}
	if err := r.Done(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNode, err)
	}
	return n, nil
}

// encodeNode produces the canonical encoding of n.
func encodeNode(n *node) ([]byte, error) {
	var header []byte
	switch n.kind {
	case nodeEmpty:
		return []byte{emptyTrie}, nil
	case nodeLeaf:
		if n.value.kind == valueHashed {
			header = encodeSize(hashedLeafPrefix, len(n.partial), 3)
		} else {
			header = encodeSize(leafPrefix, len(n.partial), 2)
		}
	case nodeBranch:
		switch n.value.kind {
		case valueNone:
			header = encodeSize(branchNoValuePrefix, len(n.partial), 2)
		case valueInline:
			header = encodeSize(branchWithValuePrefix, len(n.partial), 2)
		case valueHashed:
			header = encodeSize(hashedBranchValuePrefix, len(n.partial), 4)
		}
	}

	w := scale.NewWriter()
	w.Raw(header)
	w.Raw(encodePartial(n.partial))
	if n.kind == nodeBranch {
		var bitmap uint16
		for i, c := range n.children {
			if c.present {
				bitmap |= 1 << i
			}
		}
		w.U16(bitmap)
	}
	switch n.value.kind {
	case valueInline:
		w.VecU8(n.value.data)
	case valueHashed:
		w.Hash(n.value.hash)
	}
	if n.kind == nodeBranch {
		for _, c := range n.children {
			if !c.present {
				continue
			}
			if c.hashed {
				w.VecU8(c.hash[:])
			} else {
				w.VecU8(c.inline)
			}
		}
	}
	return w.Bytes()
}
