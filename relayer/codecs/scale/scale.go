// Package scale wraps the go-substrate-rpc-client SCALE codec with the
// primitives used by the Substrate-family proof witnesses: compact integers,
// length-prefixed byte vectors, fixed-size hashes and options.
package scale

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrTrailingBytes   = errors.New("trailing bytes after SCALE value")
	ErrLengthOverflow  = errors.New("SCALE length prefix exceeds remaining input")
	ErrCompactOverflow = errors.New("SCALE compact integer does not fit into 64 bits")
	ErrInvalidOption   = errors.New("invalid SCALE option tag")
)

// Encodable is implemented by witness types with a hand written SCALE layout.
type Encodable interface {
	EncodeSCALE(w *Writer)
}

// Decodable is the decoding counterpart of Encodable.
type Decodable interface {
	DecodeSCALE(r *Reader) error
}

// Marshal encodes v into a fresh buffer.
func Marshal(v Encodable) ([]byte, error) {
	w := NewWriter()
	v.EncodeSCALE(w)
	return w.Bytes()
}

// Unmarshal decodes bz into v and rejects any trailing input.
func Unmarshal(bz []byte, v Decodable) error {
	r := NewReader(bz)
	if err := v.DecodeSCALE(r); err != nil {
		return err
	}
	return r.Done()
}

// Writer accumulates SCALE output. The first error is sticky and is
// reported by Bytes.
type Writer struct {
	buf bytes.Buffer
	enc *gsrpc.Encoder
	err error
}

func NewWriter() *Writer {
	w := &Writer{}
	w.enc = gsrpc.NewEncoder(&w.buf)
	return w
}

func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

func (w *Writer) encode(v interface{}) {
	if w.err != nil {
		return
	}
	w.err = w.enc.Encode(v)
}

func (w *Writer) Raw(bz []byte) {
	if w.err != nil {
		return
	}
	w.err = w.enc.Write(bz)
}

func (w *Writer) U8(v uint8)   { w.encode(v) }
func (w *Writer) U16(v uint16) { w.encode(v) }
func (w *Writer) U32(v uint32) { w.encode(v) }
func (w *Writer) U64(v uint64) { w.encode(v) }
func (w *Writer) Bool(v bool)  { w.encode(v) }

func (w *Writer) Compact(v uint64) {
	if w.err != nil {
		return
	}
	w.err = w.enc.EncodeUintCompact(*new(big.Int).SetUint64(v))
}

// VecU8 encodes a Vec<u8>.
func (w *Writer) VecU8(bz []byte) {
	w.Compact(uint64(len(bz)))
	w.Raw(bz)
}

func (w *Writer) Hash(h common.Hash) { w.Raw(h[:]) }

// Option writes the option tag; the caller writes the payload when some is true.
func (w *Writer) Option(some bool) {
	if some {
		w.U8(1)
		return
	}
	w.U8(0)
}

// Reader consumes SCALE input from an in-memory buffer.
type Reader struct {
	src *bytes.Reader
	dec *gsrpc.Decoder
}

func NewReader(bz []byte) *Reader {
	src := bytes.NewReader(bz)
	return &Reader{src: src, dec: gsrpc.NewDecoder(src)}
}

// Len is the number of unread bytes.
func (r *Reader) Len() int { return r.src.Len() }

// Done returns ErrTrailingBytes if input remains.
func (r *Reader) Done() error {
	if r.src.Len() != 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingBytes, r.src.Len())
	}
	return nil
}

func (r *Reader) Fixed(n int) ([]byte, error) {
	if n < 0 || n > r.src.Len() {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrLengthOverflow, n, r.src.Len())
	}
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	if err := r.dec.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reader) U8() (uint8, error) {
	return r.dec.ReadOneByte()
}

func (r *Reader) U16() (uint16, error) {
	var v uint16
	err := r.dec.Decode(&v)
	return v, err
}

func (r *Reader) U32() (uint32, error) {
	var v uint32
	err := r.dec.Decode(&v)
	return v, err
}

func (r *Reader) U64() (uint64, error) {
	var v uint64
	err := r.dec.Decode(&v)
	return v, err
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.dec.ReadOneByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid SCALE bool %d", b)
	}
}

func (r *Reader) Compact() (uint64, error) {
	v, err := r.dec.DecodeUintCompact()
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, ErrCompactOverflow
	}
	return v.Uint64(), nil
}

// VecU8 decodes a length-prefixed byte vector.
func (r *Reader) VecU8() ([]byte, error) {
	n, err := r.Compact()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.src.Len()) {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrLengthOverflow, n, r.src.Len())
	}
	return r.Fixed(int(n))
}

func (r *Reader) Hash() (common.Hash, error) {
	var h common.Hash
	bz, err := r.Fixed(common.HashLength)
	if err != nil {
		return h, err
	}
	copy(h[:], bz)
	return h, nil
}

// Option reads an option tag.
func (r *Reader) Option() (bool, error) {
	b, err := r.dec.ReadOneByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: %d", ErrInvalidOption, b)
	}
}

// VecLen reads a vector length prefix and bounds it by the remaining input,
// assuming every element occupies at least minElem bytes.
func (r *Reader) VecLen(minElem int) (int, error) {
	n, err := r.Compact()
	if err != nil {
		return 0, err
	}
	if minElem < 1 {
		minElem = 1
	}
	if n > uint64(r.src.Len()/minElem) {
		return 0, fmt.Errorf("%w: %d elements", ErrLengthOverflow, n)
	}
	return int(n), nil
}

// DecodeVec decodes a Vec<T> using elem for each element.
func DecodeVec[T any](r *Reader, minElem int, elem func(*Reader) (T, error)) ([]T, error) {
	n, err := r.VecLen(minElem)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		v, err := elem(r)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// EncodeVec encodes a Vec<T> using elem for each element.
func EncodeVec[T any](w *Writer, items []T, elem func(*Writer, T)) {
	w.Compact(uint64(len(items)))
	for _, it := range items {
		elem(w, it)
	}
}

// VecVecU8 is the Vec<Vec<u8>> used for trie proofs.
func (r *Reader) VecVecU8() ([][]byte, error) {
	return DecodeVec(r, 1, (*Reader).VecU8)
}

func (w *Writer) VecVecU8(items [][]byte) {
	EncodeVec(w, items, (*Writer).VecU8)
}
