package ethereum

import (
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
)

// ciphersuite is the proof of possession domain separation tag.
var ciphersuite = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

var (
	errFailedPublicKeyDecompress  = errors.New("couldn't decompress public key")
	errInvalidPublicKey           = errors.New("invalid public key")
	errNoPublicKeys               = errors.New("no public keys")
	errFailedPublicKeyAggregation = errors.New("couldn't aggregate public keys")
	errFailedSignatureDecompress  = errors.New("couldn't decompress signature")
	errInvalidSignature           = errors.New("invalid signature")
)

func publicKeyFromBytes(pk PubKey) (*blst.P1Affine, error) {
	key := new(blst.P1Affine).Uncompress(pk[:])
	if key == nil {
		return nil, errFailedPublicKeyDecompress
	}
	if !key.KeyValidate() {
		return nil, errInvalidPublicKey
	}
	return key, nil
}

func signatureFromBytes(sig [SignatureLength]byte) (*blst.P2Affine, error) {
	s := new(blst.P2Affine).Uncompress(sig[:])
	if s == nil {
		return nil, errFailedSignatureDecompress
	}
	if !s.SigValidate(false) {
		return nil, errInvalidSignature
	}
	return s, nil
}

func aggregatePublicKeys(pks []*blst.P1Affine) (*blst.P1Affine, error) {
	if len(pks) == 0 {
		return nil, errNoPublicKeys
	}
	var agg blst.P1Aggregate
	if !agg.Aggregate(pks, false) {
		return nil, errFailedPublicKeyAggregation
	}
	return agg.ToAffine(), nil
}

// verifyAggregate checks sig over msg by the participants of committee.
func verifyAggregate(committee *SyncCommittee, participants []int, msg []byte, sig [SignatureLength]byte) error {
	pks := make([]*blst.P1Affine, 0, len(participants))
	for _, i := range participants {
		pk, err := publicKeyFromBytes(committee.PubKeys[i])
		if err != nil {
			return fmt.Errorf("sync committee member %d: %w", i, err)
		}
		pks = append(pks, pk)
	}
	agg, err := aggregatePublicKeys(pks)
	if err != nil {
		return err
	}
	s, err := signatureFromBytes(sig)
	if err != nil {
		return err
	}
	if !s.Verify(false, agg, false, msg, ciphersuite) {
		return errInvalidSignature
	}
	return nil
}
