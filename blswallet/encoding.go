package blswallet

import (
	"math/big"

	blst "github.com/supranational/blst/bindings/go"
)

// fieldElementSize is the byte width of an Fp element in BLS12-381.
const fieldElementSize = 48

// toFieldBytes packs a big.Int into a fixed-width big-endian Fp element,
// the serialization blst expects for G1/G2 affine coordinates.
func toFieldBytes(x *big.Int) []byte {
	buf := make([]byte, fieldElementSize)
	if x != nil {
		x.FillBytes(buf)
	}
	return buf
}

// uncompressG1 decodes this wallet scheme's signature (min-sig: G1,
// two Fp coordinates) into a blst affine point.
func uncompressG1(sig Signature) (*blst.P1Affine, bool) {
	raw := append(toFieldBytes(sig[0]), toFieldBytes(sig[1])...)
	p := new(blst.P1Affine).Deserialize(raw)
	return p, p != nil
}

// uncompressG2 decodes a wallet public key (G2, four Fp coordinates —
// two Fp2 elements) into a blst affine point.
func uncompressG2(pk PublicKey) (*blst.P2Affine, bool) {
	raw := append(toFieldBytes(pk[0]), toFieldBytes(pk[1])...)
	raw = append(raw, toFieldBytes(pk[2])...)
	raw = append(raw, toFieldBytes(pk[3])...)
	p := new(blst.P2Affine).Deserialize(raw)
	return p, p != nil
}
