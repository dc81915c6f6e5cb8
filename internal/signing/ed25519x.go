package signing

import (
	"bytes"
	"hash"

	"filippo.io/edwards25519"
)

// The functions below are Ed25519 (RFC 8032 §5.1) with the hash function as
// a parameter. With sha512.New they produce exactly what crypto/ed25519
// does; production code uses them only for suites crypto/ed25519 cannot
// express.

type expandedKey struct {
	scalar *edwards25519.Scalar
	prefix []byte
	public []byte
}

func expandSeed(newHash func() hash.Hash, seed []byte) (*expandedKey, error) {
	h := newHash()
	h.Write(seed)
	digest := h.Sum(nil)
	defer zeroBytes(digest)

	s, err := edwards25519.NewScalar().SetBytesWithClamping(digest[:32])
	if err != nil {
		return nil, err
	}
	A := new(edwards25519.Point).ScalarBaseMult(s)
	return &expandedKey{
		scalar: s,
		prefix: append([]byte(nil), digest[32:64]...),
		public: A.Bytes(),
	}, nil
}

func signWith(newHash func() hash.Hash, key *expandedKey, message []byte) ([]byte, error) {
	mh := newHash()
	mh.Write(key.prefix)
	mh.Write(message)
	r, err := edwards25519.NewScalar().SetUniformBytes(mh.Sum(nil))
	if err != nil {
		return nil, err
	}
	R := new(edwards25519.Point).ScalarBaseMult(r)

	k, err := challengeScalar(newHash, R.Bytes(), key.public, message)
	if err != nil {
		return nil, err
	}
	S := edwards25519.NewScalar().MultiplyAdd(k, key.scalar, r)

	sig := make([]byte, 0, SignatureSize)
	sig = append(sig, R.Bytes()...)
	return append(sig, S.Bytes()...), nil
}

func verifyWith(newHash func() hash.Hash, publicKey, message, sig []byte) bool {
	if len(publicKey) != PublicKeySize || len(sig) != SignatureSize || sig[63]&224 != 0 {
		return false
	}
	A, err := new(edwards25519.Point).SetBytes(publicKey)
	if err != nil {
		return false
	}
	k, err := challengeScalar(newHash, sig[:32], publicKey, message)
	if err != nil {
		return false
	}
	S, err := edwards25519.NewScalar().SetCanonicalBytes(sig[32:])
	if err != nil {
		return false
	}
	minusA := new(edwards25519.Point).Negate(A)
	R := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(k, minusA, S)
	return bytes.Equal(sig[:32], R.Bytes())
}

func challengeScalar(newHash func() hash.Hash, R, A, message []byte) (*edwards25519.Scalar, error) {
	kh := newHash()
	kh.Write(R)
	kh.Write(A)
	kh.Write(message)
	return edwards25519.NewScalar().SetUniformBytes(kh.Sum(nil))
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (e *expandedKey) wipe() {
	e.scalar.Set(edwards25519.NewScalar())
	zeroBytes(e.prefix)
}
