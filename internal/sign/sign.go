// Package sign verifies message signatures in the Bitcoin
// signed-message scheme: a compact recoverable ECDSA signature over the
// double-SHA256 of the magic-prefixed message, checked against the
// signer's claimed address.
package sign

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"swapSequencer/internal/errs"
)

const messageMagic = "\x18Bitcoin Signed Message:\n"

// MessageHash computes the double-SHA256 digest of the magic-prefixed,
// varint-length-framed message.
func MessageHash(message string) []byte {
	var buf bytes.Buffer
	buf.WriteString(messageMagic)
	writeVarInt(&buf, uint64(len(message)))
	buf.WriteString(message)
	first := sha256.Sum256(buf.Bytes())
	second := sha256.Sum256(first[:])
	return second[:]
}

func writeVarInt(buf *bytes.Buffer, n uint64) {
	switch {
	case n < 0xfd:
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(0xfd)
		_ = binary.Write(buf, binary.LittleEndian, uint16(n))
	case n <= 0xffffffff:
		buf.WriteByte(0xfe)
		_ = binary.Write(buf, binary.LittleEndian, uint32(n))
	default:
		buf.WriteByte(0xff)
		_ = binary.Write(buf, binary.LittleEndian, n)
	}
}

// Verify checks a base64 compact signature over message against the
// claimed address. Supported address forms: P2PKH and P2WPKH; anything
// else is rejected as unsupported.
func Verify(address, message, signature string, params *chaincfg.Params) error {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return errs.E(errs.KindSignature, errs.CodeSignatureMismatch, "signature is not base64: %v", err)
	}

	pub, _, err := ecdsa.RecoverCompact(raw, MessageHash(message))
	if err != nil {
		return errs.E(errs.KindSignature, errs.CodeSignatureMismatch, "recover public key: %v", err)
	}

	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return errs.E(errs.KindValidation, errs.CodeAddressUnsupported, "decode address %q: %v", address, err)
	}

	keyHash := btcutil.Hash160(pub.SerializeCompressed())
	var derived btcutil.Address
	switch decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		derived, err = btcutil.NewAddressPubKeyHash(keyHash, params)
	case *btcutil.AddressWitnessPubKeyHash:
		derived, err = btcutil.NewAddressWitnessPubKeyHash(keyHash, params)
	default:
		return errs.E(errs.KindValidation, errs.CodeAddressUnsupported, "unsupported address type for %q", address)
	}
	if err != nil {
		return errs.E(errs.KindSignature, errs.CodeSignatureMismatch, "derive address: %v", err)
	}

	if derived.EncodeAddress() != decoded.EncodeAddress() {
		return errs.E(errs.KindSignature, errs.CodeSignatureMismatch,
			"signature does not match address %q", address)
	}
	return nil
}

// SignCompact produces the base64 compact signature the module accepts.
// Used by tooling and tests.
func SignCompact(priv *btcec.PrivateKey, message string) string {
	sig := ecdsa.SignCompact(priv, MessageHash(message), true)
	return base64.StdEncoding.EncodeToString(sig)
}

// P2WPKHAddress derives the bech32 P2WPKH address of a public key.
func P2WPKHAddress(pub *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// P2PKHAddress derives the base58 P2PKH address of a public key.
func P2PKHAddress(pub *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}
