// Package signing wraps the secp256k1 key handling the relay needs: minting
// keys for a fresh deployment, bech32 (de)serialization for operators, and
// the schnorr primitives used to sign and verify event payloads.
package signing

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func GeneratePrivateKey() (*secp256k1.PrivateKey, error) {
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	return privateKey, nil
}

func DecodeKey(serializedKey string) ([]byte, error) {
	_, bytesToBits, err := bech32.Decode(serializedKey)
	if err != nil {
		return nil, err
	}

	keyBytes, err := bech32.ConvertBits(bytesToBits, 5, 8, false)
	if err != nil {
		return nil, err
	}

	return keyBytes, nil
}

func DeserializePrivateKey(serializedKey string) (*secp256k1.PrivateKey, *secp256k1.PublicKey, error) {
	privateKeyBytes, err := DecodeKey(serializedKey)
	if err != nil {
		return nil, nil, err
	}

	privateKey, publicKey := btcec.PrivKeyFromBytes(privateKeyBytes)

	return privateKey, publicKey, nil
}

func SerializePrivateKey(privateKey *secp256k1.PrivateKey) (*string, error) {
	bytesToBits, err := bech32.ConvertBits(privateKey.Serialize(), 8, 5, true)
	if err != nil {
		return nil, err
	}

	encodedKey, err := bech32.Encode("nsec", bytesToBits)
	if err != nil {
		return nil, err
	}

	return &encodedKey, nil
}

func SerializePublicKey(publicKey *secp256k1.PublicKey) (*string, error) {
	bytesToBits, err := bech32.ConvertBits(publicKey.SerializeCompressed(), 8, 5, true)
	if err != nil {
		return nil, err
	}

	encodedKey, err := bech32.Encode("npub", bytesToBits)
	if err != nil {
		return nil, err
	}

	return &encodedKey, nil
}

// EventPubKeyHex returns the x-only hex encoding of the public key, the form
// carried in an event's pubkey field.
func EventPubKeyHex(publicKey *secp256k1.PublicKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(publicKey))
}

func SignData(data []byte, privateKey *btcec.PrivateKey) (*schnorr.Signature, error) {
	signature, err := schnorr.Sign(privateKey, data)
	if err != nil {
		return nil, err
	}

	return signature, nil
}

func VerifySignature(signature *schnorr.Signature, data []byte, publicKey *secp256k1.PublicKey) error {
	if !signature.Verify(data, publicKey) {
		return fmt.Errorf("data failed to verify")
	}

	return nil
}
