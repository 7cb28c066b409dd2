package gateway

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Arg is one named call argument. Values are codec.Bytes for textual and temporal
// fields and uint64 for entity ids.
type Arg struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Call is an unsigned pallet call.
type Call struct {
	Pallet string
	Method string
	Args   []Arg
}

// Signer signs extrinsics on behalf of one ledger account.
type Signer interface {
	Address() string
	Sign(msg []byte) []byte
}

// Extrinsic is a signed call as submitted to the node.
type Extrinsic struct {
	Signer    string `json:"signer"`
	Nonce     uint64 `json:"nonce"`
	Pallet    string `json:"pallet"`
	Call      string `json:"call"`
	Args      []Arg  `json:"args"`
	Signature string `json:"signature,omitempty"`
}

// SigningPayload is the blake2b-256 digest of the extrinsic without its signature.
func (x Extrinsic) SigningPayload() ([]byte, error) {
	x.Signature = ""
	data, err := json.Marshal(x)
	if err != nil {
		return nil, fmt.Errorf("encode signing payload: %w", err)
	}
	sum := blake2b.Sum256(data)
	return sum[:], nil
}

// Encode returns the form submitted to author_submitAndWatchExtrinsic: "0x" followed by
// the lowercase hex of the extrinsic's compact JSON object with keys in the order signer,
// nonce, pallet, call, args, signature. Each args entry is {"name","value"} where value
// is a hex string, null for an absent field, or an unsigned integer id. The node decodes
// the outer hex, then the JSON; no argument travels as plain text.
func (x Extrinsic) Encode() (string, error) {
	data, err := json.Marshal(x)
	if err != nil {
		return "", fmt.Errorf("encode extrinsic: %w", err)
	}
	return "0x" + hex.EncodeToString(data), nil
}

// Hash is the transaction hash: blake2b-256 of the encoded extrinsic.
func (x Extrinsic) Hash() (string, error) {
	data, err := json.Marshal(x)
	if err != nil {
		return "", fmt.Errorf("hash extrinsic: %w", err)
	}
	sum := blake2b.Sum256(data)
	return "0x" + hex.EncodeToString(sum[:]), nil
}

// DecodeExtrinsic reverses Encode. Argument values decode to string, nil or json.Number.
func DecodeExtrinsic(encoded string) (Extrinsic, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(encoded, "0x"))
	if err != nil {
		return Extrinsic{}, fmt.Errorf("decode extrinsic: %w", err)
	}
	// Numbers stay json.Number so re-encoding reproduces the signed bytes.
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var x Extrinsic
	if err := dec.Decode(&x); err != nil {
		return Extrinsic{}, fmt.Errorf("decode extrinsic: %w", err)
	}
	return x, nil
}

func sign(call Call, nonce uint64, signer Signer) (Extrinsic, error) {
	x := Extrinsic{
		Signer: signer.Address(),
		Nonce:  nonce,
		Pallet: call.Pallet,
		Call:   call.Method,
		Args:   call.Args,
	}
	if x.Args == nil {
		x.Args = []Arg{}
	}
	payload, err := x.SigningPayload()
	if err != nil {
		return Extrinsic{}, err
	}
	x.Signature = "0x" + hex.EncodeToString(signer.Sign(payload))
	return x, nil
}

// Verify checks the signature against the signer address, which is the hex ed25519
// public key.
func Verify(x Extrinsic) error {
	pub, err := hex.DecodeString(strings.TrimPrefix(x.Signer, "0x"))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("verify: malformed signer %q", x.Signer)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(x.Signature, "0x"))
	if err != nil {
		return fmt.Errorf("verify: malformed signature")
	}
	payload, err := x.SigningPayload()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, sig) {
		return fmt.Errorf("verify: bad signature")
	}
	return nil
}
