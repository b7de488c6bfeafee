package verification

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"

	"github.com/jaswinder6991/teeproof/internal/util"
)

var (
	ErrMalformedSignature = errors.New("verification: malformed signature")
	ErrAddressMismatch    = errors.New("verification: recovered address does not match signer")
)

// SignatureVerifier checks that signature over text was produced by the key
// behind address.
type SignatureVerifier interface {
	VerifySignature(text, signature, address string) error
}

// SignatureVerifierFunc adapts a function to SignatureVerifier.
type SignatureVerifierFunc func(text, signature, address string) error

func (f SignatureVerifierFunc) VerifySignature(text, signature, address string) error {
	return f(text, signature, address)
}

// EIP191Verifier recovers the signer of a personal_sign message and compares
// it with the claimed address.
type EIP191Verifier struct{}

func (EIP191Verifier) VerifySignature(text, signature, address string) error {
	recovered, err := RecoverAddress(text, signature)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(address) || !strings.EqualFold(recovered, address) {
		return fmt.Errorf("%w: recovered %s, claimed %s", ErrAddressMismatch, recovered, address)
	}
	return nil
}

// PersonalMessageHash is the Keccak-256 of the EIP-191 version 0x45 framing
// of text.
func PersonalMessageHash(text string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("\x19Ethereum Signed Message:\n" + strconv.Itoa(len(text)) + text))
	return h.Sum(nil)
}

// RecoverAddress returns the checksummed address whose key produced the
// 65-byte [R || S || V] signature over text. V may be 0/1 or 27/28.
func RecoverAddress(text, signature string) (string, error) {
	sig, err := util.HexDecode(signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedSignature, crypto.SignatureLength, len(sig))
	}
	sig = util.CopyBytes(sig)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return "", fmt.Errorf("%w: invalid recovery id", ErrMalformedSignature)
	}

	pub, err := crypto.SigToPub(PersonalMessageHash(text), sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
