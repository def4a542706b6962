package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"cigate/internal/security"
)

// VerifyChain re-computes each block hash and link to detect tampering,
// and requires every block to be signed by trusted. The public key stored
// in a block is only accepted when it is the trusted key.
func (l *Ledger) VerifyChain(trusted ed25519.PublicKey) error {
	if len(trusted) != ed25519.PublicKeySize {
		return errors.New("a trusted public key is required to verify the ledger")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return verifyBlocks(l.blocks, hex.EncodeToString(trusted))
}

func verifyBlocks(blocks []*Block, trustedHex string) error {
	for i, b := range blocks {
		if b.Index != i {
			return fmt.Errorf("index mismatch: expected %d got %d", i, b.Index)
		}

		h, err := b.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", b.Index, err)
		}
		if h != b.Hash {
			return fmt.Errorf("hash mismatch at index %d", b.Index)
		}

		prev := ""
		if i > 0 {
			prev = blocks[i-1].Hash
		}
		if b.PrevHash != prev {
			return fmt.Errorf("prev hash mismatch at index %d", b.Index)
		}

		if b.PubKey != trustedHex {
			return fmt.Errorf("block %d is signed by an untrusted key", b.Index)
		}
		ok, err := security.VerifySignatureFromHex(trustedHex, []byte(b.Hash), b.Signature)
		if err != nil {
			return fmt.Errorf("decode signature at index %d: %w", b.Index, err)
		}
		if !ok {
			return fmt.Errorf("invalid signature at index %d", b.Index)
		}
	}
	return nil
}
