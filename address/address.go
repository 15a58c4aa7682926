// Package address derives the deterministic ledger identities used across the
// escrow system. Addresses are base58-encoded SHA-256 digests over fixed
// namespace tags plus caller-supplied identifiers, so two parties can compute
// the same address independently and duplicate creations collide on it.
package address

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/mr-tron/base58"
)

// Namespace tags. Changing any of these changes every derived address.
const (
	poolSeed      = "pool"
	vaultSeed     = "vault"
	accountSeed   = "account"
	senderSeed    = "sender"
	recipientSeed = "recipient"
	nonceSeed     = "nonce"
)

// derive hashes length-prefixed parts so adjacent identifiers cannot be
// reassociated ("ab"+"c" vs "a"+"bc").
func derive(parts ...[]byte) string {
	h := sha256.New()
	var n [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	return base58.Encode(h.Sum(nil))
}

// ForPool derives the ledger address of a pool from its caller-chosen id.
func ForPool(poolID string) string {
	return derive([]byte(poolSeed), []byte(poolID))
}

// ForVault derives the custody account owned by a pool.
func ForVault(poolAddress string) string {
	return derive([]byte(vaultSeed), []byte(poolAddress))
}

// ForAccount derives the ledger address of a registered user account.
func ForAccount(accountID string) string {
	return derive([]byte(accountSeed), []byte(accountID))
}

// ForTransfer derives a transfer address from sender, recipient, and the
// sender-chosen nonce. Different senders, or the same sender with different
// nonces, never collide; the same triple always maps to the same address, so a
// retried create is rejected as a duplicate instead of double-creating.
func ForTransfer(sender, recipient string, nonce uint64) string {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	return derive(
		[]byte(senderSeed), []byte(sender),
		[]byte(recipientSeed), []byte(recipient),
		[]byte(nonceSeed), n[:],
	)
}
