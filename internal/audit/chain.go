// Package audit implements the Permission Decision Audit Trail: a
// tamper-evident, hash-chained log of every permission decision the
// Bridge resolves, append-only JSONL plus a SQLite index for queries.
// Modifying any entry breaks the chain from that point forward.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// computeHash calculates SHA-256(prev_hash | seq | ts | sessionId | tool |
// origin | decision) for an entry. Returns "sha256:<hex>".
func computeHash(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s",
		e.PrevHash, e.Seq, e.Timestamp, e.SessionID, e.Tool, e.Origin, e.Decision)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

func verifyEntry(e *Entry) bool {
	return e.Hash == computeHash(e)
}
