// Package gate controls access to the hidden chat surface: a passphrase
// gate armed behind a secret gesture, with the decoy screen shown while
// locked.
package gate

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Gate tracks the locked/unlocked state of the hidden surface. The
// configured secret and candidate passphrases are NFKC-normalized
// before comparison so visually identical input unlocks regardless of
// how the platform composed it.
type Gate struct {
	mu       sync.Mutex
	secret   [sha256.Size]byte
	anyPass  bool
	unlocked bool
}

// New creates a locked gate. An empty secret means any non-empty
// passphrase unlocks; the passphrase then doubles as the room key.
func New(secret string) *Gate {
	g := &Gate{anyPass: secret == ""}

	if !g.anyPass {
		g.secret = digest(secret)
	}

	return g
}

// Unlock attempts to open the gate. The comparison runs in constant
// time over fixed-size digests, so neither length nor content of the
// configured secret leaks through timing.
func (g *Gate) Unlock(passphrase string) bool {
	if passphrase == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.anyPass {
		g.unlocked = true
		return true
	}

	got := digest(passphrase)
	if subtle.ConstantTimeCompare(got[:], g.secret[:]) == 1 {
		g.unlocked = true
	}

	return g.unlocked
}

// Unlocked reports whether the gate is currently open.
func (g *Gate) Unlocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.unlocked
}

// Lock re-arms the gate. Called on panic purge and on session reset.
func (g *Gate) Lock() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.unlocked = false
}

func digest(passphrase string) [sha256.Size]byte {
	return sha256.Sum256([]byte(norm.NFKC.String(passphrase)))
}
