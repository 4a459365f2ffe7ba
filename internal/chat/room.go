package chat

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// roomIDBytes is the length of a room id token before hex encoding.
	roomIDBytes = 8

	// roomIDInfo is the HKDF info label separating the room id from any
	// other material derived from the same key.
	roomIDInfo = "ghostchat-room"
)

// DeriveRoomID deterministically derives the room id from the shared
// passphrase via the scrypt key and HKDF-SHA256, so every client
// entering the same passphrase converges on the same room.
func DeriveRoomID(passphrase string) (string, error) {
	key, err := DeriveKey(passphrase)
	if err != nil {
		return "", err
	}
	defer ZeroKey(key)

	r := hkdf.New(sha256.New, key, nil, []byte(roomIDInfo))

	out := make([]byte, roomIDBytes)
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("deriving room id: %w", err)
	}

	return hex.EncodeToString(out), nil
}

// NewRoomID generates a random room id token for ad-hoc rooms. Unlike
// derived ids, a random id must be checked against the room directory
// before joining.
func NewRoomID() (string, error) {
	out := make([]byte, roomIDBytes)
	if _, err := rand.Read(out); err != nil {
		return "", fmt.Errorf("generating room id: %w", err)
	}

	return hex.EncodeToString(out), nil
}
