package perch

import (
	crypto_rand "crypto/rand"
	"io"
	"strings"
)

// Invite codes are 12-character Crockford base32 strings, distributed out of
// band (link/QR). Resolution never mutates remote state; only admission does.
const (
	inviteCodeLength   = 12
	inviteCodeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// Make a random invite code.
func NewInviteCode() (string, error) {
	var buf [inviteCodeLength]byte
	if _, err := io.ReadFull(crypto_rand.Reader, buf[:]); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range buf {
		b.WriteByte(inviteCodeAlphabet[int(c)%len(inviteCodeAlphabet)])
	}
	return b.String(), nil
}

// ValidateInviteCode checks shape only; existence and status are the
// directory's business.
func ValidateInviteCode(code string) error {
	if len(code) != inviteCodeLength {
		return ErrInvalidInviteCode
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(inviteCodeAlphabet, rune(code[i])) {
			return ErrInvalidInviteCode
		}
	}
	return nil
}
