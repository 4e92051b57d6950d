package protocol

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
)

var ErrMalformedChallenge = errors.New("login challenge is not a hex string")

// DecodeChallenge decodes the hex challenge a legacy device sends in the "ret"
// property of its first /login reply.
func DecodeChallenge(challenge string) ([]byte, error) {
	b, err := hex.DecodeString(challenge)
	if err != nil || len(b) == 0 {
		return nil, &Error{
			Kind:  ErrUnexpectedValue,
			Op:    "decode login challenge",
			Value: challenge,
			Err:   ErrMalformedChallenge,
		}
	}

	return b, nil
}

// ChallengeResponse computes the legacy login response: "00" followed by the
// lower-case hex MD5 digest of a null byte, the password and the challenge.
func ChallengeResponse(password string, challenge []byte) string {
	h := md5.New()
	h.Write([]byte{0})
	h.Write([]byte(password))
	h.Write(challenge)

	return "00" + hex.EncodeToString(h.Sum(nil))
}
