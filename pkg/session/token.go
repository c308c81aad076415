package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// Token layout: session_id : agent_id : issued_at : mac, where
// mac = HMAC-SHA256(secret, "session_id:agent_id:issued_at"). The token is
// opaque to clients; nothing in it is secret, but nothing in it can be
// altered either.

// EncodeToken mints the wire form of a session token
func EncodeToken(secret []byte, sessionID, agentID string, issuedAt time.Time) string {
	ts := strconv.FormatInt(issuedAt.Unix(), 10)
	return fmt.Sprintf("%s:%s:%s:%s", sessionID, agentID, ts, tokenMAC(secret, sessionID, agentID, ts))
}

// ParseToken verifies a token's MAC and returns its claims. Any structural
// or MAC failure is an invalid token; callers learn nothing about which
// part was wrong.
func ParseToken(secret []byte, token string) (sessionID, agentID string, issuedAt time.Time, err error) {
	fail := func() (string, string, time.Time, error) {
		return "", "", time.Time{}, fmt.Errorf("%w: malformed or forged token", models.ErrInvalidToken)
	}

	parts := strings.Split(token, ":")
	if len(parts) < 4 {
		return fail()
	}
	// The session id is a UUID and the trailing fields are fixed, so any
	// extra separators belong to the agent id.
	sessionID = parts[0]
	mac := parts[len(parts)-1]
	ts := parts[len(parts)-2]
	agentID = strings.Join(parts[1:len(parts)-2], ":")
	if sessionID == "" || agentID == "" {
		return fail()
	}

	want := tokenMAC(secret, sessionID, agentID, ts)
	got, decodeErr := hex.DecodeString(mac)
	wantRaw, _ := hex.DecodeString(want)
	if decodeErr != nil || !hmac.Equal(got, wantRaw) {
		return fail()
	}

	unix, parseErr := strconv.ParseInt(ts, 10, 64)
	if parseErr != nil {
		return fail()
	}
	return sessionID, agentID, time.Unix(unix, 0).UTC(), nil
}

func tokenMAC(secret []byte, sessionID, agentID, ts string) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%s:%s", sessionID, agentID, ts)
	return hex.EncodeToString(mac.Sum(nil))
}
