package experts

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// DefaultChallengeTTL bounds how long an issued challenge stays answerable.
const DefaultChallengeTTL = 2 * time.Minute

// SecretSource resolves the per-expert delegation secret used to answer
// registration challenges.
type SecretSource interface {
	ExpertSecret(expertID string) ([]byte, error)
}

// FileSecretSource reads expert secrets from <keysDir>/experts/<id>.key.
// The keys directory is provisioned out-of-band; this source only reads.
type FileSecretSource struct {
	keysDir string
}

// NewFileSecretSource creates a source rooted at the data directory's keys/
func NewFileSecretSource(keysDir string) *FileSecretSource {
	return &FileSecretSource{keysDir: keysDir}
}

func (s *FileSecretSource) ExpertSecret(expertID string) ([]byte, error) {
	// Expert ids come from clients; never let one escape the keys tree.
	if expertID != filepath.Base(expertID) || strings.HasPrefix(expertID, ".") {
		return nil, fmt.Errorf("%w: invalid expert id", models.ErrUnauthenticated)
	}
	path := filepath.Join(s.keysDir, "experts", expertID+".key")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: no delegation key for %s", models.ErrUnauthenticated, expertID)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return nil, fmt.Errorf("%w: empty delegation key for %s", models.ErrUnauthenticated, expertID)
	}
	return []byte(secret), nil
}

type challenge struct {
	expertID string
	issuedAt time.Time
}

// challengeStore issues and verifies single-use registration challenges
type challengeStore struct {
	secrets SecretSource
	ttl     time.Duration

	mu     sync.Mutex
	nonces map[string]*challenge
}

func newChallengeStore(secrets SecretSource, ttl time.Duration) *challengeStore {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &challengeStore{
		secrets: secrets,
		ttl:     ttl,
		nonces:  make(map[string]*challenge),
	}
}

// Issue mints a fresh nonce for the expert
func (c *challengeStore) Issue(expertID string) string {
	nonce := uuid.New().String()
	c.mu.Lock()
	c.nonces[nonce] = &challenge{expertID: expertID, issuedAt: time.Now().UTC()}
	c.mu.Unlock()
	return nonce
}

// Verify checks hmac(expert secret, nonce) against the response. The nonce
// is burned on the first verification attempt whether or not it succeeds,
// so a challenge cannot be ground through offline.
func (c *challengeStore) Verify(expertID, nonce, response string) error {
	c.mu.Lock()
	ch, ok := c.nonces[nonce]
	if ok {
		delete(c.nonces, nonce)
	}
	c.mu.Unlock()

	fail := fmt.Errorf("%w: challenge verification failed", models.ErrUnauthenticated)
	if !ok || ch.expertID != expertID || time.Since(ch.issuedAt) > c.ttl {
		return fail
	}

	secret, err := c.secrets.ExpertSecret(expertID)
	if err != nil {
		return fail
	}
	want := ChallengeResponse(secret, nonce)
	got, decodeErr := hex.DecodeString(response)
	wantRaw, _ := hex.DecodeString(want)
	if decodeErr != nil || !hmac.Equal(got, wantRaw) {
		return fail
	}
	return nil
}

// Sweep drops expired nonces; returns how many were removed
func (c *challengeStore) Sweep() int {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for nonce, ch := range c.nonces {
		if now.Sub(ch.issuedAt) > c.ttl {
			delete(c.nonces, nonce)
			removed++
		}
	}
	return removed
}

// ChallengeResponse computes the expected answer to a challenge. Exported so
// expert clients and tests build responses the same way the verifier does.
func ChallengeResponse(secret []byte, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}
