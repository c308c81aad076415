package speed

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/lighthouse-hq/lighthouse/pkg/models"
)

// Fingerprint derives the stable cache key for a command as seen by a given
// caller role. Every field is length-prefixed and the argument count is
// written explicitly, so distinct commands cannot collide by concatenation.
func Fingerprint(cmd *models.Command, role models.Role) string {
	h, _ := blake2b.New256(nil)
	writeField := func(s string) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}

	args := normalizeArgs(cmd.Args)
	writeField(cmd.Kind)
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(args)))
	h.Write(count[:])
	for _, arg := range args {
		writeField(arg)
	}
	writeField(cmd.TargetPath)
	writeField(string(role))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeArgs trims surrounding whitespace and drops empty arguments.
// Order is significant and preserved.
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		out = append(out, arg)
	}
	return out
}
