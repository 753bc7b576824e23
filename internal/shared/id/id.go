// Package id provides centralized token generation for the kernel's
// userspace services.
//
// Tokens are ULIDs: lexicographically sortable, collision-free across
// services, and readable in logs thanks to type-specific prefixes
// (disc_*, chal_*, trace_*).
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DisconnectToken authorizes exactly one future disconnect of a named
// connection. Single use; the name service burns it on redemption.
type DisconnectToken string

// ChallengeID identifies an outstanding authentication challenge.
type ChallengeID string

// TraceID identifies one trace event batch on the event stream.
type TraceID string

const (
	DisconnectPrefix = "disc"
	ChallengePrefix  = "chal"
	TracePrefix      = "trace"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	// Default generator with cryptographically secure entropy
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator
func NewGenerator() *Generator {
	return &Generator{
		entropy: rand.Reader,
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source
// Useful for testing with deterministic entropy
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewDisconnectToken generates a single-use disconnect token.
func NewDisconnectToken() DisconnectToken {
	return DisconnectToken(Default().GenerateWithPrefix(DisconnectPrefix))
}

// NewChallengeID generates an authentication challenge ID.
func NewChallengeID() ChallengeID {
	return ChallengeID(Default().GenerateWithPrefix(ChallengePrefix))
}

// NewTraceID generates a trace batch ID.
func NewTraceID() TraceID {
	return TraceID(Default().GenerateWithPrefix(TracePrefix))
}

func (id DisconnectToken) String() string { return string(id) }
func (id ChallengeID) String() string     { return string(id) }
func (id TraceID) String() string         { return string(id) }

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.Parse(id)
	return err == nil
}

// Parse parses a ULID string
func Parse(id string) (ulid.ULID, error) {
	return ulid.Parse(id)
}

// Timestamp extracts the timestamp from a ULID
func Timestamp(id string) (time.Time, error) {
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
