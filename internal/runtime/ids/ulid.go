package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces monotonic ULIDs. The zero value is not usable; use NewGenerator.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewGenerator returns a Generator reading entropy from crypto/rand.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// New returns the next ULID as a 26 character string.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

var defaultGenerator = NewGenerator()

// CreateULID returns a time-sortable ULID from the process wide generator.
func CreateULID() string {
	return defaultGenerator.New()
}

// NewCorrelationID returns an identifier used to tie replies to requests.
func NewCorrelationID() string {
	return CreateULID()
}

// ReplyInbox returns the ephemeral destination a broker listens on for RPC replies.
func ReplyInbox(prefix string) string {
	if prefix == "" {
		prefix = "streamflow.reply"
	}
	return prefix + "." + CreateULID()
}

// Timestamp extracts the creation time from id.
func Timestamp(id string) (time.Time, bool) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
