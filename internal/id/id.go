package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Prefixes used for the records this engine writes.
const (
	Position   = "pos"
	Trade      = "trd"
	Event      = "evt"
	Receivable = "div"
)

var (
	mu      sync.Mutex
	entropy io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	// Monotonic keeps ids minted within the same millisecond ordered, so
	// ledger rows sort by insertion when ordered by id.
	entropy = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID string.
func New() string {
	mu.Lock()
	defer mu.Unlock()

	v, err := ulid.New(ulid.Timestamp(time.Now().UTC()), entropy)
	if err != nil {
		// Only possible if the clock runs backwards past the epoch or the
		// entropy source is exhausted.
		panic(err)
	}
	return v.String()
}

// NewWithPrefix returns "<prefix>_<ulid>", lower-cased.
func NewWithPrefix(prefix string) string {
	return prefix + "_" + strings.ToLower(New())
}

// Time extracts the mint time of a prefixed or bare ULID.
func Time(s string) (time.Time, bool) {
	if i := strings.LastIndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	v, err := ulid.ParseStrict(strings.ToUpper(s))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(v.Time()).UTC(), true
}
