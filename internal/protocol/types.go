package protocol

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MagicNumber is the constant that opens every handshake.
var MagicNumber = [7]byte{'V', 'E', 'L', 'O', 'R', 'E', 'N'}

// CurrentVersion is the protocol version of this build. Peers must match it exactly.
var CurrentVersion = Version{Major: 0, Minor: 6, Patch: 0}

// Version is a protocol version triple.
type Version struct {
	Major uint16
	Minor uint8
	Patch uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Pid identifies a participant. It is a random 128-bit id.
type Pid uuid.UUID

// NewPid returns a fresh random Pid.
func NewPid() Pid { return Pid(uuid.New()) }

func (p Pid) String() string { return uuid.UUID(p).String() }

// Short returns the first eight hex digits, for log lines.
func (p Pid) Short() string { return p.String()[:8] }

// Sid identifies a stream within one participant.
type Sid uint32

// Mid identifies a message within one participant.
type Mid uint64

// Prio is a stream priority. 0 is the most favoured level.
type Prio uint8

// PrioLevels is the number of distinct priorities; higher values are clamped.
const PrioLevels = 64

// SidRange is a half-open [Start, End) range of stream ids.
type SidRange struct {
	Start Sid
	End   Sid
}

func (r SidRange) Contains(s Sid) bool { return s >= r.Start && s < r.End }
func (r SidRange) Empty() bool         { return r.Start >= r.End }

// MidRange is a half-open [Start, End) range of message ids.
type MidRange struct {
	Start Mid
	End   Mid
}

func (r MidRange) Contains(m Mid) bool { return m >= r.Start && m < r.End }
func (r MidRange) Empty() bool         { return r.Start >= r.End }

// Promises is a set of delivery guarantees requested for a stream.
type Promises uint8

const (
	PromiseOrdered            Promises = 1 << 0
	PromiseConsistency        Promises = 1 << 1
	PromiseGuaranteedDelivery Promises = 1 << 2
	PromiseCompressed         Promises = 1 << 3
	PromiseEncrypted          Promises = 1 << 4
)

var promiseNames = []struct {
	flag Promises
	name string
}{
	{PromiseOrdered, "ordered"},
	{PromiseConsistency, "consistency"},
	{PromiseGuaranteedDelivery, "guaranteed"},
	{PromiseCompressed, "compressed"},
	{PromiseEncrypted, "encrypted"},
}

// Has reports whether every flag in q is set in p.
func (p Promises) Has(q Promises) bool { return p&q == q }

func (p Promises) String() string {
	var names []string
	for _, pn := range promiseNames {
		if p.Has(pn.flag) {
			names = append(names, pn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParsePromises parses a comma separated list such as "ordered,compressed".
func ParsePromises(s string) (Promises, error) {
	var p Promises
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" || part == "none" {
			continue
		}
		found := false
		for _, pn := range promiseNames {
			if pn.name == part {
				p |= pn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown promise %q", part)
		}
	}
	return p, nil
}
