// Package delay implements the lockout delay schedule for low-entropy
// credentials: an ordered table mapping consecutive-failure counts to the
// wait that must elapse before the next verification attempt.
package delay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Forever is the sentinel delay value marking permanent lockout.
const Forever = ^uint32(0)

// ErrMalformedSchedule indicates a schedule blob or string that cannot be decoded.
var ErrMalformedSchedule = errors.New("malformed delay schedule")

// Entry pairs a failure-count threshold with the delay enforced once the
// consecutive failure count reaches that threshold.
type Entry struct {
	Threshold uint32
	Seconds   uint32
}

// Schedule is an ordered list of entries with strictly increasing thresholds.
// A Schedule is immutable for the lifetime of the credential it protects.
type Schedule []Entry

// Validate checks that thresholds are strictly increasing and non-zero.
// A zero threshold would lock the credential before its first attempt.
func (s Schedule) Validate() error {
	var prev uint32
	for i, e := range s {
		if e.Threshold == 0 {
			return fmt.Errorf("%w: entry %d has zero threshold", ErrMalformedSchedule, i)
		}
		if i > 0 && e.Threshold <= prev {
			return fmt.Errorf("%w: thresholds not strictly increasing at entry %d", ErrMalformedSchedule, i)
		}
		prev = e.Threshold
	}
	return nil
}

// ForAttempt returns the delay enforced after attempts consecutive failures.
// The entry with the largest threshold <= attempts wins; below the first
// threshold the delay is zero. The second return is true when the schedule
// demands permanent lockout at this attempt count.
func (s Schedule) ForAttempt(attempts uint32) (time.Duration, bool) {
	var seconds uint32
	for _, e := range s {
		if e.Threshold > attempts {
			break
		}
		seconds = e.Seconds
	}
	if seconds == Forever {
		return 0, true
	}
	return time.Duration(seconds) * time.Second, false
}

// Encode serializes the schedule as a count-prefixed sequence of
// big-endian (threshold, seconds) pairs, the form handed to the backend
// at insertion time.
func (s Schedule) Encode() []byte {
	buf := make([]byte, 2+8*len(s))
	binary.BigEndian.PutUint16(buf, uint16(len(s)))
	for i, e := range s {
		binary.BigEndian.PutUint32(buf[2+8*i:], e.Threshold)
		binary.BigEndian.PutUint32(buf[6+8*i:], e.Seconds)
	}
	return buf
}

// Decode parses a blob produced by Encode.
func Decode(blob []byte) (Schedule, error) {
	if len(blob) < 2 {
		return nil, fmt.Errorf("%w: blob too short", ErrMalformedSchedule)
	}
	n := int(binary.BigEndian.Uint16(blob))
	if len(blob) != 2+8*n {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrMalformedSchedule, 2+8*n, len(blob))
	}
	s := make(Schedule, n)
	for i := range s {
		s[i].Threshold = binary.BigEndian.Uint32(blob[2+8*i:])
		s[i].Seconds = binary.BigEndian.Uint32(blob[6+8*i:])
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Parse converts the CLI form "3:10,5:60,10:forever" into a Schedule.
// Each element is threshold:seconds, with "forever" as the permanent
// lockout sentinel.
func Parse(spec string) (Schedule, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, fmt.Errorf("%w: empty spec", ErrMalformedSchedule)
	}
	var s Schedule
	for _, part := range strings.Split(spec, ",") {
		fields := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: %q is not threshold:seconds", ErrMalformedSchedule, part)
		}
		threshold, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: bad threshold %q", ErrMalformedSchedule, fields[0])
		}
		var seconds uint64
		if fields[1] == "forever" {
			seconds = uint64(Forever)
		} else {
			seconds, err = strconv.ParseUint(fields[1], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("%w: bad delay %q", ErrMalformedSchedule, fields[1])
			}
		}
		s = append(s, Entry{Threshold: uint32(threshold), Seconds: uint32(seconds)})
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// String renders the schedule in the CLI form accepted by Parse.
func (s Schedule) String() string {
	parts := make([]string, len(s))
	for i, e := range s {
		if e.Seconds == Forever {
			parts[i] = fmt.Sprintf("%d:forever", e.Threshold)
		} else {
			parts[i] = fmt.Sprintf("%d:%d", e.Threshold, e.Seconds)
		}
	}
	return strings.Join(parts, ",")
}
