package clock

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// VectorClock maps a device id to its logical counter. Absent keys count as 0.
// All operations are copy-on-write: no method mutates its receiver or arguments,
// so clocks can be shared across goroutines freely once constructed.
type VectorClock map[string]int64

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "EQUAL"
	case Before:
		return "BEFORE"
	case After:
		return "AFTER"
	case Concurrent:
		return "CONCURRENT"
	}
	return fmt.Sprintf("Ordering(%d)", int(o))
}

var ErrInvalidClock = errors.New("invalid vector clock")

// New creates a clock with the device's counter at 1.
func New(deviceID string) VectorClock {
	return VectorClock{deviceID: 1}
}

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for id, n := range vc {
		out[id] = n
	}
	return out
}

// Get returns the counter for a device, 0 when absent.
func (vc VectorClock) Get(deviceID string) int64 {
	return vc[deviceID]
}

// Increment returns a new clock with the device's counter raised by one.
func (vc VectorClock) Increment(deviceID string) VectorClock {
	out := vc.Clone()
	out[deviceID]++
	return out
}

// Merge returns the pairwise max of both clocks. Merge is commutative,
// associative and idempotent, so repeated exchange between devices converges.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for id, n := range other {
		if out[id] < n {
			out[id] = n
		}
	}
	return out
}

// Compare determines the causal relationship between two clocks by scanning
// the union of their keys. An empty clock is Before any clock with positive
// counters, never Concurrent.
func (vc VectorClock) Compare(other VectorClock) Ordering {
	var less, greater bool

	for id, n := range vc {
		switch m := other[id]; {
		case n < m:
			less = true
		case n > m:
			greater = true
		}
	}
	for id, m := range other {
		if _, ok := vc[id]; ok {
			continue
		}
		if m > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	}
	return Equal
}

// Dominates reports whether vc has seen everything other has.
func (vc VectorClock) Dominates(other VectorClock) bool {
	ord := vc.Compare(other)
	return ord == After || ord == Equal
}

// Validate rejects structurally malformed clocks: empty device ids or
// negative counters. A nil clock is valid (it is the least element).
func (vc VectorClock) Validate() error {
	for id, n := range vc {
		if id == "" {
			return fmt.Errorf("%w: empty device id", ErrInvalidClock)
		}
		if strings.ContainsAny(id, ":,") {
			return fmt.Errorf("%w: device id %q contains reserved characters", ErrInvalidClock, id)
		}
		if n < 0 {
			return fmt.Errorf("%w: negative counter %d for device %q", ErrInvalidClock, n, id)
		}
	}
	return nil
}

// String renders the compact transport form "device1:3,device2:5" with keys
// in lexicographic order so equal clocks always render identically.
func (vc VectorClock) String() string {
	ids := make([]string, 0, len(vc))
	for id := range vc {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(id)
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(vc[id], 10))
	}
	return b.String()
}

// Parse decodes the compact form produced by String. Malformed entries are an
// error, never silently dropped: Parse(vc.String()) must equal vc exactly.
func Parse(s string) (VectorClock, error) {
	out := make(VectorClock)
	if s == "" {
		return out, nil
	}
	for _, entry := range strings.Split(s, ",") {
		id, counter, ok := strings.Cut(entry, ":")
		if !ok || id == "" {
			return nil, fmt.Errorf("%w: malformed entry %q", ErrInvalidClock, entry)
		}
		n, err := strconv.ParseInt(counter, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed counter in entry %q", ErrInvalidClock, entry)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: negative counter in entry %q", ErrInvalidClock, entry)
		}
		if _, exists := out[id]; exists {
			return nil, fmt.Errorf("%w: duplicate device %q", ErrInvalidClock, id)
		}
		out[id] = n
	}
	return out, nil
}
