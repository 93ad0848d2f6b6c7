package engine

import (
	"fmt"
	"strings"
)

// Lane is a priority class of tasks. It is a closed set; see Valid.
type Lane uint8

const (
	LaneHigh Lane = iota
	LaneNormal
	LaneLow
	LaneIO
)

// NumLanes is the number of lanes.
const NumLanes = 4

// laneOrder is the fixed iteration order used to build the schedule.
var laneOrder = [NumLanes]Lane{LaneHigh, LaneNormal, LaneLow, LaneIO}

// Lanes returns every lane in schedule order.
func Lanes() []Lane {
	out := laneOrder
	return out[:]
}

func (l Lane) Valid() bool { return l < NumLanes }

func (l Lane) String() string {
	switch l {
	case LaneHigh:
		return "High"
	case LaneNormal:
		return "Normal"
	case LaneLow:
		return "Low"
	case LaneIO:
		return "IO"
	}
	return fmt.Sprintf("Lane(%d)", uint8(l))
}

// LaneName returns the display name of l.
func LaneName(l Lane) string { return l.String() }

// key is the lowercase form used in JSON and config.
func (l Lane) key() string { return strings.ToLower(l.String()) }

// ParseLane maps a case-insensitive lane name to a Lane.
func ParseLane(s string) (Lane, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return LaneHigh, nil
	case "normal":
		return LaneNormal, nil
	case "low":
		return LaneLow, nil
	case "io":
		return LaneIO, nil
	}
	return 0, fmt.Errorf("unknown lane %q", s)
}

func (l Lane) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid lane %d", uint8(l))
	}
	return []byte(l.key()), nil
}

func (l *Lane) UnmarshalText(b []byte) error {
	v, err := ParseLane(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
