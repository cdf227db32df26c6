package driver

import (
	"log/slog"
	"strings"

	"github.com/gocql/gocql"
)

// Consistency is the required replica agreement for a statement.
type Consistency int

const (
	Any Consistency = iota
	One
	Two
	Three
	Quorum
	All
	LocalQuorum
	EachQuorum
	LocalOne
)

var consistencyNames = map[Consistency]string{
	Any:         "ANY",
	One:         "ONE",
	Two:         "TWO",
	Three:       "THREE",
	Quorum:      "QUORUM",
	All:         "ALL",
	LocalQuorum: "LOCAL_QUORUM",
	EachQuorum:  "EACH_QUORUM",
	LocalOne:    "LOCAL_ONE",
}

func (c Consistency) String() string {
	if name, ok := consistencyNames[c]; ok {
		return name
	}
	return "ONE"
}

// ParseConsistency maps a consistency-level name to its enum value.
// Matching is case-insensitive. Unknown names fall back to ONE with a
// warning rather than failing the probe run.
func ParseConsistency(s string) Consistency {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for level, name := range consistencyNames {
		if name == upper {
			return level
		}
	}
	slog.Warn("unknown consistency level, using ONE", "value", s)
	return One
}

func (c Consistency) gocql() gocql.Consistency {
	switch c {
	case Any:
		return gocql.Any
	case Two:
		return gocql.Two
	case Three:
		return gocql.Three
	case Quorum:
		return gocql.Quorum
	case All:
		return gocql.All
	case LocalQuorum:
		return gocql.LocalQuorum
	case EachQuorum:
		return gocql.EachQuorum
	case LocalOne:
		return gocql.LocalOne
	default:
		return gocql.One
	}
}
