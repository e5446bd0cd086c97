package pipeline

import (
	"fmt"

	"pimsync/internal"
	"pimsync/internal/generation"
)

// Gate scores how much source material an item has. The verdict is advisory
// and never blocks generation or commit.
type Gate struct {
	ErrorFloor   int
	WarningFloor int
}

func NewGate(errorFloor, warningFloor int) Gate {
	if warningFloor < errorFloor {
		warningFloor = errorFloor
	}
	return Gate{ErrorFloor: errorFloor, WarningFloor: warningFloor}
}

// Score measures the visible text of source in runes. Plain-text sources
// are counted as written.
func (g Gate) Score(source string) internal.QualityVerdict {
	n := len([]rune(generation.SourceText(source)))
	switch {
	case n == 0:
		return internal.QualityVerdict{Level: internal.QualityError, Message: "source description is empty", SourceLength: 0}
	case n < g.ErrorFloor:
		return internal.QualityVerdict{
			Level:        internal.QualityError,
			Message:      fmt.Sprintf("source description too short (%d chars, minimum %d)", n, g.ErrorFloor),
			SourceLength: n,
		}
	case n < g.WarningFloor:
		return internal.QualityVerdict{
			Level:        internal.QualityWarning,
			Message:      fmt.Sprintf("source description is thin (%d chars, recommended %d)", n, g.WarningFloor),
			SourceLength: n,
		}
	default:
		return internal.QualityVerdict{Level: internal.QualityOK, Message: fmt.Sprintf("%d chars", n), SourceLength: n}
	}
}
