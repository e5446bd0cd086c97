package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"pimsync/internal"
)

func TestScoreBoundaries(t *testing.T) {
	g := NewGate(100, 300)
	cases := []struct {
		name   string
		source string
		level  internal.QualityLevel
		length int
	}{
		{"empty", "", internal.QualityError, 0},
		{"whitespace", "   \n\t", internal.QualityError, 0},
		{"tags only", "<p> </p>", internal.QualityError, 0},
		{"just below error floor", strings.Repeat("a", 99), internal.QualityError, 99},
		{"at error floor", strings.Repeat("a", 100), internal.QualityWarning, 100},
		{"just below warning floor", strings.Repeat("a", 299), internal.QualityWarning, 299},
		{"at warning floor", strings.Repeat("a", 300), internal.QualityOK, 300},
		{"long", strings.Repeat("a", 1200), internal.QualityOK, 1200},
		{"runes not bytes", strings.Repeat("ż", 100), internal.QualityWarning, 100},
		{"markup not counted", "<p>" + strings.Repeat("a", 99) + "</p>", internal.QualityError, 99},
		{"plain text with a stray angle", "Suitable for kids aged 3<age and adults " + strings.Repeat("a", 300), internal.QualityOK, 340},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := g.Score(tc.source)
			assert.Equal(t, tc.level, v.Level)
			assert.Equal(t, tc.length, v.SourceLength)
			assert.NotEmpty(t, v.Message)
		})
	}
}

func TestNewGateClampsInvertedFloors(t *testing.T) {
	g := NewGate(200, 50)
	assert.Equal(t, 200, g.WarningFloor)
	assert.Equal(t, internal.QualityOK, g.Score(strings.Repeat("a", 200)).Level)
}
