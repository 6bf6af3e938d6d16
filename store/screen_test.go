package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScreenNoFalseNegatives(t *testing.T) {
	s := NewScreen(1000)
	for i := 0; i < 1000; i++ {
		s.Add(CompositeID(fmt.Sprintf("m%d@acme", i), "acme", "widgetco"))
	}
	assert.Equal(t, uint64(1000), s.Len())

	for i := 0; i < 1000; i++ {
		assert.True(t, s.MaybeContains(CompositeID(fmt.Sprintf("m%d@acme", i), "acme", "widgetco")))
	}
}

func TestScreenFalsePositiveRate(t *testing.T) {
	s := NewScreen(1000)
	for i := 0; i < 1000; i++ {
		s.Add(fmt.Sprintf("seen-%d", i))
	}

	hits := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if s.MaybeContains(fmt.Sprintf("unseen-%d", i)) {
			hits++
		}
	}
	// Ten bits per key keeps the rate around 1%; allow generous slack.
	assert.Less(t, hits, probes/20, "false positive rate too high: %d/%d", hits, probes)
}

func TestScreenDistinguishesRelations(t *testing.T) {
	s := NewScreen(16)
	s.Add(CompositeID("m1@acme", "acme", "widgetco"))

	assert.True(t, s.MaybeContains(CompositeID("m1@acme", "acme", "widgetco")))
	assert.False(t, s.MaybeContains(CompositeID("m1@acme", "acme", "globex")))
	assert.False(t, s.MaybeContains(CompositeID("m2@acme", "acme", "widgetco")))
}
