package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputePartitionsAndScoresSumToOne(t *testing.T) {
	finals := []string{"The answer is 42", "the answer is 42!", "completely different text here"}
	res := Compute(finals)

	seen := make(map[int]bool)
	for _, g := range res.Groups {
		for _, idx := range g {
			assert.False(t, seen[idx], "index %d appeared in more than one group", idx)
			seen[idx] = true
		}
	}
	assert.Len(t, seen, len(finals))

	var total float64
	for _, s := range res.Scores {
		total += s
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestComputeIdenticalFinalsOneGroupTopScoreOne(t *testing.T) {
	finals := []string{"same text", "same text", "same text"}
	res := Compute(finals)
	assert.Len(t, res.Groups, 1)
	assert.InDelta(t, 1.0, TopScore(res.Scores), 1e-9)
}

func TestComputeIsIdempotentOnSameInput(t *testing.T) {
	finals := []string{"apple pie recipe", "banana split", "apple pie recipe variant"}
	a := Compute(finals)
	b := Compute(finals)
	assert.Equal(t, a.Groups, b.Groups)
	assert.Equal(t, a.Scores, b.Scores)
}

func TestComputeEmptyFinals(t *testing.T) {
	res := Compute(nil)
	assert.Empty(t, res.Groups)
	assert.Empty(t, res.Scores)
}

func TestRepresentativesAreFirstInGroup(t *testing.T) {
	finals := []string{"hello world", "totally unrelated", "hello world again extra"}
	res := Compute(finals)
	assert.Equal(t, finals[0], res.Representatives[0].Final)
}

func TestNormalizeTreatsNonAlphanumericPunctuationAsSpace(t *testing.T) {
	// Em-dashes, curly quotes, and ellipses are common in LLM output; none
	// of them are alphanumeric, so they must split tokens rather than
	// become part of one, same as ASCII punctuation would.
	assert.Equal(t, normalize("hello world"), normalize("hello—world"))
	assert.Equal(t, normalize("she said  hi "), normalize("she said “hi”"))
	assert.Equal(t, normalize("wait then go"), normalize("wait…then go"))
}

func TestNormalizeKeepsNonASCIILettersAndDigits(t *testing.T) {
	assert.Equal(t, "café au lait", normalize("Café au lait"))
}
