package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCriterion(t *testing.T) {
	t.Parallel()

	c, err := ParseCriterion(" Trials ")
	require.NoError(t, err)
	assert.Equal(t, CriterionTrials, c)

	_, err = ParseCriterion("mortality")
	assert.Error(t, err)
}

func TestParseCriteria(t *testing.T) {
	t.Parallel()

	t.Run("empty yields all", func(t *testing.T) {
		t.Parallel()
		got, err := ParseCriteria("")
		require.NoError(t, err)
		assert.Equal(t, AllCriteria(), got)
	})

	t.Run("dedupes and keeps order", func(t *testing.T) {
		t.Parallel()
		got, err := ParseCriteria("gene, trials,gene,")
		require.NoError(t, err)
		assert.Equal(t, []Criterion{CriterionGene, CriterionTrials}, got)
	})

	t.Run("unknown fails", func(t *testing.T) {
		t.Parallel()
		_, err := ParseCriteria("gene,bogus")
		assert.Error(t, err)
	})
}

func TestAllCriteria_ReturnsCopy(t *testing.T) {
	t.Parallel()

	a := AllCriteria()
	a[0] = "mutated"
	assert.Equal(t, CriterionPrevalence, AllCriteria()[0])
	assert.Len(t, a, 6)
}
