package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryComparisonSQLShape(t *testing.T) {
	sql := registryComparisonSQL(false)

	// both branches compute similarity as 1 - cosine distance
	assert.Equal(t, 2, strings.Count(sql, "<=> $1"))
	assert.Contains(t, sql, "UNION ALL")

	// contributor branch filters
	assert.Contains(t, sql, "c.opted_out = false")
	assert.Contains(t, sql, "c.suspended = false")
	assert.NotContains(t, sql, "is_primary")

	// registry branch filters
	assert.Contains(t, sql, "ri.embedding IS NOT NULL")
	assert.Contains(t, sql, "ri.embedding_status = 'processed'")
	assert.Contains(t, sql, "ri.status IN ('claimed', 'verified')")

	// global threshold, ordering, and top-K
	assert.Contains(t, sql, "WHERE similarity > $2")
	assert.Contains(t, sql, "ORDER BY similarity DESC")
	assert.Contains(t, sql, "LIMIT $3")
}

func TestRegistryComparisonSQLPrimaryOnly(t *testing.T) {
	sql := registryComparisonSQL(true)
	assert.Contains(t, sql, "ce.is_primary = true")

	// the primary filter belongs to the contributor branch, before the union
	primaryIdx := strings.Index(sql, "is_primary")
	unionIdx := strings.Index(sql, "UNION ALL")
	assert.Less(t, primaryIdx, unionIdx)
}

func TestPhashArg(t *testing.T) {
	assert.Nil(t, phashArg(nil))

	h := uint64(0xDEADBEEFCAFEF00D)
	got := phashArg(&h)
	assert.NotNil(t, got)
	assert.Equal(t, int64(h), *got)
}
