package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobFilterEmptyMatchesEverything(t *testing.T) {
	f, err := NewGlobFilter(nil)
	require.NoError(t, err)

	assert.True(t, f.Match("public", "orders"))
	assert.True(t, f.Match("audit", "events"))
}

func TestGlobFilterBareTableName(t *testing.T) {
	f, err := NewGlobFilter([]string{"orders", "customer*"})
	require.NoError(t, err)

	assert.True(t, f.Match("public", "orders"))
	assert.True(t, f.Match("public", "customers"))
	assert.True(t, f.Match("public", "customer_addresses"))
	assert.False(t, f.Match("public", "products"))
}

func TestGlobFilterQualifiedName(t *testing.T) {
	f, err := NewGlobFilter([]string{"billing.*"})
	require.NoError(t, err)

	assert.True(t, f.Match("billing", "invoices"))
	assert.False(t, f.Match("public", "invoices"))
}

func TestGlobFilterInvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"orders["})
	require.Error(t, err)
}
