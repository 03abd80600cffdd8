package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NoPathIsNoop(t *testing.T) {
	r, closeFn, err := New("")
	require.NoError(t, err)
	defer closeFn()

	info, err := r.Lookup("8.8.8.8")
	require.NoError(t, err)
	assert.False(t, info.Known())
}

func TestNew_MissingDatabase(t *testing.T) {
	_, _, err := New("/nonexistent/GeoLite2-City.mmdb")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open geoip database")
}

func TestMaxMind_ClosedOrPrivate(t *testing.T) {
	m := &MaxMind{}

	_, err := m.Lookup("not-an-ip")
	require.Error(t, err)

	info, err := m.Lookup("10.0.0.1")
	require.NoError(t, err)
	assert.False(t, info.Known())

	info, err = m.Lookup("8.8.8.8")
	require.NoError(t, err)
	assert.False(t, info.Known())
	require.NoError(t, m.Close())
}
