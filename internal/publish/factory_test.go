package publish

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryUnknownTypeYieldsUnconfigured(t *testing.T) {
	d := NewDestinationFromConfig(Config{ID: "d1", Type: "carrier-pigeon", Enabled: true}, nil)
	require.NotNil(t, d)

	st := d.Status()
	assert.False(t, st.Configured)
	assert.Contains(t, st.LastError, "unknown destination type")
	assert.False(t, d.Publish(Payload{"k": "v"}), "unconfigured destinations refuse sends")
}

func TestFactoryBuildsNullTransport(t *testing.T) {
	d := NewDestinationFromConfig(Config{ID: "d1", Type: "null", Enabled: true}, nil)
	st := d.Status()
	assert.True(t, st.Configured)
	assert.Empty(t, st.LastError)
	assert.True(t, d.Publish(Payload{"k": "v"}))
}
