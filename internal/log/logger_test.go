package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithComponentTagsEntries(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "test"})
	t.Cleanup(func() { Configure(Config{}) })

	l := WithComponent("call")
	l.Info().Str("call_id", "c1").Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "call", entry["component"])
	require.Equal(t, "test", entry["service"])
	require.Equal(t, "c1", entry["call_id"])
	require.Equal(t, "hello", entry["message"])
}

func TestConfigureIgnoresBadLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "loud", Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	l := Base()
	l.Debug().Msg("hidden")
	require.Zero(t, buf.Len())
}
