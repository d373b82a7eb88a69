package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestWithRegionAddsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "debug", false)
	defer Init("info", false)

	WithRegion("pipeline", "lyrics").Info().Msg("tick")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "pipeline", entry["component"])
	assert.Equal(t, "lyrics", entry["region"])
	assert.Equal(t, "tick", entry["message"])
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, "info", false)
	defer Init("info", false)

	WithComponent("test").Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	SetLevel("debug")
	WithComponent("test").Debug().Msg("shown")
	assert.NotZero(t, buf.Len())
}
