package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(Config{Level: "info"}) })

	l := Chain("sync", "btc")
	l.Info().Int64("height", 42).Msg("block connected")

	out := buf.String()
	assert.Contains(t, out, `"component":"sync"`)
	assert.Contains(t, out, `"chain":"btc"`)
	assert.Contains(t, out, `"height":42`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, parseLevel("WARNING"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.Disabled, parseLevel("disabled"))
}
