package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/entitlesync/pkg/billing"
)

var _ billing.Logger = (*Logger)(nil)

func TestLogger_WritesFields(t *testing.T) {
	var out bytes.Buffer
	logger := NewLogger(zerolog.New(&out))

	logger.Warn("event references unknown subscription",
		billing.F("subscription_ref", "sub_1"),
		billing.F("error", errors.New("boom")),
	)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "event references unknown subscription", line["message"])
	assert.Equal(t, "sub_1", line["subscription_ref"])
	assert.Equal(t, "boom", line["error"])
}

func TestLogger_RespectsLevel(t *testing.T) {
	var out bytes.Buffer
	logger := NewLogger(zerolog.New(&out).Level(zerolog.InfoLevel))

	logger.Debug("hidden")
	assert.Zero(t, out.Len(), "debug must be filtered at info level")

	logger.Info("shown")
	logger.Error("also shown")
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("\n")))
}
