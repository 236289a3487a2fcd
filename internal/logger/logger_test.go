package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "debug", "json")
	log.WithField("primary_id", 7).Debug("Reconciled contact")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Reconciled contact", entry["msg"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, float64(7), entry["primary_id"])
	assert.NotEmpty(t, entry["time"])
}

func TestNewWithOutput_Text(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "info", "text")
	log.Info("Server starting")
	assert.Contains(t, buf.String(), `msg="Server starting"`)
}

func TestNewWithOutput_LevelFallback(t *testing.T) {
	log := NewWithOutput(&bytes.Buffer{}, "chatty", "json")
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())

	log = NewWithOutput(&bytes.Buffer{}, "warn", "json")
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())
}
