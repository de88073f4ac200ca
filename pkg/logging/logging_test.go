package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger_WithAddsContext(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, slog.LevelInfo).With("component", "relay")

	l.Warn("dropped", "reason", "forward_failed", "sequence_id", 7)
	l.Infof("forwarded %d", 3)
	l.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "component=relay")
	assert.Contains(t, out, "reason=forward_failed")
	assert.Contains(t, out, "sequence_id=7")
	assert.Contains(t, out, `msg="forwarded 3"`)
	assert.NotContains(t, out, "hidden")
}

func TestSetLevel(t *testing.T) {
	defer SetLevel(slog.LevelInfo)

	var buf bytes.Buffer
	l := NewLogger(&buf, programLevel)

	l.Debugf("reconnect attempt %d", 1)
	assert.Empty(t, buf.String())

	SetLevel(slog.LevelDebug)
	l.Debugf("reconnect attempt %d", 2)
	assert.Contains(t, buf.String(), "reconnect attempt 2")
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Error("nothing")
	l.With("k", "v").Errorf("still %s", "nothing")
}
