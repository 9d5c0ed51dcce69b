// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturedLine is one Log invocation recorded by captureSink.
type capturedLine struct {
	level   LogLevel
	crumb   Breadcrumb
	message string
}

// captureSink is a [LogSink] recording every delivered line.
type captureSink struct {
	lines []capturedLine
}

var _ LogSink = &captureSink{}

func (cs *captureSink) Log(level LogLevel, crumb Breadcrumb, message string) {
	cs.lines = append(cs.lines, capturedLine{level: level, crumb: crumb, message: message})
}

func TestLoggerLevelFilter(t *testing.T) {
	sink := &captureSink{}
	lx := newLogger(sink, LogWarn, 0)

	lx.errorf("pool: %s", "exhausted")
	lx.warnf("flow %d stalled", 7)
	lx.infof("suppressed info")
	lx.debugf("suppressed debug")

	require.Len(t, sink.lines, 2)
	assert.Equal(t, capturedLine{level: LogError, message: "pool: exhausted"}, sink.lines[0])
	assert.Equal(t, capturedLine{level: LogWarn, message: "flow 7 stalled"}, sink.lines[1])
}

func TestLoggerBreadcrumbMask(t *testing.T) {
	sink := &captureSink{}
	lx := newLogger(sink, LogError, BreadcrumbDNS|BreadcrumbFlow)

	// an enabled breadcrumb bypasses the level filter
	lx.breadcrumb(BreadcrumbDNS, "cache hit for %s", "api.example.com")
	lx.breadcrumb(BreadcrumbFlow, "flow removed: tcp")

	// a disabled category stays silent
	lx.breadcrumb(BreadcrumbPoll, "iteration done")

	require.Len(t, sink.lines, 2)
	assert.Equal(t, capturedLine{
		level:   LogDebug,
		crumb:   BreadcrumbDNS,
		message: "cache hit for api.example.com",
	}, sink.lines[0])
	assert.Equal(t, BreadcrumbFlow, sink.lines[1].crumb)
}

func TestLoggerNilSinkIsSafe(t *testing.T) {
	lx := newLogger(nil, LogDebug, BreadcrumbAll)
	assert.NotPanics(t, func() {
		lx.errorf("dropped on the floor")
		lx.breadcrumb(BreadcrumbDevice, "also dropped")
	})
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "error", LogError.String())
	assert.Equal(t, "warn", LogWarn.String())
	assert.Equal(t, "info", LogInfo.String())
	assert.Equal(t, "debug", LogDebug.String())
	assert.Equal(t, "debug", LogLevel(200).String())
}

func TestBreadcrumbString(t *testing.T) {
	assert.Equal(t, "device", BreadcrumbDevice.String())
	assert.Equal(t, "flow", BreadcrumbFlow.String())
	assert.Equal(t, "dns", BreadcrumbDNS.String())
	assert.Equal(t, "metrics", BreadcrumbMetrics.String())
	assert.Equal(t, "host", BreadcrumbHost.String())
	assert.Equal(t, "poll", BreadcrumbPoll.String())
	assert.Equal(t, "multi", (BreadcrumbDevice | BreadcrumbDNS).String())
}

func TestSlogSinkForwardsLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSlogSink(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	sink.Log(LogError, 0, "pool exhausted")
	sink.Log(LogDebug, BreadcrumbDNS, "cache hit")

	output := buf.String()
	assert.Contains(t, output, "level=ERROR")
	assert.Contains(t, output, "pool exhausted")
	assert.Contains(t, output, "level=DEBUG")
	assert.Contains(t, output, "breadcrumb=dns")
}

func TestEngineLogSinkReceivesLifecycle(t *testing.T) {
	sink := &captureSink{}
	eng := NewEngine(Config{}, EngineOptionLogSink(sink, LogInfo, 0))
	host := &recordingHost{}

	require.NoError(t, eng.Start(host))
	require.NoError(t, eng.Stop())

	require.GreaterOrEqual(t, len(sink.lines), 2)
	assert.Contains(t, sink.lines[0].message, "engine: started")
	assert.Contains(t, sink.lines[len(sink.lines)-1].message, "engine: stopped")
}
