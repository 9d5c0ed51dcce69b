// SPDX-License-Identifier: GPL-3.0-or-later

package netvirt

import (
	"fmt"
	"log/slog"
)

// LogLevel is the severity of a log line handed to the [LogSink].
type LogLevel uint8

// Enumerate the log levels in decreasing order of severity.
const (
	LogError = LogLevel(iota)
	LogWarn
	LogInfo
	LogDebug
)

// String implements [fmt.Stringer].
func (lvl LogLevel) String() string {
	switch lvl {
	case LogError:
		return "error"
	case LogWarn:
		return "warn"
	case LogInfo:
		return "info"
	default:
		return "debug"
	}
}

// Breadcrumb is a bitmask selecting diagnostic categories. The host
// installs a mask once and only receives breadcrumbs whose category
// is enabled in the mask.
type Breadcrumb uint32

// Enumerate the breadcrumb categories.
const (
	// BreadcrumbDevice marks packet-pipeline diagnostics.
	BreadcrumbDevice = Breadcrumb(1 << iota)

	// BreadcrumbFlow marks flow lifecycle diagnostics.
	BreadcrumbFlow

	// BreadcrumbDNS marks DNS interception diagnostics.
	BreadcrumbDNS

	// BreadcrumbMetrics marks counters and stats diagnostics.
	BreadcrumbMetrics

	// BreadcrumbHost marks host-boundary diagnostics.
	BreadcrumbHost

	// BreadcrumbPoll marks poll-loop diagnostics.
	BreadcrumbPoll
)

// BreadcrumbAll enables every breadcrumb category.
const BreadcrumbAll = BreadcrumbDevice | BreadcrumbFlow | BreadcrumbDNS |
	BreadcrumbMetrics | BreadcrumbHost | BreadcrumbPoll

// String implements [fmt.Stringer].
func (crumb Breadcrumb) String() string {
	switch crumb {
	case BreadcrumbDevice:
		return "device"
	case BreadcrumbFlow:
		return "flow"
	case BreadcrumbDNS:
		return "dns"
	case BreadcrumbMetrics:
		return "metrics"
	case BreadcrumbHost:
		return "host"
	case BreadcrumbPoll:
		return "poll"
	default:
		return "multi"
	}
}

// LogSink receives the engine's log lines and breadcrumbs.
//
// Plain log lines carry a zero breadcrumb. Breadcrumbs carry the
// category that produced them and are emitted at [LogDebug].
//
// The sink may be invoked concurrently from the poll loop and from
// any goroutine calling into the engine.
type LogSink interface {
	Log(level LogLevel, crumb Breadcrumb, message string)
}

// logger scopes the sink, level filter, and breadcrumb mask to one
// engine instance so that multiple engines never share mutable state.
type logger struct {
	// sink is where filtered lines are delivered.
	sink LogSink

	// level is the maximum level delivered to the sink.
	level LogLevel

	// mask selects the delivered breadcrumb categories.
	mask Breadcrumb
}

// newLogger creates a [*logger] falling back to a no-op sink.
func newLogger(sink LogSink, level LogLevel, mask Breadcrumb) *logger {
	if sink == nil {
		sink = nopSink{}
	}
	return &logger{
		sink:  sink,
		level: level,
		mask:  mask,
	}
}

func (lx *logger) logf(level LogLevel, format string, v ...any) {
	if level <= lx.level {
		lx.sink.Log(level, 0, fmt.Sprintf(format, v...))
	}
}

func (lx *logger) errorf(format string, v ...any) {
	lx.logf(LogError, format, v...)
}

func (lx *logger) warnf(format string, v ...any) {
	lx.logf(LogWarn, format, v...)
}

func (lx *logger) infof(format string, v ...any) {
	lx.logf(LogInfo, format, v...)
}

func (lx *logger) debugf(format string, v ...any) {
	lx.logf(LogDebug, format, v...)
}

// breadcrumb emits a diagnostic line when crumb is enabled in the mask.
func (lx *logger) breadcrumb(crumb Breadcrumb, format string, v ...any) {
	if lx.mask&crumb != 0 {
		lx.sink.Log(LogDebug, crumb, fmt.Sprintf(format, v...))
	}
}

// nopSink is the [LogSink] used when the host installs none.
type nopSink struct{}

// Ensure that [nopSink] implements [LogSink].
var _ LogSink = nopSink{}

// Log implements [LogSink].
func (nopSink) Log(level LogLevel, crumb Breadcrumb, message string) {
	// nothing
}

// slogSink adapts a [*slog.Logger] to the [LogSink] contract.
type slogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a [LogSink] forwarding to the given [*slog.Logger].
//
// Breadcrumbs are attached as a "breadcrumb" attribute. The engine's
// level filter runs before the sink, so the slog handler typically
// enables all levels and leaves filtering to the engine.
func NewSlogSink(logger *slog.Logger) LogSink {
	return &slogSink{logger: logger}
}

// Ensure that [*slogSink] implements [LogSink].
var _ LogSink = &slogSink{}

// Log implements [LogSink].
func (sx *slogSink) Log(level LogLevel, crumb Breadcrumb, message string) {
	attrs := []any{}
	if crumb != 0 {
		attrs = append(attrs, slog.String("breadcrumb", crumb.String()))
	}
	switch level {
	case LogError:
		sx.logger.Error(message, attrs...)
	case LogWarn:
		sx.logger.Warn(message, attrs...)
	case LogInfo:
		sx.logger.Info(message, attrs...)
	default:
		sx.logger.Debug(message, attrs...)
	}
}
