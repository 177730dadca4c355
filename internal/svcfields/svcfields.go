package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// WithResource tags logger with the group, kind and id of a resource. Empty
// values are omitted so the helper also fits kind-level loggers.
func WithResource(logger pslog.Logger, group, kind, id string) pslog.Logger {
	logger = EnsureLogger(logger)
	fields := make([]any, 0, 6)
	for _, kv := range [...][2]string{{"group", group}, {"kind", kind}, {"resource_id", id}} {
		if kv[1] != "" {
			fields = append(fields, kv[0], kv[1])
		}
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// EnsureLogger returns l when non-nil, otherwise a logger that discards
// everything.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}
