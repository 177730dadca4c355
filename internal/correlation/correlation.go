package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
	"pkt.systems/pslog"
)

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

// LogKey is the field name correlation ids are logged under.
const LogKey = pslog.TrustedString("cid")

type contextKey struct{}

// Set records the correlation ID on ctx. Invalid identifiers are ignored.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// Ensure returns ctx carrying a correlation id, generating one when absent.
func Ensure(ctx context.Context) context.Context {
	if Has(ctx) {
		return ctx
	}
	return Set(ctx, Generate())
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize validates and canonicalizes an external correlation identifier.
// It returns the normalized ID and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new correlation identifier.
func Generate() string {
	return xid.New().String()
}

// Logger returns logger annotated with the correlation id on ctx, if any.
func Logger(ctx context.Context, logger pslog.Logger) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if id := ID(ctx); id != "" {
		return logger.With(LogKey, id)
	}
	return logger
}
