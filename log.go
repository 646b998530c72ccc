package wapc

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// internalLogger is the nil-safe default used by Host and HostPool for their
// own lifecycle diagnostics (host created/closed, worker spawned/retired,
// busy rejections). It is distinct from the guest-facing Logger/Println/Print
// in engine.go, which exist purely to service the guest's __console_log and
// WASI fd_write imports.
var internalLogger = zerolog.New(io.Discard)

// SetInternalLogger installs the zerolog.Logger used for Host and HostPool
// diagnostics. Passing the zero value disables logging, matching the
// teacher's convention that an unset Logger/Writer is a silent no-op.
func SetInternalLogger(logger zerolog.Logger) {
	internalLogger = logger
}

// ConsoleLogMessage decodes bytes written by the guest to __console_log as
// UTF-8, replacing invalid sequences rather than failing the call — a guest
// encoding bug should not break the protocol — and warns when a replacement
// occurred. Engine implementations call this instead of a bare string
// conversion so the policy lives in one place.
func ConsoleLogMessage(raw []byte) string {
	msg := lossyUTF8(raw)
	if msg.replaced {
		internalLogger.Warn().Msg("__console_log payload was not valid UTF-8; applied lossy replacement")
	}
	return msg.text
}

type decodedText struct {
	text     string
	replaced bool
}

// lossyUTF8 replaces invalid UTF-8 sequences with the replacement character
// and reports whether any replacement was necessary.
func lossyUTF8(raw []byte) decodedText {
	s := string(raw)
	valid := strings.ToValidUTF8(s, "�")
	return decodedText{text: valid, replaced: valid != s}
}
