package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
)

// BridgeWriter adapts slog to io.Writer for code that only accepts a
// stdlib *log.Logger, such as http.Server.ErrorLog. A leading "[CATEGORY] "
// becomes the component field; "http: " prefixes from net/http are kept in
// the message.
type BridgeWriter struct {
	logger    *slog.Logger
	component string
	level     slog.Level
}

// NewBridgeWriter creates a writer that forwards each write as one record.
// defaultComponent is used when no [CATEGORY] prefix is found.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{
		logger:    Logger(),
		component: defaultComponent,
		level:     slog.LevelWarn,
	}
}

// Write implements io.Writer.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}
	msg = stripLogTimestamp(msg)

	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = strings.ToLower(msg[1:idx])
			msg = msg[idx+2:]
		}
	}
	component = canonicalComponent(component)

	bw.logger.Log(context.Background(), bw.level, msg, slog.String("component", component))
	return n, nil
}

// stripLogTimestamp removes the prefix added by log.Ltime or
// log.Ltime|log.Lmicroseconds.
func stripLogTimestamp(s string) string {
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

// canonicalComponent maps free-form prefixes onto the component constants.
func canonicalComponent(cat string) string {
	switch cat {
	case "ps", "proc", "scan":
		return CompScan
	case "tmux", "mux":
		return CompTmux
	case "http", "ws", "termserve", "web":
		return CompWeb
	case "start", "stop", "spawn", "health", "lifecycle":
		return CompLifecycle
	case "registry", "store":
		return CompRegistry
	case "sqlite", "statedb", "storage":
		return CompStorage
	case "identify", "fuzzy":
		return CompIdentify
	default:
		return cat
	}
}
