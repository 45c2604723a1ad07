package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"wsclient/client"
	"wsclient/protocol"
)

// binaryPreview is how many leading bytes of a binary message are printed
const binaryPreview = 32

// formatMessage renders a received message for stdout
func formatMessage(messageType protocol.MessageType, payload []byte) string {
	if messageType == protocol.MessageText {
		return client.ReadString(payload)
	}

	preview := payload
	suffix := ""
	if len(preview) > binaryPreview {
		preview = preview[:binaryPreview]
		suffix = "..."
	}
	return fmt.Sprintf("[%s %d bytes] %s%s", messageType, len(payload), hex.EncodeToString(preview), suffix)
}

// healthHandler reports the connection state as JSON. It answers 503 once the
// connection is no longer open.
func healthHandler(c *client.Client, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if !c.IsOpen() {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		health := map[string]interface{}{
			"status":        status,
			"connection_id": c.ID(),
			"state":         c.State().String(),
			"subprotocol":   c.SubProtocol(),
			"uptime":        time.Since(started).String(),
			"stats":         c.Stats(),
		}
		if u := c.URI(); u != nil {
			health["url"] = u.Redacted()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(health)
	}
}
