package model

import (
	"fmt"
	"time"
)

// JSONMap represents a generic JSON object
type JSONMap map[string]interface{}

// timeLayouts are tried in order when parsing backend timestamps. Layouts
// without an offset are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime parses a timestamp in any of the shapes the backend emits.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// FormatTime renders t so that ParseTime gives back the same instant and offset.
func FormatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// ConnectionStatus of the realtime channel.
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionReconnecting ConnectionStatus = "reconnecting"
)

// ConnectionStatuses lists every status, used for metric labels.
var ConnectionStatuses = []string{
	string(ConnectionDisconnected),
	string(ConnectionConnected),
	string(ConnectionReconnecting),
}
