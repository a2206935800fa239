// comfyfleet schedules image-generation workflows across a fleet of ComfyUI servers.
// Copyright (C) 2025 comfyfleet contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package serverclient

import (
	"context"
	"fmt"
	"time"

	"nhooyr.io/websocket"
)

// EventMessage is one inbound frame off the event channel, tagged so the
// Session doesn't need to re-inspect the websocket message type.
type EventMessage struct {
	Binary bool
	Data   []byte
}

// EventChannel is the event-channel half of a Session's connection to one
// ComfyUI server: the /ws?clientId=... socket carrying status/progress JSON
// and binary preview frames.
type EventChannel struct {
	conn *websocket.Conn
}

// DialEventChannel opens the event channel for clientID. The caller owns the
// returned EventChannel's lifetime and must Close it.
func DialEventChannel(ctx context.Context, c Client, clientID string, handshakeTimeout time.Duration) (*EventChannel, error) {
	dialCtx := ctx
	var cancel context.CancelFunc
	if handshakeTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}
	conn, _, err := websocket.Dial(dialCtx, c.WebSocketURL(clientID), nil)
	if err != nil {
		return nil, fmt.Errorf("dial event channel: %w", err)
	}
	conn.SetReadLimit(64 << 20) // previews can be large JPEG/PNG blobs
	return &EventChannel{conn: conn}, nil
}

// Read blocks for the next frame. It returns an error when the connection is
// closed or the context is cancelled; the caller (Session) interprets any
// error as a disconnect and drives reconnection.
func (e *EventChannel) Read(ctx context.Context) (EventMessage, error) {
	typ, data, err := e.conn.Read(ctx)
	if err != nil {
		return EventMessage{}, err
	}
	return EventMessage{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

// WriteText sends a JSON text message, used for the feature-flags handshake.
func (e *EventChannel) WriteText(ctx context.Context, data []byte) error {
	return e.conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the underlying socket with a normal-closure status.
func (e *EventChannel) Close() error {
	return e.conn.Close(websocket.StatusNormalClosure, "session closed")
}

// CloseWithError closes the socket abnormally, used when the Session is
// abandoning the connection due to a protocol violation rather than a clean
// shutdown.
func (e *EventChannel) CloseWithError(reason string) error {
	return e.conn.Close(websocket.StatusInternalError, reason)
}
