package transport

import (
	"context"
	"errors"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/model"
)

// Events subscribes to the server's sync event stream and calls fn for each
// event until ctx ends or the server closes the stream.
func (c *Client) Events(ctx context.Context, fn func(model.SyncEvent)) error {
	wsURL := c.baseURL + "/api/events"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return model.NewTransportError("dial events", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var ev model.SyncEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return model.NewTransportError("read event", err)
		}
		fn(ev)
	}
}
