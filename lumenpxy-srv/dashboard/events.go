package dashboard

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPingPeriod = 30 * time.Second
	eventsBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// serveEvents streams every stored connection record to a websocket client
// as one JSON text message per record.
func (p *Portal) serveEvents(w http.ResponseWriter, r *http.Request) {
	if p.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "Live events are not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("Websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	sub := p.hub.Subscribe(eventsBuffer)
	defer sub.Close()
	logger.Debug("Event stream opened for %s (%d subscribers)", r.RemoteAddr, p.hub.Subscribers())

	// The client never sends data; reading only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case rec, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(rec); err != nil {
				logger.Debug("Event stream to %s ended: %v", r.RemoteAddr, err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return
			}
		case <-closed:
			logger.Debug("Event stream closed by %s", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		}
	}
}
