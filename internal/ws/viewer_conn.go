package ws

import (
	"encoding/json"
	"estatebid/internal/services/auction"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// viewerConn is one websocket joined to one listing. gorilla allows a single
// concurrent writer, so every frame goes through send.
type viewerConn struct {
	ws        *websocket.Conn
	listingID string
	bidder    auction.Bidder

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newViewerConn(raw *websocket.Conn, listingID string, bidder auction.Bidder) *viewerConn {
	return &viewerConn{ws: raw, listingID: listingID, bidder: bidder, done: make(chan struct{})}
}

// send writes an already encoded frame.
func (v *viewerConn) send(frame []byte) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	_ = v.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return v.ws.WriteMessage(websocket.TextMessage, frame)
}

func (v *viewerConn) reply(env Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return v.send(frame)
}

func (v *viewerConn) ping() error {
	return v.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// close may be called from the reader, the pinger and the hub.
func (v *viewerConn) close() {
	v.once.Do(func() {
		close(v.done)
		_ = v.ws.Close()
	})
}
