package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"xchat/internal/model"
	"xchat/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// maxFrameSize fits the largest message envelope, base64 encoded in JSON,
	// with room for routing metadata.
	maxFrameSize = 8 << 10
)

var (
	ErrLinkClosed     = errors.New("peer link closed")
	ErrSendBufferFull = errors.New("peer send buffer full")
)

// link is one websocket connection to a peer. It implements relay.Peer.
type link struct {
	id   string
	conn *websocket.Conn
	send chan *model.Frame

	closed    chan struct{}
	closeOnce sync.Once
}

func newLink(id string, conn *websocket.Conn, buffer int) *link {
	return &link{
		id:     id,
		conn:   conn,
		send:   make(chan *model.Frame, buffer),
		closed: make(chan struct{}),
	}
}

func (l *link) ID() string {
	return l.id
}

// Send queues f without blocking.
func (l *link) Send(f *model.Frame) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}

	select {
	case l.send <- f:
		return nil
	case <-l.closed:
		return ErrLinkClosed
	default:
		return ErrSendBufferFull
	}
}

func (l *link) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
	})
}

// writeLoop is the only writer of the connection.
func (l *link) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer l.Close()

	for {
		select {
		case <-ctx.Done():
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return
		case <-l.closed:
			return
		case f := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteJSON(f); err != nil {
				log.Debug("write frame failed", zap.String("peer", l.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop decodes frames until the connection fails and hands each one to
// handle.
func (l *link) readLoop(handle func(*model.Frame)) {
	defer l.Close()

	l.conn.SetReadLimit(maxFrameSize)
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f model.Frame
		if err := l.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("peer link closed", zap.String("peer", l.id), zap.Error(err))
			}
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(&f)
	}
}
