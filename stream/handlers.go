package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is open on the REST side as well.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Register wires the board stream endpoint on the given Echo instance.
func Register(e *echo.Echo, hub *Hub, auth Authenticator, logger *log.Logger) {
	e.GET("/boards/:boardId/stream", streamBoard(hub, auth, logger))
}

func streamBoard(hub *Hub, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		boardID := c.Param("boardId")
		if boardID == "" {
			return c.String(http.StatusBadRequest, "missing board id")
		}
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		userID, err := auth.UserIDFromAuthHeader(authHeader)
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// Upgrade has already written the error response.
			logger.WithError(err).Debug("websocket upgrade failed")
			return nil
		}
		frames, unsubscribe := hub.Subscribe(boardID)
		l := logger.WithFields(log.Fields{"board": boardID, "user": userID})
		l.Info("board stream opened")
		defer func() {
			unsubscribe()
			_ = conn.Close()
			l.Info("board stream closed")
		}()

		gone := make(chan struct{})
		go readPump(conn, gone)
		writePump(conn, frames, gone, l)
		return nil
	}
}

// readPump discards client messages and keeps the read deadline fresh on pongs.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, frames <-chan []byte, gone <-chan struct{}, l *log.Entry) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case data, ok := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.WithError(err).Debug("board stream write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
