package routes

import (
	"net/http"
	"rentals-server/logging"
	"rentals-server/services"
	"rentals-server/utils"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kataras/iris/v12"
	"github.com/sirupsen/logrus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers connect from the frontend origin; the access token is the gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebsocket streams the caller's realtime events until either side
// closes. The access token arrives in the token query parameter.
func ServeWebsocket(ctx iris.Context) {
	userID := utils.CurrentUserID(ctx)
	log := logging.Log.WithFields(logrus.Fields{"user": userID, "remote": utils.ClientIP(ctx)})

	conn, err := upgrader.Upgrade(ctx.ResponseWriter().Naive(), ctx.Request(), nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := services.Hub.Subscribe(userID)
	defer unsubscribe()
	log.Debug("websocket connected")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			log.Debug("websocket disconnected")
			return
		}
	}
}
