package server

import (
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const liveWriteTimeout = 5 * time.Second

var liveUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

func (s *Server) handleReportWS(w http.ResponseWriter, r *http.Request) {
	conn, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.serveLiveConnection(conn)
}

// serveLiveConnection sends the report on connect and again each time its
// modification time changes, until the client goes away.
func (s *Server) serveLiveConnection(conn *websocket.Conn) {
	defer conn.Close()

	var sent time.Time
	push := func() error {
		mod, ok := s.reportModTime()
		if !ok || mod.Equal(sent) {
			return nil
		}
		data, err := os.ReadFile(s.reportPath())
		if err != nil {
			return nil
		}
		sent = mod
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	if err := push(); err != nil {
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ticker.C:
			if err := push(); err != nil {
				s.log.Debug().Err(err).Msg("websocket client dropped")
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) reportModTime() (time.Time, bool) {
	info, err := os.Stat(s.reportPath())
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
