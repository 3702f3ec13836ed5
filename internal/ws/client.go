package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/codepair/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024

	defaultMessagesPerSecond = 100
	defaultMessageBurst      = 200
	maxRateLimitViolations   = 1000
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
}

// originChecker allows every origin when the list is empty or contains "*".
func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			allowed = nil
			break
		}
	}
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// writeFrame writes one text frame. Only callable while no write pump is
// running for the connection.
func (s *Session) writeFrame(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// reject sends a single error message and a close frame.
func (s *Session) reject(message string) {
	data, err := protocol.Encode(protocol.NewError(message))
	if err == nil {
		if err := s.writeFrame(data); err != nil {
			s.log.Debug().Err(err).Msg("failed to send error message")
		}
	}
	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, message),
		time.Now().Add(writeWait),
	)
}

// writePump drains the participant's queue onto the socket. It owns all
// writes once started and exits when the participant is closed or a write
// fails; either way the socket is closed so the read loop ends too.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	out := s.participant.Outbound()
	for {
		select {
		case message := <-out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				return
			}

		case <-s.participant.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump is the session's only reader. It returns when the connection
// fails or the client abuses the rate limit.
func (s *Session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Msg("websocket error")
			}
			return
		}

		if !s.limiter.Allow() {
			s.hub.metrics.MessageRateLimited()
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				s.log.Warn().Int("warnings", rateLimitWarnings).Msg("rate limit exceeded")
			}
			if rateLimitWarnings > maxRateLimitViolations {
				s.log.Warn().Msg("disconnecting for excessive rate limit violations")
				return
			}
			continue
		}

		msg, err := protocol.Decode(message)
		if err != nil {
			s.hub.metrics.MessageMalformed()
			s.log.Warn().Err(err).Msg("dropping malformed message")
			continue
		}
		s.dispatch(msg)
	}
}
