package httpapi

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
)

// wsTransport adapts a websocket connection to the push transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

// HandleWS handles GET /v1/sync/ws: upgrade, hand the session to the
// supervisor, then pump inbound frames until the peer goes away.
// Authentication happens in-band over the channel, not at upgrade time.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.Cfg.DevMode,
	})
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(1 << 20)

	transport := &wsTransport{conn: conn}
	session, err := s.Supervisor.HandleConnection(r.Context(), transport)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return
	}

	// Read pump. Context stays alive for the connection's lifetime; the
	// supervisor closes the transport on auth/heartbeat failures, which
	// surfaces here as a read error.
	ctx := context.WithoutCancel(r.Context())
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			s.Supervisor.Disconnected(session)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.Supervisor.HandleMessage(ctx, session, data)
	}
}
