package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pysugar/session-nexus/internal/auth/correlator"
	"github.com/pysugar/session-nexus/internal/gateway"
	"github.com/pysugar/session-nexus/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// inbound is one received message with its frame type.
type inbound struct {
	data   []byte
	binary bool
}

// frameCodec sends every outbound frame as binary and keeps the payload type
// of inbound frames so text frames can be told apart.
var frameCodec = websocket.Codec{
	Marshal: func(v any) ([]byte, byte, error) {
		b, ok := v.([]byte)
		if !ok {
			return nil, 0, fmt.Errorf("session frame must be []byte, got %T", v)
		}
		return b, websocket.BinaryFrame, nil
	},
	Unmarshal: func(data []byte, payloadType byte, v any) error {
		in, ok := v.(*inbound)
		if !ok {
			return fmt.Errorf("session frame target must be *inbound, got %T", v)
		}
		in.data = data
		in.binary = payloadType == websocket.BinaryFrame
		return nil
	},
}

// wsSender writes frames to one socket with a deadline per frame.
type wsSender struct {
	ws      *websocket.Conn
	timeout time.Duration
}

func (s *wsSender) Send(frame []byte) error {
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	return frameCodec.Send(s.ws, frame)
}

// sessionHandler upgrades to the session channel. A request without a
// correlator cookie gets one in the handshake response.
func (s *Server) sessionHandler() http.Handler {
	return websocket.Server{
		Handshake: s.handshake,
		Handler:   s.serveSession,
	}
}

func (s *Server) handshake(cfg *websocket.Config, r *http.Request) error {
	if correlator.FromRequest(r).Correlator != "" {
		return nil
	}
	value, err := correlator.Generate()
	if err != nil {
		return err
	}
	cookie := s.cookies.Correlator(value)
	if cfg.Header == nil {
		cfg.Header = make(http.Header)
	}
	cfg.Header.Add("Set-Cookie", cookie.String())
	r.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	return nil
}

func (s *Server) serveSession(ws *websocket.Conn) {
	defer ws.Close()
	ws.MaxPayloadBytes = maxFrameBytes

	r := ws.Request()
	hs := correlator.FromRequest(r)
	ctx := context.WithoutCancel(r.Context())

	conn, err := s.gw.Connect(ctx, gateway.Peer{
		Correlator:  hs.Correlator,
		ResumeToken: hs.ResumeToken,
		RemoteAddr:  r.RemoteAddr,
		UserAgent:   r.UserAgent(),
		Sender:      &wsSender{ws: ws, timeout: s.writeTimeout},
	})
	if err != nil {
		s.log.Warn("session refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	defer s.gw.Disconnect(ctx, conn)

	for {
		var in inbound
		if err := frameCodec.Receive(ws, &in); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				// the oversized frame has been skipped
				metrics.Anomalies.WithLabelValues("oversized_frame").Inc()
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.log.Debug("session read ended", zap.String("conn", conn.ID), zap.Error(err))
			}
			return
		}
		s.gw.HandleMessage(ctx, conn, in.data, in.binary)
	}
}
