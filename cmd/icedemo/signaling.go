package main

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lanikai/iceagent/internal/logging"
)

var sigLog = logging.DefaultLogger.WithTag("signal")

// credentialsWire carries a stream's local ufrag/pwd to the peer.
type credentialsWire struct {
	Ufrag string `json:"ufrag"`
	Pwd   string `json:"pwd"`
}

// candidateWire is a deliberately small JSON shape for one trickled
// candidate: this demo signals directly between two icedemo processes, not
// a browser, so it skips the SDP a=candidate grammar entirely.
type candidateWire struct {
	Kind       string `json:"kind"`
	Address    string `json:"address"`
	Priority   uint32 `json:"priority"`
	Foundation string `json:"foundation"`
	Component  int    `json:"component"`
}

// signalMessage is the single envelope exchanged over the websocket. Exactly
// one of Credentials or Candidate is set, except for "done" which carries
// neither and marks the end of this peer's trickle.
type signalMessage struct {
	Type        string           `json:"type"`
	Credentials *credentialsWire `json:"credentials,omitempty"`
	Candidate   *candidateWire   `json:"candidate,omitempty"`
}

// signalConn is the thin websocket wrapper both signaling roles speak over.
type signalConn struct {
	ws *websocket.Conn
}

func (c *signalConn) Send(msg signalMessage) error {
	return c.ws.WriteJSON(msg)
}

func (c *signalConn) Recv() (signalMessage, error) {
	var msg signalMessage
	err := c.ws.ReadJSON(&msg)
	return msg, err
}

func (c *signalConn) Close() error {
	return c.ws.Close()
}

// listenSignaling waits for the peer to connect to addr over HTTP and
// upgrade to a websocket at /ws, blocking until that happens.
func listenSignaling(addr string) (*signalConn, error) {
	connCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			sigLog.Warn("signal: upgrade failed: %s", err)
			return
		}
		connCh <- ws
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigLog.Info("signal: waiting for peer on %s/ws", addr)
	select {
	case ws := <-connCh:
		return &signalConn{ws: ws}, nil
	case err := <-errCh:
		return nil, err
	}
}

// dialSignaling connects out to a peer already waiting in listenSignaling.
func dialSignaling(url string) (*signalConn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dial %s: %w", url, err)
	}
	return &signalConn{ws: ws}, nil
}
