package mqtt5

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	"github.com/nugget/ergoalert/internal/broker"
)

// Subprotocol is the WebSocket subprotocol MQTT brokers expect.
const Subprotocol = "mqtt"

// dial opens a WebSocket to ep and returns it as a byte stream. A
// non-empty proxyURL routes the TCP dial through a SOCKS5 proxy.
func dial(ctx context.Context, ep broker.Endpoint, secure bool, timeout time.Duration, proxyURL string) (net.Conn, error) {
	d := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: timeout,
	}
	if secure {
		d.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: ep.Host,
		}
	}
	if proxyURL != "" {
		cd, err := socksDialer(proxyURL)
		if err != nil {
			return nil, err
		}
		d.NetDialContext = cd.DialContext
	}

	ws, _, err := d.DialContext(ctx, ep.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", ep, err)
	}
	return &wsConn{ws: ws}, nil
}

func socksDialer(raw string) (proxy.ContextDialer, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse socks5 proxy: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("socks5 proxy %q: unsupported scheme %q", u.Redacted(), u.Scheme)
	}
	pd, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %q: %w", u.Redacted(), err)
	}
	cd, ok := pd.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 proxy %q: dialer does not support contexts", u.Redacted())
	}
	return cd, nil
}

// wsConn presents a WebSocket as a net.Conn. MQTT control packets may
// span or share binary frames, so reads stream across message
// boundaries.
type wsConn struct {
	ws  *websocket.Conn
	r   io.Reader
	wmu sync.Mutex
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
