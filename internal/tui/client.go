package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mdrrmo/fieldsync/internal/gateway"
	"github.com/mdrrmo/fieldsync/internal/relay"
)

// Client talks to a running gateway.
type Client struct {
	base string
	http *http.Client

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient targets the gateway at addr ("host:port" or a full URL).
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// Status fetches GET /v1/status.
func (c *Client) Status(ctx context.Context) (gateway.Status, error) {
	var st gateway.Status
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status: HTTP %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&st)
	return st, err
}

func (c *Client) eventsURL() string {
	u, err := url.Parse(c.base + "/v1/events")
	if err != nil {
		return c.base + "/v1/events"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

// Listen streams relay messages to fn until ctx ends or the connection drops.
func (c *Client) Listen(ctx context.Context, fn func(relay.Message)) error {
	conn, _, err := websocket.Dial(ctx, c.eventsURL(), nil)
	if err != nil {
		return fmt.Errorf("connect events: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var m relay.Message
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			return err
		}
		fn(m)
	}
}

// RequestSync asks the daemon for a drain pass over the events connection.
func (c *Client) RequestSync(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return wsjson.Write(ctx, conn, relay.Message{Type: relay.RequestSync})
}
