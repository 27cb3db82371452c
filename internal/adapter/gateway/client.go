package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/moe-serifu-circle/moe-serifu-agent/internal/domain"
)

const clientEventBuffer = 256

// ErrClientClosed is returned by calls on a closed or disconnected Client.
var ErrClientClosed = errors.New("gateway client closed")

// RemoteError is an error response from the gateway. It unwraps to the
// domain sentinel matching Code, so errors.Is works across the wire.
type RemoteError struct {
	Method  string
	Code    domain.ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Method, e.Message, e.Code)
}

func (e *RemoteError) Unwrap() error { return domain.SentinelOf(e.Code) }

// Client is a WebSocket client of the gateway. It multiplexes RPC calls
// over one connection and delivers relayed events on Events.
type Client struct {
	ws    *websocket.Conn
	hello Hello

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan Frame

	events  chan domain.Metadata
	dropped atomic.Uint64

	done    chan struct{}
	errOnce sync.Once
	err     error
	cancel  context.CancelFunc
}

// Dial connects to the gateway WebSocket at url (ws://host:port/ws) and
// waits for the hello frame.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, domain.NewDomainError("gateway.Dial", domain.ErrGatewayAuthFailed, url)
		}
		return nil, fmt.Errorf("gateway dial: %w", err)
	}
	ws.SetReadLimit(1 << 20)

	var f Frame
	if err := wsjson.Read(ctx, ws, &f); err != nil {
		ws.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("gateway hello: %w", err)
	}
	var hello Hello
	if f.Type != FrameTypeHello || json.Unmarshal(f.Payload, &hello) != nil {
		ws.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("gateway hello: unexpected %q frame", f.Type)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ws:      ws,
		hello:   hello,
		pending: make(map[uint64]chan Frame),
		events:  make(chan domain.Metadata, clientEventBuffer),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go c.readLoop(readCtx)
	return c, nil
}

// ID is the client id the gateway assigned to this connection.
func (c *Client) ID() string { return c.hello.ClientID }

// Name is the token name the gateway authenticated.
func (c *Client) Name() string { return c.hello.Name }

// Events delivers relayed events. It is closed when the connection ends.
// Events are dropped while the channel is full.
func (c *Client) Events() <-chan domain.Metadata { return c.events }

// Dropped counts events discarded because Events was full.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended, if it has.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Call invokes method with params and decodes the result into out, which
// may be nil.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	var payload json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		payload = b
	}

	id := c.nextID.Add(1)
	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, Frame{Type: FrameTypeRequest, ID: id, Method: method, Payload: payload}); err != nil {
		return err
	}

	select {
	case f := <-ch:
		if f.Error != "" {
			return &RemoteError{Method: method, Code: domain.ErrorCode(f.Code), Message: f.Error}
		}
		if out == nil || len(f.Payload) == 0 {
			return nil
		}
		return json.Unmarshal(f.Payload, out)
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fire sends an event record to the gateway without waiting for a reply.
func (c *Client) Fire(ctx context.Context, md domain.Metadata) error {
	b, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.write(ctx, Frame{Type: FrameTypeEvent, Payload: b})
}

// Status fetches the gateway status snapshot.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var st StatusResponse
	err := c.Call(ctx, "status.get", nil, &st)
	return st, err
}

// Close ends the connection.
func (c *Client) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	c.fail(ErrClientClosed)
	return err
}

func (c *Client) write(ctx context.Context, f Frame) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	if err := wsjson.Write(ctx, c.ws, f); err != nil {
		return fmt.Errorf("gateway write: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.events)
	for {
		var f Frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			c.fail(err)
			return
		}
		switch f.Type {
		case FrameTypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case FrameTypeEvent:
			var md domain.Metadata
			if err := json.Unmarshal(f.Payload, &md); err != nil {
				continue
			}
			select {
			case c.events <- md:
			default:
				c.dropped.Add(1)
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.errOnce.Do(func() {
		c.err = err
		c.cancel()
		close(c.done)
	})
}
