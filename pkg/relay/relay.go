// Package relay is the websocket transport to a WalletConnect relay. It
// keeps topic subscriptions alive across reconnects and delivers inbound
// envelopes on a single channel.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	wq "github.com/Workiva/go-datastructures/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/blokista/walletgate/pkg/logger"
	"github.com/blokista/walletgate/pkg/metrics"
)

const (
	methodSubscribe    = "irn_subscribe"
	methodUnsubscribe  = "irn_unsubscribe"
	methodPublish      = "irn_publish"
	methodSubscription = "irn_subscription"

	writeTimeout = 10 * time.Second
	inboundSize  = 64
	// maxBacklog bounds envelopes read from the socket but not yet taken by
	// the consumer. Beyond it new envelopes are dropped.
	maxBacklog = 4096

	DefaultCallTimeout = 30 * time.Second
)

var (
	ErrNotConnected = errors.New("relay not connected")
	ErrClosed       = errors.New("relay connection closed")
)

// Message is an envelope delivered on a subscribed topic.
type Message struct {
	Topic       string `json:"topic"`
	Message     string `json:"message"`
	PublishedAt int64  `json:"publishedAt"`
	Tag         int    `json:"tag"`
}

type Options struct {
	URL       string
	ProjectID string
	Identity  *Identity
	// Rate and Burst bound inbound deliveries. Zero Rate disables the limit.
	Rate       float64
	Burst      int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// CallTimeout bounds each subscribe, unsubscribe and publish round trip.
	CallTimeout time.Duration
	Metrics     *metrics.Metrics
	Dialer      *websocket.Dialer
}

type frame struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

type subscriptionParams struct {
	ID   string  `json:"id"`
	Data Message `json:"data"`
}

type reply struct {
	result json.RawMessage
	err    error
}

// Client is a relay connection. Subscribe and Publish are safe for
// concurrent use; Run owns the connection.
type Client struct {
	opts    Options
	limiter *rate.Limiter
	inbound chan Message
	// backlog decouples reading the socket from delivery, so replies and
	// acks are read even while the consumer is busy.
	backlog *wq.Queue

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]string // topic -> subscription id
	pending map[int64]chan reply
}

func New(opts Options) *Client {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		inbound: make(chan Message, inboundSize),
		backlog: wq.New(inboundSize),
		subs:    make(map[string]string),
		pending: make(map[int64]chan reply),
	}
}

// Messages delivers inbound envelopes in arrival order.
func (c *Client) Messages() <-chan Message {
	return c.inbound
}

// Run connects and reconnects until ctx is done. Subscriptions are
// re-established on every connect.
func (c *Client) Run(ctx context.Context) error {
	dctx, cancel := context.WithCancel(ctx)
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		c.deliver(dctx)
	}()
	defer func() {
		cancel()
		c.backlog.Dispose()
		<-delivered
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.MinBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0

	op := func() error {
		err := c.connection(ctx, b.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.opts.Metrics.RelayReconnect()
		logger.WarnCF("relay", "Connection lost, reconnecting", map[string]any{
			"error": err.Error(),
			"wait":  wait.String(),
		})
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// connection serves one websocket until it fails.
func (c *Client) connection(ctx context.Context, connected func()) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return backoff.Permanent(err)
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		c.subs[topic] = ""
		topics = append(topics, topic)
	}
	c.mu.Unlock()
	connected()

	logger.InfoCF("relay", "Connected", map[string]any{
		"url":    c.opts.URL,
		"topics": len(topics),
	})

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	go c.resubscribe(ctx, topics)
	err = c.readLoop(conn)

	c.mu.Lock()
	c.conn = nil
	for id, ch := range c.pending {
		ch <- reply{err: ErrClosed}
		delete(c.pending, id)
	}
	c.mu.Unlock()
	conn.Close()
	return err
}

// deliver moves envelopes from the backlog to Messages at the configured
// rate until ctx is done or the backlog is disposed.
func (c *Client) deliver(ctx context.Context) {
	for {
		items, err := c.backlog.Get(1)
		if err != nil {
			return
		}
		m, ok := items[0].(Message)
		if !ok {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		c.opts.Metrics.RelayMessage("in")
		select {
		case c.inbound <- m:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) resubscribe(ctx context.Context, topics []string) {
	for _, topic := range topics {
		if err := c.subscribe(ctx, topic); err != nil {
			logger.WarnCF("relay", "Resubscribe failed", map[string]any{
				"topic": topic,
				"error": err.Error(),
			})
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.DebugCF("relay", "Dropping malformed frame", map[string]any{"error": err.Error()})
			continue
		}

		if f.Method == methodSubscription {
			var p subscriptionParams
			if err := json.Unmarshal(f.Params, &p); err != nil {
				logger.DebugCF("relay", "Dropping malformed subscription", map[string]any{"error": err.Error()})
				continue
			}
			if err := c.write(frame{ID: f.ID, JSONRPC: "2.0", Result: json.RawMessage("true")}); err != nil {
				return err
			}
			if c.backlog.Len() >= maxBacklog {
				c.opts.Metrics.RelayMessage("dropped")
				logger.WarnCF("relay", "Inbound backlog full, dropping envelope", map[string]any{
					"topic": p.Data.Topic,
				})
				continue
			}
			if err := c.backlog.Put(p.Data); err != nil {
				return err
			}
			continue
		}

		if f.Method != "" {
			logger.DebugCF("relay", "Ignoring relay request", map[string]any{"method": f.Method})
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if !ok {
			continue
		}
		if f.Error != nil {
			ch <- reply{err: f.Error}
		} else {
			ch <- reply{result: f.Result}
		}
	}
}

// Subscribe adds topic. When offline the topic is subscribed on the next
// connect.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	if _, ok := c.subs[topic]; !ok {
		c.subs[topic] = ""
	}
	online := c.conn != nil
	c.mu.Unlock()

	if !online {
		return nil
	}
	return c.subscribe(ctx, topic)
}

func (c *Client) subscribe(ctx context.Context, topic string) error {
	raw, err := c.call(ctx, methodSubscribe, map[string]any{"topic": topic})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	var subID string
	if err := json.Unmarshal(raw, &subID); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.subs[topic] = subID
	}
	c.mu.Unlock()
	return nil
}

// Unsubscribe drops topic locally and, when online, at the relay.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	subID, ok := c.subs[topic]
	delete(c.subs, topic)
	online := c.conn != nil
	c.mu.Unlock()

	if !ok || subID == "" || !online {
		return nil
	}
	_, err := c.call(ctx, methodUnsubscribe, map[string]any{"topic": topic, "id": subID})
	return err
}

// Publish sends an encrypted envelope to topic.
func (c *Client) Publish(ctx context.Context, topic, message string, tag int, ttl time.Duration) error {
	_, err := c.call(ctx, methodPublish, map[string]any{
		"topic":   topic,
		"message": message,
		"ttl":     int64(ttl / time.Second),
		"tag":     tag,
		"prompt":  false,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	c.opts.Metrics.RelayMessage("out")
	return nil
}

// Connected reports whether a websocket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Subscribed reports whether topic is subscribed, online or not.
func (c *Client) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[topic]
	return ok
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	id := time.Now().UnixMilli()*1000 + rand.Int64N(1000)
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(frame{ID: id, JSONRPC: "2.0", Method: method, Params: raw}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *Client) write(f frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	if c.opts.ProjectID != "" {
		q.Set("projectId", c.opts.ProjectID)
	}
	if c.opts.Identity != nil {
		aud := (&url.URL{Scheme: u.Scheme, Host: u.Host}).String()
		token, err := c.opts.Identity.Token(aud, time.Now())
		if err != nil {
			return "", err
		}
		q.Set("auth", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
