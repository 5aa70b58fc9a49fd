package chain

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

func (c *WSClient) SubscribeHeads() error {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []string{"newHeads"},
	}
	return c.Conn.WriteJSON(payload)
}

func (c *WSClient) Read() ([]byte, error) {
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// ParseHead extracts the block number from a newHeads notification. ok is
// false for other messages, such as the subscription acknowledgement.
func ParseHead(msg []byte) (number uint64, ok bool, err error) {
	var env struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Number string `json:"number"`
			} `json:"result"`
		} `json:"params"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return 0, false, err
	}
	if env.Error != nil {
		return 0, false, errors.New(env.Error.Message)
	}
	if env.Method != "eth_subscription" || env.Params.Result.Number == "" {
		return 0, false, nil
	}
	n, err := hexutil.DecodeUint64(env.Params.Result.Number)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// HeadWatcher follows new blocks over a websocket subscription so receipt
// polling can run as soon as a block lands instead of on a fixed beat.
type HeadWatcher struct {
	endpoint string
	log      zerolog.Logger

	mu     sync.Mutex
	latest uint64
	next   chan struct{}
}

func NewHeadWatcher(endpoint string, logger zerolog.Logger) *HeadWatcher {
	return &HeadWatcher{
		endpoint: endpoint,
		log:      logger.With().Str("module", "heads").Str("endpoint", endpoint).Logger(),
		next:     make(chan struct{}),
	}
}

func (h *HeadWatcher) Latest() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Next returns a channel that is closed when the next head arrives.
func (h *HeadWatcher) Next() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next
}

func (h *HeadWatcher) observe(number uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if number > h.latest {
		h.latest = number
	}
	close(h.next)
	h.next = make(chan struct{})
}

// Run keeps the subscription alive until ctx is done.
func (h *HeadWatcher) Run(ctx context.Context) {
	if h.endpoint == "" {
		h.log.Info().Msg("head watcher disabled: no websocket endpoint")
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client := NewWSClient(h.endpoint)
		if err := client.Connect(ctx); err != nil {
			h.log.Warn().Err(err).Msg("ws connect failed")
			sleep(ctx, 3*time.Second)
			continue
		}
		h.log.Info().Msg("ws connected")

		if err := client.SubscribeHeads(); err != nil {
			h.log.Warn().Err(err).Msg("ws subscribe failed")
			client.Close()
			sleep(ctx, 3*time.Second)
			continue
		}

		stop := context.AfterFunc(ctx, client.Close)
		for {
			msg, err := client.Read()
			if err != nil {
				if ctx.Err() == nil {
					h.log.Warn().Err(err).Msg("ws read failed")
				}
				client.Close()
				break
			}
			n, ok, err := ParseHead(msg)
			if err != nil {
				h.log.Warn().Err(err).Msg("ws parse failed")
				continue
			}
			if ok {
				h.observe(n)
			}
		}
		stop()
		sleep(ctx, 2*time.Second)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
