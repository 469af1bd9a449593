package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"api_tokensale/internal/sales"
)

const writeWait = 5 * time.Second

// saleInfoSource produces the snapshots pushed to subscribers.
type saleInfoSource interface {
	SaleInfo(ctx context.Context) (sales.SaleInfo, error)
}

// SaleInfoBroadcaster pushes sale-info snapshots to websocket subscribers on
// a fixed interval.
type SaleInfoBroadcaster struct {
	source   saleInfoSource
	interval time.Duration
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSaleInfoBroadcaster creates a broadcaster reading from source.
func NewSaleInfoBroadcaster(source saleInfoSource, interval time.Duration, logger *zap.Logger) *SaleInfoBroadcaster {
	return &SaleInfoBroadcaster{
		source:   source,
		interval: interval,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]struct{}),
	}
}

// Start begins the broadcast loop.
func (b *SaleInfoBroadcaster) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.broadcast(ctx)
			}
		}
	}()
}

// Stop ends the loop and closes every subscriber.
func (b *SaleInfoBroadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		c.Close()
		delete(b.clients, c)
	}
}

func (b *SaleInfoBroadcaster) broadcast(ctx context.Context) {
	b.mu.Lock()
	n := len(b.clients)
	b.mu.Unlock()
	if n == 0 {
		return
	}

	info, err := b.source.SaleInfo(ctx)
	if err != nil {
		b.logger.Warn("sale info snapshot failed", zap.Error(err))
		return
	}

	// Writes run outside the lock and in parallel so a slow subscriber
	// delays neither the others nor new connections.
	var wg sync.WaitGroup
	for _, c := range b.subscribers() {
		wg.Add(1)
		go func(c *websocket.Conn) {
			defer wg.Done()
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteJSON(info); err != nil {
				b.logger.Debug("websocket write failed, dropping subscriber", zap.Error(err))
				b.drop(c)
			}
		}(c)
	}
	wg.Wait()
}

func (b *SaleInfoBroadcaster) subscribers() []*websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()

	conns := make([]*websocket.Conn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	return conns
}

func (b *SaleInfoBroadcaster) drop(c *websocket.Conn) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	c.Close()
}

// Handle upgrades the request and sends the current snapshot immediately.
func (b *SaleInfoBroadcaster) Handle(ctx *gin.Context) {
	conn, err := b.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	info, err := b.source.SaleInfo(ctx.Request.Context())
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteJSON(info)
	}
	if err != nil {
		b.logger.Warn("initial sale info snapshot failed", zap.Error(err))
		conn.Close()
		return
	}

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()

	// Reads only detect the peer going away.
	go func() {
		defer b.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
