package amqp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const maxReconnectDelay = 30 * time.Second

// Connection wraps an AMQP connection and redials it when the server drops it.
type Connection struct {
	url string

	mu          sync.RWMutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	closed      bool
	closedCh    chan struct{}
	reconnected chan struct{}
}

// Dial connects to url and starts watching the connection.
func Dial(url string) (*Connection, error) {
	c := &Connection{
		url:         url,
		closedCh:    make(chan struct{}),
		reconnected: make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.watch()
	return c, nil
}

func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	log.Info().Msg("connected to amqp broker")
	return nil
}

func (c *Connection) watch() {
	for {
		c.mu.RLock()
		if c.closed {
			c.mu.RUnlock()
			return
		}
		conn := c.conn
		c.mu.RUnlock()

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closedCh:
			return
		case err := <-notify:
			if err != nil {
				log.Warn().Err(err).Msg("amqp connection closed")
			}
			if !c.reconnect() {
				return
			}
		}
	}
}

// reconnect redials with exponential delay. It returns false once the
// connection has been closed by the caller.
func (c *Connection) reconnect() bool {
	delay := time.Second
	for {
		select {
		case <-c.closedCh:
			return false
		case <-time.After(delay):
		}

		if err := c.connect(); err != nil {
			log.Warn().Err(err).Dur("delay", delay).Msg("amqp reconnect failed")
			delay = min(delay*2, maxReconnectDelay)
			continue
		}

		c.mu.Lock()
		close(c.reconnected)
		c.reconnected = make(chan struct{})
		c.mu.Unlock()
		log.Info().Msg("reconnected to amqp broker")
		return true
	}
}

// Reconnected returns a channel that is closed after the next successful
// reconnect.
func (c *Connection) Reconnected() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnected
}

// Channel returns the shared publishing channel, reopening it if a channel
// level error closed it.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("amqp connection closed")
	}
	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}
	if c.conn == nil || c.conn.IsClosed() {
		return nil, errors.New("no channel available")
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	c.channel = ch
	return ch, nil
}

// OpenChannel opens a dedicated channel, used by consumers so their Qos and
// delivery tags are independent of publishing.
func (c *Connection) OpenChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	closed := c.closed
	c.mu.RUnlock()
	if closed || conn == nil || conn.IsClosed() {
		return nil, errors.New("amqp connection unavailable")
	}
	return conn.Channel()
}

func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
