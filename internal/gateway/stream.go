package gateway

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamReadLimit   = 1 << 20
	streamBufferSize  = 64
	firstReconnectGap = 5 * time.Second
	laterReconnectGap = 10 * time.Second
)

// InboundMessage is one message received from the Signal network.
type InboundMessage struct {
	Source        string
	Timestamp     int64
	Text          string
	HasAttachment bool
}

type receiveEnvelope struct {
	Envelope struct {
		Source      string `json:"source"`
		Timestamp   int64  `json:"timestamp"`
		DataMessage *struct {
			Message     string            `json:"message"`
			Attachments []json.RawMessage `json:"attachments"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

// Stream is one logical receive subscription. The underlying WebSocket is
// redialed transparently after any failure; the stream only ends when the
// context passed to OpenReceiveStream is cancelled.
type Stream struct {
	messages chan InboundMessage
	done     chan struct{}
}

// Messages yields inbound messages in gateway emission order. The channel is
// closed after shutdown.
func (s *Stream) Messages() <-chan InboundMessage {
	return s.messages
}

// Done is closed once the stream has fully stopped.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// OpenReceiveStream subscribes to inbound messages for the given account
// number. Cancel the context to shut the stream down.
func (c *Client) OpenReceiveStream(ctx context.Context, number string) *Stream {
	stream := &Stream{
		messages: make(chan InboundMessage, streamBufferSize),
		done:     make(chan struct{}),
	}
	go c.runStream(ctx, number, stream)
	return stream
}

func (c *Client) runStream(ctx context.Context, number string, stream *Stream) {
	defer close(stream.done)
	defer close(stream.messages)

	delay := firstReconnectGap
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dialReceive(ctx, number)
		if err != nil {
			c.logger.Warn("gateway receive dial failed",
				zap.Error(err),
				zap.Duration("retry_in", delay))
			if !sleepContext(ctx, delay) {
				return
			}
			delay = laterReconnectGap
			continue
		}

		c.logger.Info("gateway receive stream connected")
		delay = firstReconnectGap
		c.readLoop(ctx, conn, stream)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("gateway receive stream dropped", zap.Duration("retry_in", delay))
		if !sleepContext(ctx, delay) {
			return
		}
		delay = laterReconnectGap
	}
}

func (c *Client) dialReceive(ctx context.Context, number string) (*websocket.Conn, error) {
	endpoint := c.endpoint("/v1/receive/" + url.PathEscape(number))
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}

	conn, response, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(streamReadLimit)
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, stream *Stream) {
	// Unblock the blocking ReadMessage when the context is cancelled.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-readDone:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		message, ok := decodeInbound(payload)
		if !ok {
			continue
		}
		select {
		case stream.messages <- message:
		case <-ctx.Done():
			return
		}
	}
}

// decodeInbound converts a raw gateway frame into an InboundMessage. Frames
// without a data message (receipts, typing indicators) are dropped.
func decodeInbound(payload []byte) (InboundMessage, bool) {
	var envelope receiveEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return InboundMessage{}, false
	}
	source := strings.TrimSpace(envelope.Envelope.Source)
	if source == "" || envelope.Envelope.DataMessage == nil {
		return InboundMessage{}, false
	}
	data := envelope.Envelope.DataMessage
	return InboundMessage{
		Source:        source,
		Timestamp:     envelope.Envelope.Timestamp,
		Text:          data.Message,
		HasAttachment: len(data.Attachments) > 0,
	}, true
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
