package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	moltpay "github.com/molt-pay/molt-pay-go"
)

// OutboundPrefix marks handshake text written by the console messenger
const OutboundPrefix = "[GATEWAY_OUTBOUND]: "

// ErrConsoleBusy is returned when a second handshake waits on the console
// while another one holds it
var ErrConsoleBusy = errors.New("console is awaiting another reply")

// ConsoleMessenger prints handshake messages and reads the principal's
// reply one line at a time. It suits a single operator at a terminal
//
// A line only answers the handshake waiting in Receive when it is read
// Lines read while nothing waits are dropped, so a late reply never carries
// over to the next handshake
type ConsoleMessenger struct {
	out    io.Writer
	in     *bufio.Scanner
	logger *zap.SugaredLogger

	mu      sync.Mutex
	count   int
	waiter  chan string
	waitFor string
	eof     bool

	startOnce sync.Once
}

// NewConsoleMessenger creates a messenger writing to out and reading from in
// A nil logger discards dropped-line reports
func NewConsoleMessenger(in io.Reader, out io.Writer, logger *zap.Logger) *ConsoleMessenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsoleMessenger{
		out:    out,
		in:     bufio.NewScanner(in),
		logger: logger.Sugar(),
	}
}

// Send implements moltpay.Messenger
func (m *ConsoleMessenger) Send(_ context.Context, msg moltpay.OutboundMessage) (moltpay.DeliveryAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := fmt.Fprintf(m.out, "%s%s\n", OutboundPrefix, msg.Text); err != nil {
		return moltpay.DeliveryAck{}, err
	}
	m.count++
	return moltpay.DeliveryAck{
		MessageID:   fmt.Sprintf("console-%d", m.count),
		DeliveredAt: time.Now(),
	}, nil
}

// Receive implements moltpay.ReplySource. The first line read after the call
// is the reply; end of input counts as silence
func (m *ConsoleMessenger) Receive(ctx context.Context, paymentID string) (string, error) {
	m.mu.Lock()
	if m.waiter != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrConsoleBusy, m.waitFor)
	}
	if m.eof {
		m.mu.Unlock()
		<-ctx.Done()
		return "", ctx.Err()
	}
	ch := make(chan string, 1)
	m.waiter, m.waitFor = ch, paymentID
	m.mu.Unlock()

	m.startOnce.Do(func() { go m.readLines() })

	select {
	case line, ok := <-ch:
		if ok {
			return strings.TrimSpace(line), nil
		}
		<-ctx.Done()
		return "", ctx.Err()
	case <-ctx.Done():
		m.mu.Lock()
		if m.waiter == ch {
			m.waiter, m.waitFor = nil, ""
		}
		m.mu.Unlock()
		return "", ctx.Err()
	}
}

// Waiting reports whether a handshake is currently waiting for a line
func (m *ConsoleMessenger) Waiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiter != nil
}

func (m *ConsoleMessenger) readLines() {
	for m.in.Scan() {
		m.dispatch(m.in.Text())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.eof = true
	if m.waiter != nil {
		close(m.waiter)
		m.waiter, m.waitFor = nil, ""
	}
}

func (m *ConsoleMessenger) dispatch(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiter == nil {
		m.logger.Warnw("console_reply_dropped", "reason", "no pending handshake", "length", len(line))
		return
	}
	m.waiter <- line
	m.waiter, m.waitFor = nil, ""
}
