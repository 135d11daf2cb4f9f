package network

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultBufferSize is the datagram read buffer; it must exceed chunk size plus MaxHeaderSize.
	DefaultBufferSize = 2048
	// socketReadBuffer is the kernel receive buffer requested for data sockets.
	socketReadBuffer = 4 * 1024 * 1024
)

var (
	// ErrTimeout indicates no datagram arrived before the receive deadline.
	ErrTimeout = errors.New("network: receive timed out")
	// ErrBufferTooSmall indicates the datagram buffer cannot hold a full data frame.
	ErrBufferTooSmall = errors.New("network: buffer size must exceed chunk size plus header size")
)

// Channel is an unreliable, message-oriented link to one peer.
type Channel interface {
	Send(frame []byte) error
	// Receive returns the next datagram, or ErrTimeout once timeout elapses.
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
}

// ValidateBufferSize checks that bufferSize can carry a full chunk frame.
func ValidateBufferSize(bufferSize, chunkSize int) error {
	if bufferSize < chunkSize+MaxHeaderSize {
		return fmt.Errorf("%w: buffer %d, chunk %d, header %d", ErrBufferTooSmall, bufferSize, chunkSize, MaxHeaderSize)
	}
	return nil
}

type udpChannel struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	buf    []byte
}

// DialChannel opens a UDP channel to address.
//
// The socket is left unconnected so ICMP errors from an absent sender surface
// as timeouts; datagrams from any other source are discarded.
func DialChannel(address string, bufferSize int) (Channel, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", address, err)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("open udp socket: %w", err)
	}
	_ = conn.SetReadBuffer(socketReadBuffer)

	return &udpChannel{
		conn:   conn,
		remote: remote,
		buf:    make([]byte, bufferSize),
	}, nil
}

func (c *udpChannel) Send(frame []byte) error {
	if _, err := c.conn.WriteToUDP(frame, c.remote); err != nil {
		return fmt.Errorf("send to %s: %w", c.remote, err)
	}
	return nil
}

func (c *udpChannel) Receive(timeout time.Duration) ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	for {
		n, from, err := c.conn.ReadFromUDP(c.buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("receive from %s: %w", c.remote, err)
		}
		if !c.fromRemote(from) {
			continue
		}
		frame := make([]byte, n)
		copy(frame, c.buf[:n])
		return frame, nil
	}
}

func (c *udpChannel) fromRemote(from *net.UDPAddr) bool {
	if from == nil || from.Port != c.remote.Port {
		return false
	}
	if c.remote.IP == nil || c.remote.IP.IsUnspecified() {
		return true
	}
	return from.IP.Equal(c.remote.IP)
}

// RemoteAddr returns the sender address this channel talks to.
func (c *udpChannel) RemoteAddr() string {
	return c.remote.String()
}

func (c *udpChannel) Close() error {
	return c.conn.Close()
}

// DropPolicy decides whether a received data frame is discarded to emulate loss.
type DropPolicy interface {
	ShouldDrop(frame []byte) bool
}

// DropFunc adapts a function to DropPolicy.
type DropFunc func(frame []byte) bool

func (f DropFunc) ShouldDrop(frame []byte) bool {
	return f(frame)
}

// NoLoss never drops a frame.
var NoLoss DropPolicy = DropFunc(func([]byte) bool { return false })

type randomLoss struct {
	mu          sync.Mutex
	probability float64
	rnd         *rand.Rand
}

// RandomLoss drops each data frame independently with the given probability.
func RandomLoss(probability float64, seed uint64) DropPolicy {
	return &randomLoss{
		probability: probability,
		rnd:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (r *randomLoss) ShouldDrop([]byte) bool {
	if r.probability <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64() < r.probability
}

// DropSequencesOnce drops the first delivery of each listed sequence and
// lets every retransmission through.
func DropSequencesOnce(sequences ...int) DropPolicy {
	pending := make(map[int]struct{}, len(sequences))
	for _, seq := range sequences {
		pending[seq] = struct{}{}
	}
	var mu sync.Mutex
	return DropFunc(func(frame []byte) bool {
		chunk, err := DecodeDataFrame(frame)
		if err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if _, ok := pending[chunk.Sequence]; ok {
			delete(pending, chunk.Sequence)
			return true
		}
		return false
	})
}

type lossyChannel struct {
	Channel
	policy DropPolicy
	logger *zap.Logger
}

// NewLossyChannel wraps ch so that data frames selected by policy are
// silently discarded on receive. Control frames are never dropped.
func NewLossyChannel(ch Channel, policy DropPolicy, logger *zap.Logger) Channel {
	if policy == nil {
		return ch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &lossyChannel{Channel: ch, policy: policy, logger: logger}
}

func (c *lossyChannel) Receive(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		frame, err := c.Channel.Receive(remaining)
		if err != nil {
			return nil, err
		}
		if IsDataFrame(frame) && c.policy.ShouldDrop(frame) {
			c.logger.Debug("simulated loss dropped frame", zap.Int("bytes", len(frame)))
			continue
		}
		return frame, nil
	}
}
