package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"udpxfer/storage"
)

const (
	// maxPendingRequests bounds the datagrams queued for one peer while its worker is busy.
	maxPendingRequests = 64
	// DefaultSessionIdleTimeout is how long a peer's active file is kept for
	// later RESEND requests once its worker has gone idle.
	DefaultSessionIdleTimeout = 5 * time.Minute
)

// ServerOptions configures the sending side.
type ServerOptions struct {
	// Root is the directory files are served from. Requests cannot escape it.
	Root      string
	ChunkSize int

	// BufferSize bounds every incoming datagram. Longer ones are answered
	// with an invalid request error.
	BufferSize int

	// SessionIdleTimeout drops a peer's state after this long without requests.
	SessionIdleTimeout time.Duration

	Logger *zap.Logger
	// Store records served transfers when non-nil.
	Store *storage.Store
	// OnTransfer is called after a GET has been answered.
	OnTransfer func(TransferEvent)
}

// TransferEvent describes one answered GET.
type TransferEvent struct {
	TransferID  string
	Peer        string
	Filename    string
	TotalChunks int
	Err         error
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.BufferSize <= 0 {
		out.BufferSize = DefaultBufferSize
	}
	if out.SessionIdleTimeout <= 0 {
		out.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Server answers file requests from any number of peers over one UDP socket.
//
// Requests from the same peer are handled one at a time in arrival order;
// unrelated peers are served concurrently.
type Server struct {
	conn    *net.UDPConn
	root    *os.Root
	options ServerOptions
	logger  *zap.Logger

	mu    sync.Mutex
	peers map[string]*senderSession

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// senderSession is the per-peer state. Fields other than queue, running and
// idleSince are only touched by the peer's worker.
type senderSession struct {
	key  string
	addr *net.UDPAddr

	queue     []inbound
	running   bool
	idleSince time.Time

	filename   string
	transferID string
}

// inbound is one queued datagram. truncated marks a datagram that filled the
// whole read buffer and may have been cut short.
type inbound struct {
	frame     []byte
	truncated bool
}

// Listen binds address and starts serving files from options.Root.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if opts.Root == "" {
		return nil, errors.New("serve root is required")
	}
	if err := ValidateBufferSize(opts.BufferSize, opts.ChunkSize); err != nil {
		return nil, err
	}

	root, err := os.OpenRoot(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("open serve root %q: %w", opts.Root, err)
	}

	if address == "" {
		address = ":0"
	}
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		_ = root.Close()
		return nil, fmt.Errorf("resolve %q: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = root.Close()
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	_ = conn.SetReadBuffer(socketReadBuffer)

	server := &Server{
		conn:    conn,
		root:    root,
		options: opts,
		logger:  opts.Logger.With(zap.String("component", "sender")),
		peers:   make(map[string]*senderSession),
		closed:  make(chan struct{}),
	}

	server.wg.Add(2)
	go server.readLoop()
	go server.expireLoop()

	server.logger.Info("sender listening",
		zap.String("address", conn.LocalAddr().String()),
		zap.String("root", opts.Root),
		zap.Int("chunk_size", opts.ChunkSize),
	)
	return server, nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Close stops the read loop and waits for in-flight streams to finish.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.conn.Close()
		s.wg.Wait()
		_ = s.root.Close()
	})
	return closeErr
}

func (s *Server) readLoop() {
	defer s.wg.Done()

	// One spare byte tells a datagram of exactly BufferSize from a longer one.
	buf := make([]byte, s.options.BufferSize+1)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("read datagram failed", zap.Error(err))
			continue
		}

		if n > s.options.BufferSize {
			s.enqueue(from, inbound{truncated: true})
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		s.enqueue(from, inbound{frame: frame})
	}
}

func (s *Server) enqueue(from *net.UDPAddr, in inbound) {
	key := from.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.peers[key]
	if !ok {
		session = &senderSession{key: key, addr: from}
		s.peers[key] = session
	}
	if len(session.queue) >= maxPendingRequests {
		s.logger.Warn("peer request queue full, dropping datagram", zap.String("peer", key))
		return
	}
	session.queue = append(session.queue, in)
	if session.running {
		return
	}

	select {
	case <-s.closed:
		return
	default:
	}
	session.running = true
	s.wg.Add(1)
	go s.drain(session)
}

func (s *Server) drain(session *senderSession) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if len(session.queue) == 0 {
			session.running = false
			session.idleSince = time.Now()
			// Nothing to resend later, so the peer needs no entry.
			if session.filename == "" {
				s.forget(session)
			}
			s.mu.Unlock()
			return
		}
		in := session.queue[0]
		session.queue[0] = inbound{}
		session.queue = session.queue[1:]
		s.mu.Unlock()

		select {
		case <-s.closed:
			return
		default:
		}
		s.handle(session, in)
	}
}

// forget removes session from the peer table. Callers hold s.mu.
func (s *Server) forget(session *senderSession) {
	if s.peers[session.key] == session {
		delete(s.peers, session.key)
	}
}

func (s *Server) expireLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(max(s.options.SessionIdleTimeout/2, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.expireIdle(now)
		case <-s.closed:
			return
		}
	}
}

// expireIdle drops peers whose worker has been idle for SessionIdleTimeout.
func (s *Server) expireIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for _, session := range s.peers {
		if session.running || len(session.queue) > 0 {
			continue
		}
		if now.Sub(session.idleSince) < s.options.SessionIdleTimeout {
			continue
		}
		s.forget(session)
		expired++
	}
	if expired > 0 {
		s.logger.Debug("expired idle peers", zap.Int("expired", expired), zap.Int("remaining", len(s.peers)))
	}
	return expired
}

func (s *Server) handle(session *senderSession, in inbound) {
	peer := session.addr.String()

	if in.truncated {
		s.logger.Warn("request exceeds buffer size", zap.String("peer", peer), zap.Int("buffer_size", s.options.BufferSize))
		s.reply(session, EncodeError(ErrorCodeInvalidRequest))
		return
	}

	req, err := ParseRequest(in.frame)
	if err != nil {
		s.logger.Warn("invalid request", zap.String("peer", peer), zap.Error(err))
		s.reply(session, EncodeError(ErrorCodeInvalidRequest))
		return
	}

	switch req.Verb {
	case VerbGet:
		s.serveFile(session, req.Filename)
	case VerbResend:
		s.resend(session, req.Sequences)
	}
}

func (s *Server) serveFile(session *senderSession, filename string) {
	peer := session.addr.String()
	logger := s.logger.With(zap.String("peer", peer), zap.String("file", filename))
	logger.Info("file requested")

	// A new GET replaces whatever the peer asked for before.
	session.filename = ""
	session.transferID = ""

	chunker, err := s.openChunker(filename)
	if err != nil {
		logger.Warn("requested file unavailable", zap.Error(err))
		s.reply(session, EncodeError(ErrorCodeFileNotFound))
		s.notify(TransferEvent{Peer: peer, Filename: filename, Err: ErrFileNotFound})
		return
	}
	defer chunker.Close()

	session.filename = filename
	session.transferID = uuid.NewString()
	total := chunker.TotalChunks()
	logger = logger.With(zap.String("transfer_id", session.transferID), zap.Int("total_chunks", total))

	s.recordStart(session, total)

	if err := s.send(session, OKFrame()); err != nil {
		logger.Error("send acknowledgement failed", zap.Error(err))
		return
	}
	if err := s.send(session, EncodeManifest(total)); err != nil {
		logger.Error("send manifest failed", zap.Error(err))
		return
	}

	sent := 0
	for chunk, err := range chunker.Chunks(0) {
		if err != nil {
			logger.Error("read chunk failed", zap.Error(err))
			break
		}
		if err := s.send(session, encodeChunk(chunk)); err != nil {
			logger.Error("send chunk failed", zap.Int("seq", chunk.Sequence), zap.Error(err))
			break
		}
		sent++
	}
	if err := s.send(session, EOFFrame()); err != nil {
		logger.Error("send end marker failed", zap.Error(err))
		return
	}

	logger.Info("file streamed", zap.Int("sent", sent))
	s.notify(TransferEvent{
		TransferID:  session.transferID,
		Peer:        peer,
		Filename:    filename,
		TotalChunks: total,
	})
}

func (s *Server) resend(session *senderSession, sequences []int) {
	peer := session.addr.String()
	logger := s.logger.With(zap.String("peer", peer), zap.String("file", session.filename))

	if session.filename == "" {
		logger.Warn("resend without an active file", zap.Ints("seqs", sequences))
		s.reply(session, EncodeError(ErrorCodeFileNotFound))
		return
	}

	chunker, err := s.openChunker(session.filename)
	if err != nil {
		logger.Warn("file no longer resolvable for resend", zap.Error(err))
		s.reply(session, EncodeError(ErrorCodeFileNotFound))
		return
	}
	defer chunker.Close()

	logger.Info("resend requested", zap.Int("count", len(sequences)))
	total := chunker.TotalChunks()
	for _, seq := range sequences {
		if seq < 0 || seq >= total {
			logger.Debug("skipping out of range resend", zap.Int("seq", seq), zap.Int("total_chunks", total))
			continue
		}
		chunk, err := chunker.ReadChunk(seq)
		if err != nil {
			logger.Error("read chunk for resend failed", zap.Int("seq", seq), zap.Error(err))
			continue
		}
		if err := s.send(session, encodeChunk(chunk)); err != nil {
			logger.Error("resend chunk failed", zap.Int("seq", seq), zap.Error(err))
			return
		}
	}
	if err := s.send(session, EOFFrame()); err != nil {
		logger.Error("send end marker failed", zap.Error(err))
		return
	}

	if s.options.Store != nil && session.transferID != "" {
		if err := s.options.Store.IncrementResendRounds(session.transferID); err != nil {
			logger.Warn("record resend round failed", zap.Error(err))
		}
	}
}

func (s *Server) openChunker(filename string) (*Chunker, error) {
	file, err := s.root.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileNotFound, err)
	}
	chunker, err := newChunker(file, s.options.ChunkSize)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %v", ErrFileNotFound, err)
	}
	return chunker, nil
}

func (s *Server) recordStart(session *senderSession, total int) {
	if s.options.Store == nil {
		return
	}
	err := s.options.Store.SaveTransfer(storage.Transfer{
		TransferID:  session.transferID,
		Direction:   storage.TransferDirectionSend,
		PeerAddress: session.addr.String(),
		Filename:    session.filename,
		ChunkSize:   s.options.ChunkSize,
		TotalChunks: total,
		Status:      storage.TransferStatusServing,
	})
	if err != nil {
		s.logger.Warn("record transfer failed", zap.String("transfer_id", session.transferID), zap.Error(err))
	}
}

func (s *Server) notify(event TransferEvent) {
	if s.options.OnTransfer != nil {
		s.options.OnTransfer(event)
	}
}

func (s *Server) send(session *senderSession, frame []byte) error {
	if _, err := s.conn.WriteToUDP(frame, session.addr); err != nil {
		return fmt.Errorf("send to %s: %w", session.addr, err)
	}
	return nil
}

func (s *Server) reply(session *senderSession, frame []byte) {
	if err := s.send(session, frame); err != nil {
		s.logger.Warn("send reply failed", zap.String("peer", session.addr.String()), zap.Error(err))
	}
}
