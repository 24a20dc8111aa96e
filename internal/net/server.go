package net

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	. "hati/internal/common"
	"hati/internal/utils"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultNWorkers    = 10
	defaultConnTimeout = time.Second
	pruneEvery         = 1024 // placements between sweeps of expired ownerships
)

// GatewayIDBase marks the book ids of orders placed over the gateway. Clients keep
// their own ids; the gateway translates, so fills of orders entered elsewhere are
// never reported to a client.
const GatewayIDBase uint64 = 1 << 63

var (
	ErrImproperConversion = errors.New("improper type conversion")
)

// OrderPlacer is the ingestion side of the matching engine.
type OrderPlacer interface {
	PlaceOrder(order Order) error
}

// ClientSession contains relevant information pertaining to an individual
// connected TCP session.
type ClientSession struct {
	address string
	conn    net.Conn
	timeout time.Duration

	mu     sync.Mutex          // serializes writes to conn
	orders map[uint64]struct{} // book ids of the live orders placed over this session
}

func (c *ClientSession) write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(b)
	return err
}

// ownership ties a live book order to the session that placed it.
type ownership struct {
	session   *ClientSession
	clientID  uint64
	remaining uint64
	expires   time.Time
}

// request is one decoded frame waiting for a worker.
type request struct {
	session *ClientSession
	message Message
	done    chan struct{}
}

type Server struct {
	address string
	port    int
	placer  OrderPlacer
	clock   utils.Clock
	pool    *utils.WorkerPool
	timeout time.Duration

	ready    chan struct{}
	listener net.Listener
	nextID   atomic.Uint64

	clientSessions     map[string]*ClientSession
	owners             map[uint64]*ownership // book id -> owner
	clientSessionsLock sync.Mutex
}

func New(address string, port int, placer OrderPlacer, clock utils.Clock) *Server {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &Server{
		address:        address,
		port:           port,
		placer:         placer,
		clock:          clock,
		pool:           utils.NewWorkerPool(defaultNWorkers),
		timeout:        defaultConnTimeout,
		ready:          make(chan struct{}),
		clientSessions: make(map[string]*ClientSession),
		owners:         make(map[uint64]*ownership),
	}
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the address the server listens on. Only valid after Ready.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Orders is the number of live gateway orders the server still reports on.
func (s *Server) Orders() int {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	return len(s.owners)
}

// Run listens for clients until the context is cancelled. Every connection gets
// its own reader; the frames it decodes are handled by the worker pool, one at a
// time per connection so a client's orders enter the book in the order sent.
func (s *Server) Run(ctx context.Context) error {
	t, ctx := tomb.WithContext(ctx)

	// Start a tcp listener.
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		log.Error().Err(err).Msg("unable to start listener")
		return err
	}
	s.listener = listener
	close(s.ready)

	// Start the worker pool.
	s.pool.Setup(t, s.handleRequest)

	// Unblock the accept loop and every reader once we are shutting down.
	t.Go(func() error {
		<-t.Dying()
		log.Info().Msg("server shutting down")
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
		s.closeClientSessions()
		return nil
	})

	t.Go(func() error {
		return s.accept(t, listener)
	})

	log.Info().Str("address", listener.Addr().String()).Msg("server running")

	err = t.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Server) accept(t *tomb.Tomb, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("error accepting client")
			continue
		}

		log.Info().
			Str("address", conn.RemoteAddr().String()).
			Msg("new client added")
		// Add the client to client sessions we are tracking.
		// We expect to potentially maintain a long TCP session.
		session := s.addClientSession(conn)

		// Sessions added after shutdown started were missed by closeClientSessions.
		select {
		case <-t.Dying():
			s.deleteClientSession(session)
			return nil
		default:
		}

		t.Go(func() error {
			return s.readConnection(t, session)
		})
	}
}

// readConnection reads frames off a connection until it is closed, by the client
// or by shutdown, and waits for each to be handled before reading the next.
// Malformed input ends the session after an error report, since the stream
// cannot be resynchronized.
func (s *Server) readConnection(t *tomb.Tomb, session *ClientSession) error {
	defer s.deleteClientSession(session)

	reader := bufio.NewReader(session.conn)
	for {
		message, err := readMessage(reader)
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Info().Str("address", session.address).Msg("client disconnected")
				return nil
			}

			log.Error().
				Err(err).
				Str("address", session.address).
				Msg("error reading from connection")
			if errors.Is(err, ErrInvalidMessageType) || errors.Is(err, ErrMessageTooShort) {
				s.send(session, generateWireErrorReport(s.clock.Now(), 0, err))
			}
			return nil
		}

		req := request{session: session, message: message, done: make(chan struct{})}
		if !s.pool.AddTask(req) {
			return nil
		}
		select {
		case <-req.done:
		case <-t.Dying():
			return nil
		}
	}
}

// handleRequest actions one decoded frame.
// Note, any error returned from here is fatal.
func (s *Server) handleRequest(t *tomb.Tomb, task any) error {
	req, ok := task.(request)
	if !ok {
		return ErrImproperConversion
	}
	defer close(req.done)

	switch m := req.message.(type) {
	case NewOrderMessage:
		s.placeOrder(req.session, m)
	case BaseMessage:
		log.Debug().Str("address", req.session.address).Msg("heartbeat")
	}
	return nil
}

// placeOrder submits the order on behalf of the client under a fresh book id.
// Ownership is recorded before the order can trade so no execution report is
// missed.
func (s *Server) placeOrder(session *ClientSession, m NewOrderMessage) {
	now := s.clock.Now()
	order := m.Order(now)
	seq := s.nextID.Add(1)
	order.ID = GatewayIDBase | seq

	if seq%pruneEvery == 0 {
		s.pruneExpired(now)
	}

	s.addOwner(session, order, m.ID)
	if err := s.placer.PlaceOrder(order); err != nil {
		s.removeOwner(order.ID)
		log.Info().
			Err(err).
			Str("address", session.address).
			Uint64("id", m.ID).
			Msg("order rejected")
		s.send(session, generateWireErrorReport(now, m.ID, err))
		return
	}
	s.send(session, generateWireAcceptReport(now, m.ID, order))
}

type delivery struct {
	session *ClientSession
	report  []byte
}

// ReportFills sends an execution report to the owner of each side of every fill.
// Orders not placed over this server have no owner and are skipped. An order
// stops being tracked once it is fully filled or has expired.
func (s *Server) ReportFills(at time.Time, fills Fills) error {
	var deliveries []delivery

	s.clientSessionsLock.Lock()
	for _, level := range fills {
		for _, f := range level {
			if d, ok := s.tradeReport(at, f, Buy, f.BuyID, f.SellID); ok {
				deliveries = append(deliveries, d)
			}
			if d, ok := s.tradeReport(at, f, Sell, f.SellID, f.BuyID); ok {
				deliveries = append(deliveries, d)
			}
		}
	}
	s.pruneExpiredLocked(at)
	s.clientSessionsLock.Unlock()

	var errs []error
	for _, d := range deliveries {
		if err := d.session.write(d.report); err != nil {
			s.deleteClientSession(d.session)
			errs = append(errs, fmt.Errorf("unable to send report to %s: %w", d.session.address, err))
		}
	}
	return errors.Join(errs...)
}

// tradeReport builds the report for one side of a fill. Must hold
// clientSessionsLock.
func (s *Server) tradeReport(at time.Time, f Fill, side Side, id, counterparty uint64) (delivery, bool) {
	owner, ok := s.owners[id]
	if !ok {
		return delivery{}, false
	}

	owner.remaining -= min(f.Quantity, owner.remaining)
	if owner.remaining == 0 {
		s.forgetLocked(id)
	}
	return delivery{
		session: owner.session,
		report:  generateWireTradeReport(at, f, side, owner.clientID, counterparty),
	}, true
}

func (s *Server) send(session *ClientSession, report []byte) {
	if err := session.write(report); err != nil {
		log.Error().Err(err).Str("address", session.address).Msg("unable to send report")
		s.deleteClientSession(session)
	}
}

// addClientSession is an atomic map add
func (s *Server) addClientSession(conn net.Conn) *ClientSession {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	session := &ClientSession{
		address: conn.RemoteAddr().String(),
		conn:    conn,
		timeout: s.timeout,
		orders:  make(map[uint64]struct{}),
	}
	s.clientSessions[session.address] = session
	return session
}

// deleteClientSession is an atomic map remove. The connection is closed and the
// orders it placed lose their owner.
func (s *Server) deleteClientSession(session *ClientSession) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	if s.clientSessions[session.address] != session {
		return
	}
	for id := range session.orders {
		delete(s.owners, id)
	}
	delete(s.clientSessions, session.address)
	if err := session.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error().Str("address", session.address).Err(err).Msg("unable to close connection")
	}
}

func (s *Server) closeClientSessions() {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	for _, client := range s.clientSessions {
		_ = client.conn.Close()
	}
}

// addOwner tracks the order for reporting. Orders with nothing to trade never
// produce a fill and are not tracked.
func (s *Server) addOwner(session *ClientSession, order Order, clientID uint64) {
	if order.Quantity == 0 {
		return
	}

	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	if s.clientSessions[session.address] != session {
		return
	}
	session.orders[order.ID] = struct{}{}
	s.owners[order.ID] = &ownership{
		session:   session,
		clientID:  clientID,
		remaining: order.Quantity,
		expires:   order.Timestamp.Add(order.TTL),
	}
}

func (s *Server) removeOwner(id uint64) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	s.forgetLocked(id)
}

func (s *Server) forgetLocked(id uint64) {
	if owner, ok := s.owners[id]; ok {
		delete(owner.session.orders, id)
		delete(s.owners, id)
	}
}

func (s *Server) pruneExpired(now time.Time) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()

	s.pruneExpiredLocked(now)
}

// pruneExpiredLocked drops the orders that can no longer trade at now.
func (s *Server) pruneExpiredLocked(now time.Time) {
	for id, owner := range s.owners {
		if now.After(owner.expires) {
			s.forgetLocked(id)
		}
	}
}
