// Package grpcnet provides a networked Transport. Each member holds one
// bidirectional gRPC stream to the host; frames travel as BytesValue
// messages so no generated stubs are required.
package grpcnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cory-johannsen/lobby/internal/session"
	"github.com/cory-johannsen/lobby/internal/transport"
	"github.com/cory-johannsen/lobby/internal/wire"
)

const linkMethod = "/lobby.v1.PeerLink/Link"

// linkService is the server side of the PeerLink service.
type linkService interface {
	Link(stream grpc.ServerStream) error
}

var linkDesc = grpc.ServiceDesc{
	ServiceName: "lobby.v1.PeerLink",
	HandlerType: (*linkService)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Link",
			Handler:       linkHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "lobby/v1/link.proto",
}

func linkHandler(srv any, stream grpc.ServerStream) error {
	return srv.(linkService).Link(stream)
}

// Options configures a Transport.
type Options struct {
	// Listen is the "host:port" bind address used by StartHost.
	Listen string
	// Advertise is returned by StartHost. Defaults to the bound listener address.
	Advertise string
	// SendBuffer is the per-link outbound queue length.
	SendBuffer int
	// SendTimeout bounds reliable sends.
	SendTimeout time.Duration
	// ConnectTimeout bounds StartClient, including the hello exchange.
	ConnectTimeout time.Duration
}

// Transport is a gRPC-backed transport.Transport.
type Transport struct {
	local    session.PeerID
	opts     Options
	logger   *zap.Logger
	handlers *transport.Handlers

	mu       sync.Mutex
	server   *grpc.Server
	members  map[session.PeerID]*link
	upstream *link
	client   *grpc.ClientConn
}

var _ transport.Transport = (*Transport)(nil)

// New returns a stopped Transport for local.
//
// Precondition: logger must be non-nil.
func New(local session.PeerID, opts Options, logger *zap.Logger) *Transport {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	return &Transport{
		local:    local,
		opts:     opts,
		logger:   logger.Named("grpcnet"),
		handlers: transport.NewHandlers(),
		members:  make(map[session.PeerID]*link),
	}
}

// link is one established stream with its outbound queue.
type link struct {
	peer   session.PeerID
	out    chan []byte
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
}

func newLink(peer session.PeerID, buffer int, cancel context.CancelFunc) *link {
	return &link{
		peer:   peer,
		out:    make(chan []byte, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// close reports whether this call closed the link.
func (l *link) close() bool {
	closed := false
	l.once.Do(func() {
		closed = true
		close(l.done)
		if l.cancel != nil {
			l.cancel()
		}
	})
	return closed
}

// forward writes queued frames to send until the link closes.
func (l *link) forward(send func(*wrapperspb.BytesValue) error) error {
	for {
		select {
		case <-l.done:
			return nil
		case b := <-l.out:
			if err := send(wrapperspb.Bytes(b)); err != nil {
				return fmt.Errorf("sending frame: %w", err)
			}
		}
	}
}

// Local returns the local peer identity.
func (t *Transport) Local() session.PeerID {
	return t.local
}

// StartHost binds opts.Listen and serves member links.
func (t *Transport) StartHost(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server != nil || t.upstream != nil {
		return "", transport.ErrAlreadyRunning
	}

	lis, err := net.Listen("tcp", t.opts.Listen)
	if err != nil {
		return "", fmt.Errorf("listening on %s: %w", t.opts.Listen, err)
	}
	srv := grpc.NewServer()
	srv.RegisterService(&linkDesc, &hostService{t: t})
	t.server = srv

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Error("serving peer links", zap.Error(err))
		}
	}()

	addr := t.opts.Advertise
	if addr == "" {
		addr = lis.Addr().String()
	}
	t.logger.Info("hosting", zap.String("listen", lis.Addr().String()), zap.String("address", addr))
	return addr, nil
}

// StopHost closes every member link and stops the server. Idempotent.
func (t *Transport) StopHost() error {
	t.mu.Lock()
	srv := t.server
	t.server = nil
	links := make([]*link, 0, len(t.members))
	for id, l := range t.members {
		links = append(links, l)
		delete(t.members, id)
	}
	t.mu.Unlock()

	for _, l := range links {
		if l.close() {
			t.handlers.DispatchDisconnected(l.peer)
		}
	}
	if srv != nil {
		srv.Stop()
	}
	return nil
}

type hostService struct {
	t *Transport
}

// Link serves one member: hello exchange, then a writer goroutine draining
// the member's queue while this goroutine dispatches inbound frames.
func (h *hostService) Link(stream grpc.ServerStream) error {
	t := h.t

	first := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(first); err != nil {
		return fmt.Errorf("receiving hello: %w", err)
	}
	peer, err := readHello(first.GetValue())
	if err != nil {
		return err
	}
	if err := stream.SendMsg(wrapperspb.Bytes(helloFrame(t.local))); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	l := newLink(peer, t.opts.SendBuffer, cancel)

	t.mu.Lock()
	if t.server == nil {
		t.mu.Unlock()
		return errors.New("host stopped")
	}
	prev := t.members[peer]
	t.members[peer] = l
	t.mu.Unlock()
	if prev != nil && prev.close() {
		t.handlers.DispatchDisconnected(peer)
	}

	t.logger.Debug("member linked", zap.String("member", string(peer)))
	t.handlers.DispatchConnected(peer)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.forward(func(m *wrapperspb.BytesValue) error { return stream.SendMsg(m) }); err != nil {
			t.logger.Debug("member writer stopped", zap.String("member", string(peer)), zap.Error(err))
			cancel()
		}
	}()

	err = t.readLoop(ctx, peer, stream.RecvMsg)

	t.mu.Lock()
	if t.members[peer] == l {
		delete(t.members, peer)
	}
	t.mu.Unlock()
	if l.close() {
		t.handlers.DispatchDisconnected(peer)
	}
	wg.Wait()

	if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
		return err
	}
	return nil
}

// readLoop dispatches inbound frames from peer until recv fails or ctx ends.
func (t *Transport) readLoop(ctx context.Context, peer session.PeerID, recv func(any) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg := new(wrapperspb.BytesValue)
		if err := recv(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("receiving frame: %w", err)
		}
		f, err := wire.UnmarshalFrame(msg.GetValue())
		if err != nil {
			t.logger.Warn("discarding frame", zap.String("from", string(peer)), zap.Error(err))
			continue
		}
		if !t.handlers.DispatchMessage(f.Type, peer, f.Payload) {
			t.logger.Debug("no handler for frame", zap.String("type", f.Type))
		}
	}
}

// StartClient dials the host at address and completes the hello exchange.
func (t *Transport) StartClient(ctx context.Context, address string) error {
	t.mu.Lock()
	if t.server != nil || t.upstream != nil {
		t.mu.Unlock()
		return transport.ErrAlreadyRunning
	}
	t.mu.Unlock()

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing %s: %w", address, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, host, err := t.handshake(ctx, streamCtx, conn)
	if err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("dialing %s: %w", address, err)
	}

	l := newLink(host, t.opts.SendBuffer, cancel)
	t.mu.Lock()
	if t.server != nil || t.upstream != nil {
		t.mu.Unlock()
		cancel()
		_ = conn.Close()
		return transport.ErrAlreadyRunning
	}
	t.upstream = l
	t.client = conn
	t.mu.Unlock()

	t.logger.Info("connected", zap.String("address", address), zap.String("host", string(host)))
	t.handlers.DispatchConnected(host)

	go func() {
		if err := l.forward(func(m *wrapperspb.BytesValue) error { return stream.SendMsg(m) }); err != nil {
			t.logger.Debug("host writer stopped", zap.Error(err))
			cancel()
		}
	}()
	go func() {
		err := t.readLoop(streamCtx, host, stream.RecvMsg)
		if err != nil && !errors.Is(err, io.EOF) && streamCtx.Err() == nil {
			t.logger.Debug("host link lost", zap.Error(err))
		}
		t.closeUpstream(l)
	}()
	return nil
}

// handshake opens the stream and exchanges hellos within opts.ConnectTimeout.
func (t *Transport) handshake(ctx, streamCtx context.Context, conn *grpc.ClientConn) (grpc.ClientStream, session.PeerID, error) {
	type result struct {
		stream grpc.ClientStream
		host   session.PeerID
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		stream, err := conn.NewStream(streamCtx, &linkDesc.Streams[0], linkMethod)
		if err != nil {
			ch <- result{err: fmt.Errorf("opening link: %w", err)}
			return
		}
		if err := stream.SendMsg(wrapperspb.Bytes(helloFrame(t.local))); err != nil {
			ch <- result{err: fmt.Errorf("sending hello: %w", err)}
			return
		}
		reply := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(reply); err != nil {
			ch <- result{err: fmt.Errorf("receiving hello: %w", err)}
			return
		}
		host, err := readHello(reply.GetValue())
		ch <- result{stream: stream, host: host, err: err}
	}()

	timer := time.NewTimer(t.opts.ConnectTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.stream, r.host, r.err
	case <-timer.C:
		return nil, "", errors.New("connect timed out")
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// StopClient closes the host link. Idempotent.
func (t *Transport) StopClient() error {
	t.mu.Lock()
	l := t.upstream
	t.mu.Unlock()
	if l != nil {
		t.closeUpstream(l)
	}
	return nil
}

func (t *Transport) closeUpstream(l *link) {
	t.mu.Lock()
	var conn *grpc.ClientConn
	if t.upstream == l {
		t.upstream = nil
		conn = t.client
		t.client = nil
	}
	t.mu.Unlock()

	if l.close() {
		t.handlers.DispatchDisconnected(l.peer)
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Hosting reports whether the server is running.
func (t *Transport) Hosting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.server != nil
}

// Connected reports whether a link to peer is up.
func (t *Transport) Connected(peer session.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.members[peer]; ok {
		return true
	}
	return t.upstream != nil && t.upstream.peer == peer
}

// SendTo queues payload for peer or, with transport.Broadcast, for every link.
func (t *Transport) SendTo(peer session.PeerID, msgType string, payload []byte, rel transport.Reliability) error {
	var targets []*link

	t.mu.Lock()
	switch {
	case t.server != nil:
		if peer == transport.Broadcast {
			for _, l := range t.members {
				targets = append(targets, l)
			}
		} else if l, ok := t.members[peer]; ok {
			targets = append(targets, l)
		}
	case t.upstream != nil:
		if peer == transport.Broadcast || peer == t.upstream.peer {
			targets = append(targets, t.upstream)
		}
	default:
		t.mu.Unlock()
		return transport.ErrNotRunning
	}
	t.mu.Unlock()

	if len(targets) == 0 {
		if peer == transport.Broadcast {
			return nil
		}
		return fmt.Errorf("sending %s to %s: %w", msgType, peer, transport.ErrUnknownPeer)
	}

	frame := wire.MarshalFrame(wire.Frame{Type: msgType, From: string(t.local), Payload: payload})
	for _, l := range targets {
		if rel == transport.Unreliable {
			select {
			case l.out <- frame:
			default:
				t.logger.Debug("dropping unreliable frame", zap.String("type", msgType), zap.String("to", string(l.peer)))
			}
			continue
		}

		timer := time.NewTimer(t.opts.SendTimeout)
		select {
		case l.out <- frame:
			timer.Stop()
		case <-l.done:
			timer.Stop()
		case <-timer.C:
			return fmt.Errorf("sending %s to %s: %w", msgType, l.peer, transport.ErrSendTimeout)
		}
	}
	return nil
}

// OnMessage registers h for msgType.
func (t *Transport) OnMessage(msgType string, h transport.MessageHandler) func() {
	return t.handlers.OnMessage(msgType, h)
}

// OnConnected registers h for new links.
func (t *Transport) OnConnected(h transport.PeerHandler) func() {
	return t.handlers.OnConnected(h)
}

// OnDisconnected registers h for lost links.
func (t *Transport) OnDisconnected(h transport.PeerHandler) func() {
	return t.handlers.OnDisconnected(h)
}

func helloFrame(local session.PeerID) []byte {
	return wire.MarshalFrame(wire.Frame{
		Type:    wire.TypeHello,
		From:    string(local),
		Payload: wire.MarshalHello(wire.Hello{Peer: string(local)}),
	})
}

func readHello(b []byte) (session.PeerID, error) {
	f, err := wire.UnmarshalFrame(b)
	if err != nil {
		return "", fmt.Errorf("reading hello: %w", err)
	}
	if f.Type != wire.TypeHello {
		return "", fmt.Errorf("reading hello: unexpected frame %q: %w", f.Type, wire.ErrMalformed)
	}
	h, err := wire.UnmarshalHello(f.Payload)
	if err != nil {
		return "", fmt.Errorf("reading hello: %w", err)
	}
	return session.PeerID(h.Peer), nil
}
