// Copyright 2022 Sogang University
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package communicator

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/golang/protobuf/ptypes/empty"
	"github.com/google/uuid"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	transportServiceName = "gradstream.communicator.Transport"
	deliverMethod        = "/" + transportServiceName + "/Deliver"

	// maxMessageSize bounds a single payload; gradient buffers of large
	// layers exceed the gRPC default of 4 MiB.
	maxMessageSize = 1 << 30
)

// envelope metadata keys
const (
	sessionHeader = "session"
	srcHeader     = "src-rank"
	contextHeader = "context"
	tagHeader     = "tag"
)

// transportServer is the server API for Transport service.
type transportServer interface {
	// Deliver enqueues a payload into the mailbox of the receiving process.
	Deliver(context.Context, *wrapperspb.BytesValue) (*empty.Empty, error)
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transportServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// transportServiceDesc is the grpc.ServiceDesc for Transport service.
var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: transportServiceName,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "communicator.proto",
}

// Option configures a GRPCTransport.
type Option func(*options)

type options struct {
	session       string
	dialOptions   []grpc.DialOption
	serverOptions []grpc.ServerOption
}

// WithSession sets the job identifier carried by every message; messages of
// another session are rejected.  It defaults to a name-based UUID of the
// peer list, which every process of the job derives identically.
func WithSession(session string) Option {
	return func(o *options) {
		o.session = session
	}
}

// WithDialOptions appends options used to dial the peers.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) {
		o.dialOptions = append(o.dialOptions, opts...)
	}
}

// WithServerOptions appends options of the local server.
func WithServerOptions(opts ...grpc.ServerOption) Option {
	return func(o *options) {
		o.serverOptions = append(o.serverOptions, opts...)
	}
}

// GRPCTransport connects the processes of a job over gRPC.  Every process
// serves the Transport service on its own address and holds a client
// connection to every peer.
type GRPCTransport struct {
	rank    int
	peers   []string
	session string
	mailbox *mailbox
	server  *grpc.Server
	conns   []*grpc.ClientConn
	done    chan struct{}
	once    sync.Once
}

// NewGRPCTransport serves the Transport service on lis and dials every peer
// in peers; peers[rank] is the address of this process.  Dialing is lazy, so
// peers may come up in any order.
func NewGRPCTransport(rank int, lis net.Listener, peers []string, opts ...Option) (*GRPCTransport, error) {
	if rank < 0 || len(peers) <= rank {
		return nil, &ConfigurationError{Reason: "rank " + strconv.Itoa(rank) + " out of range of " + strconv.Itoa(len(peers)) + " peers"}
	}
	o := &options{
		session: uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.Join(peers, ","))).String(),
	}
	for _, opt := range opts {
		opt(o)
	}

	t := &GRPCTransport{
		rank:    rank,
		peers:   peers,
		session: o.session,
		mailbox: newMailbox(),
		conns:   make([]*grpc.ClientConn, len(peers)),
		done:    make(chan struct{}),
	}

	dialOptions := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(maxMessageSize), grpc.WaitForReady(true)),
	}, o.dialOptions...)
	for peer, addr := range peers {
		if peer == rank {
			continue
		}
		conn, err := grpc.Dial(addr, dialOptions...)
		if err != nil {
			t.closeConns()
			return nil, errors.Wrapf(err, "rank %d: cannot dial peer %d at %s", rank, peer, addr)
		}
		t.conns[peer] = conn
	}

	t.server = grpc.NewServer(append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpc_recovery.UnaryServerInterceptor(),
		),
		grpc.MaxRecvMsgSize(maxMessageSize),
	}, o.serverOptions...)...)
	t.server.RegisterService(&transportServiceDesc, t)

	go func() {
		defer close(t.done)
		glog.Infof("rank %d: transport listening at %v", rank, lis.Addr())
		if err := t.server.Serve(lis); err != nil {
			glog.Errorf("rank %d: transport server stopped: %v", rank, err)
		}
	}()

	return t, nil
}

// Deliver implements the server side of the transport.
func (t *GRPCTransport) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*empty.Empty, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "missing envelope")
	}
	if session := first(md, sessionHeader); session != t.session {
		return nil, status.Errorf(codes.PermissionDenied, "session %q does not match %q", session, t.session)
	}
	src, err := strconv.Atoi(first(md, srcHeader))
	if err != nil || src < 0 || len(t.peers) <= src {
		return nil, status.Errorf(codes.InvalidArgument, "invalid source rank %q", first(md, srcHeader))
	}
	ctxID, err := strconv.ParseUint(first(md, contextHeader), 10, 32)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid context %q", first(md, contextHeader))
	}
	tag, err := strconv.ParseInt(first(md, tagHeader), 10, 64)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid tag %q", first(md, tagHeader))
	}
	if t.mailbox.isClosed() {
		return nil, status.Error(codes.Unavailable, ErrClosed.Error())
	}

	glog.V(2).Infof("rank %d: delivered %d bytes from rank %d context: %d tag: %d", t.rank, len(in.GetValue()), src, ctxID, tag)
	t.mailbox.deliver(src, Key{Context: uint32(ctxID), Tag: tag}, in.GetValue())
	return new(empty.Empty), nil
}

// first returns the first value of the metadata key, if any.
func first(md metadata.MD, key string) string {
	if values := md.Get(key); 0 < len(values) {
		return values[0]
	}
	return ""
}

func (t *GRPCTransport) Rank() int {
	return t.rank
}

func (t *GRPCTransport) Size() int {
	return len(t.peers)
}

// Send invokes Deliver on the destination peer.  Messages to this process
// skip the network.
func (t *GRPCTransport) Send(ctx context.Context, dst int, key Key, payload []byte) error {
	if dst < 0 || len(t.peers) <= dst {
		return errors.Errorf("rank %d: invalid destination %d", t.rank, dst)
	}
	if t.mailbox.isClosed() {
		return ErrClosed
	}
	if dst == t.rank {
		t.mailbox.deliver(t.rank, key, append([]byte(nil), payload...))
		return nil
	}

	ctx = metadata.AppendToOutgoingContext(ctx,
		sessionHeader, t.session,
		srcHeader, strconv.Itoa(t.rank),
		contextHeader, strconv.FormatUint(uint64(key.Context), 10),
		tagHeader, strconv.FormatInt(key.Tag, 10),
	)
	if err := t.conns[dst].Invoke(ctx, deliverMethod, &wrapperspb.BytesValue{Value: payload}, new(empty.Empty)); err != nil {
		return errors.Wrapf(err, "rank %d: failed to send to rank %d", t.rank, dst)
	}
	return nil
}

func (t *GRPCTransport) Recv(ctx context.Context, src int, key Key) ([]byte, error) {
	if src < 0 || len(t.peers) <= src {
		return nil, errors.Errorf("rank %d: invalid source %d", t.rank, src)
	}
	return t.mailbox.recv(ctx, src, key)
}

// Close stops the server once in-flight deliveries finish and closes the
// client connections.
func (t *GRPCTransport) Close() error {
	t.once.Do(func() {
		glog.Infof("rank %d: closing transport", t.rank)
		t.mailbox.close()
		t.server.GracefulStop()
		<-t.done
		t.closeConns()
	})
	return nil
}

func (t *GRPCTransport) closeConns() {
	for peer, conn := range t.conns {
		if conn != nil {
			if err := conn.Close(); err != nil {
				glog.Warningf("rank %d: failed to close connection to rank %d: %v", t.rank, peer, err)
			}
		}
	}
}
