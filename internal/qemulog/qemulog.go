// Package qemulog is a thin wire protocol for streaming kernel log
// lines and coredump notifications to an external debug sink (spec.md
// §1's "external debug sink" collaborator, modeled after
// original_source/'s tools/qemu_log_tool and tools/wosdbg). The wire
// message is encoded with google.golang.org/protobuf's low-level
// protowire primitives directly — no protoc-generated bindings exist
// in this tree, so rather than hand-fabricate descriptor bytes no
// compiler ever produced, the message types implement their own
// Marshal/Unmarshal against the documented wire format, and gRPC is
// configured with a matching custom codec instead of the default
// proto.Message-based one.
package qemulog

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// Level mirrors the severity an internal/klog call site logs at.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// LogEvent is the single message this protocol streams: either a plain
// log line, or a log line accompanied by a WOSCODMP coredump (spec.md
// §6 "Coredump format").
type LogEvent struct {
	TimestampUnixNano int64
	Pid               uint32
	Cpu               uint32
	Level             Level
	Message           string
	Coredump          []byte // raw WOSCODMP bytes, empty for a plain log line
}

// Ack is the sink's per-event acknowledgement.
type Ack struct {
	Received bool
}

// field numbers, fixed by this package's (unwritten, but stable) .proto
// contract.
const (
	fieldTimestamp = 1
	fieldPid       = 2
	fieldCpu       = 3
	fieldLevel     = 4
	fieldMessage   = 5
	fieldCoredump  = 6

	fieldAckReceived = 1
)

// Marshal encodes e using protobuf's proto3 wire format.
func (e *LogEvent) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.TimestampUnixNano))
	b = protowire.AppendTag(b, fieldPid, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Pid))
	b = protowire.AppendTag(b, fieldCpu, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Cpu))
	b = protowire.AppendTag(b, fieldLevel, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Level))
	if e.Message != "" {
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, e.Message)
	}
	if len(e.Coredump) > 0 {
		b = protowire.AppendTag(b, fieldCoredump, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Coredump)
	}
	return b, nil
}

// Unmarshal decodes data produced by Marshal, skipping any field number
// it doesn't recognize (proto3 forward-compatibility).
func (e *LogEvent) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch num {
		case fieldTimestamp:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.TimestampUnixNano = int64(v)
			data = data[n:]
		case fieldPid:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.Pid = uint32(v)
			data = data[n:]
		case fieldCpu:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.Cpu = uint32(v)
			data = data[n:]
		case fieldLevel:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.Level = Level(v)
			data = data[n:]
		case fieldMessage:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.Message = string(v)
			data = data[n:]
		case fieldCoredump:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			e.Coredump = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// Marshal encodes a, proto3 wire format.
func (a *Ack) Marshal() ([]byte, error) {
	var b []byte
	if a.Received {
		b = protowire.AppendTag(b, fieldAckReceived, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b, nil
}

// Unmarshal decodes data produced by Ack.Marshal.
func (a *Ack) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case fieldAckReceived:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			a.Received = v != 0
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return nil
}

// wireMessage is implemented by LogEvent and Ack, the two message types
// this codec knows how to handle.
type wireMessage interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// codecName is the gRPC content-subtype this package negotiates
// ("application/grpc+qemulog"), keeping this service off the default
// proto.Message-based codec.
const codecName = "qemulog"

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, errUnsupportedType(v)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return errUnsupportedType(v)
	}
	return m.Unmarshal(data)
}

func (codec) Name() string { return codecName }

func errUnsupportedType(v interface{}) error {
	return &unsupportedTypeError{v}
}

type unsupportedTypeError struct{ v interface{} }

func (e *unsupportedTypeError) Error() string {
	return "qemulog: codec cannot marshal value of this type"
}

func init() {
	encoding.RegisterCodec(codec{})
}

// QemuLogServer is the sink side's handler for the single streaming
// RPC this service exposes: a client-streaming call where the kernel
// pushes LogEvents and the sink acknowledges once the stream closes.
type QemuLogServer interface {
	StreamEvents(stream QemuLog_StreamEventsServer) error
}

// QemuLog_StreamEventsServer is the server-side stream handle.
type QemuLog_StreamEventsServer interface {
	grpc.ServerStream
	Recv() (*LogEvent, error)
	SendAndClose(*Ack) error
}

type qemuLogStreamEventsServer struct {
	grpc.ServerStream
}

func (s *qemuLogStreamEventsServer) Recv() (*LogEvent, error) {
	e := new(LogEvent)
	if err := s.ServerStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *qemuLogStreamEventsServer) SendAndClose(a *Ack) error {
	return s.ServerStream.SendMsg(a)
}

func streamEventsHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(QemuLogServer).StreamEvents(&qemuLogStreamEventsServer{stream})
}

// ServiceDesc mirrors the shape protoc-gen-go-grpc would emit for a
// service with a single client-streaming RPC.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "wos.qemulog.QemuLog",
	HandlerType: (*QemuLogServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ClientStreams: true,
		},
	},
	Metadata: "qemulog.proto",
}

// RegisterQemuLogServer registers srv's implementation on s, using the
// qemulog wire codec via CallContentSubtype negotiation.
func RegisterQemuLogServer(s *grpc.Server, srv QemuLogServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// QemuLogClient is the kernel-side client for pushing log events.
type QemuLogClient interface {
	StreamEvents(ctx context.Context, opts ...grpc.CallOption) (QemuLog_StreamEventsClient, error)
}

// QemuLog_StreamEventsClient is the client-side stream handle.
type QemuLog_StreamEventsClient interface {
	grpc.ClientStream
	Send(*LogEvent) error
	CloseAndRecv() (*Ack, error)
}

type qemuLogClient struct {
	cc *grpc.ClientConn
}

// NewQemuLogClient constructs a client bound to cc, the kernel side's
// connection to the external debug sink.
func NewQemuLogClient(cc *grpc.ClientConn) QemuLogClient {
	return &qemuLogClient{cc: cc}
}

func (c *qemuLogClient) StreamEvents(ctx context.Context, opts ...grpc.CallOption) (QemuLog_StreamEventsClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/wos.qemulog.QemuLog/StreamEvents", opts...)
	if err != nil {
		return nil, err
	}
	return &qemuLogStreamEventsClient{stream}, nil
}

type qemuLogStreamEventsClient struct {
	grpc.ClientStream
}

func (c *qemuLogStreamEventsClient) Send(e *LogEvent) error {
	return c.ClientStream.SendMsg(e)
}

func (c *qemuLogStreamEventsClient) CloseAndRecv() (*Ack, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	a := new(Ack)
	if err := c.ClientStream.RecvMsg(a); err != nil {
		return nil, err
	}
	return a, nil
}
