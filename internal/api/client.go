package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the daemon over its unix socket.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// Dial connects to the daemon's unix socket. The connection is lazy; the
// first call fails if the daemon is not running.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// SetToken makes every call act as the identity of a bearer token instead
// of the profile identity.
func (c *Client) SetToken(token string) { c.token = token }

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

func (c *Client) call(ctx context.Context, method string, req, reply any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), FullMethod(method), in, out); err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return decode(out, reply)
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var r StatusReply
	err := c.call(ctx, MethodGetStatus, Empty{}, &r)
	return r, err
}

// CreateConversation opens a conversation.
func (c *Client) CreateConversation(ctx context.Context, req CreateRequest) (ConversationReply, error) {
	var r ConversationReply
	err := c.call(ctx, MethodCreateConversation, req, &r)
	return r, err
}

// ListConversations lists the caller's conversations.
func (c *Client) ListConversations(ctx context.Context, req ListRequest) (ListReply, error) {
	var r ListReply
	err := c.call(ctx, MethodListConversations, req, &r)
	return r, err
}

// ArchiveConversation archives a conversation.
func (c *Client) ArchiveConversation(ctx context.Context, convID string) error {
	return c.call(ctx, MethodArchiveConversation, ConversationRef{ConversationID: convID}, nil)
}

// ListMessages returns a conversation's log.
func (c *Client) ListMessages(ctx context.Context, convID string) (MessagesReply, error) {
	var r MessagesReply
	err := c.call(ctx, MethodListMessages, ConversationRef{ConversationID: convID}, &r)
	return r, err
}

// SendText queues a text message.
func (c *Client) SendText(ctx context.Context, req SendTextRequest) (EntryReply, error) {
	var r EntryReply
	err := c.call(ctx, MethodSendText, req, &r)
	return r, err
}

// SendAttachment uploads a file on the daemon host and sends it.
func (c *Client) SendAttachment(ctx context.Context, req SendAttachmentRequest) (EntryReply, error) {
	var r EntryReply
	err := c.call(ctx, MethodSendAttachment, req, &r)
	return r, err
}

// Retry resubmits a failed entry.
func (c *Client) Retry(ctx context.Context, req RetryRequest) (EntryReply, error) {
	var r EntryReply
	err := c.call(ctx, MethodRetry, req, &r)
	return r, err
}

// MarkRead marks a message read.
func (c *Client) MarkRead(ctx context.Context, messageID int64) error {
	return c.call(ctx, MethodMarkRead, MarkReadRequest{MessageID: messageID}, nil)
}

// Watch calls fn for every frame of a live view until ctx ends, fn returns
// an error, or the server ends the stream.
func (c *Client) Watch(ctx context.Context, req WatchRequest, fn func(WatchFrame) error) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(c.outgoing(ctx), &ServiceDesc.Streams[0], FullMethod(MethodWatch))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var frame WatchFrame
		if err := decode(out, &frame); err != nil {
			return err
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
}
