// Package api serves the conversation engine over gRPC on the profile's unix
// socket. Messages are google.protobuf.Struct values carrying the JSON shape
// of the request and reply types in this package.
package api

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/matheus3301/convo/internal/attachment"
	"github.com/matheus3301/convo/internal/dispatch"
	"github.com/matheus3301/convo/internal/engine"
	"github.com/matheus3301/convo/internal/identity"
	"github.com/matheus3301/convo/internal/status"
	"github.com/matheus3301/convo/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service implements ConversationServer on top of the engine.
type Service struct {
	profile   string
	startedAt time.Time
	engine    *engine.Engine
	log       *store.Log
	live      *dispatch.Dispatcher
	machine   *status.Machine
	verifier  *identity.Verifier
	fallback  identity.Identity
	logger    *zap.Logger
}

var _ ConversationServer = (*Service)(nil)

// NewService creates the service. Calls without a bearer token act as
// fallback, the profile's configured identity.
func NewService(profile string, e *engine.Engine, log *store.Log, live *dispatch.Dispatcher, machine *status.Machine,
	verifier *identity.Verifier, fallback identity.Identity, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		profile:   profile,
		startedAt: time.Now(),
		engine:    e,
		log:       log,
		live:      live,
		machine:   machine,
		verifier:  verifier,
		fallback:  fallback,
		logger:    logger,
	}
}

// identify resolves the caller from the authorization metadata.
func (s *Service) identify(ctx context.Context) (identity.Identity, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, h := range md.Get("authorization") {
			token, ok := identity.BearerToken(h)
			if !ok {
				continue
			}
			who, err := s.verifier.Verify(token)
			if err != nil {
				return identity.Identity{}, grpcstatus.Error(codes.Unauthenticated, err.Error())
			}
			return who, nil
		}
	}
	if err := s.fallback.Validate(); err != nil {
		return identity.Identity{}, grpcstatus.Errorf(codes.Unauthenticated, "no token and no profile identity: %v", err)
	}
	return s.fallback, nil
}

func (s *Service) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	reply := StatusReply{
		Profile:       s.profile,
		State:         string(s.machine.Current()),
		LastError:     s.machine.LastError(),
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
		PID:           os.Getpid(),
		LiveChannels:  s.live.Channels(),
		Subscriptions: s.log.Subscriptions(),
		Uploads:       s.engine.Pipeline().Active(),
	}
	if who, err := s.identify(ctx); err == nil {
		reply.Identity = who
	}
	return encode(reply)
}

func (s *Service) CreateConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	who, err := s.identify(ctx)
	if err != nil {
		return nil, err
	}
	var req CreateRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	subject, err := store.ParseSubject(req.SubjectKind, req.SubjectID)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	conv, err := s.engine.Create(ctx, who, subject)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(ConversationReply{Conversation: *conv})
}

func (s *Service) ListConversations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	who, err := s.identify(ctx)
	if err != nil {
		return nil, err
	}
	var req ListRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	convs, err := s.engine.List(ctx, who, req.IncludeArchived, req.Limit, req.Offset)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(ListReply{Conversations: convs})
}

func (s *Service) ArchiveConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	who, err := s.identify(ctx)
	if err != nil {
		return nil, err
	}
	var req ConversationRef
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.engine.Archive(ctx, who, req.ConversationID); err != nil {
		return nil, toStatus(err)
	}
	return encode(Empty{})
}

func (s *Service) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	who, err := s.identify(ctx)
	if err != nil {
		return nil, err
	}
	var req ConversationRef
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	msgs, err := s.engine.Messages(ctx, who, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	pending, err := s.engine.Undelivered(ctx, who, req.ConversationID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(MessagesReply{Messages: msgs, Pending: pending})
}

func (s *Service) SendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	who, err := s.identify(ctx)
	if err != nil {
		return nil, err
	}
	var req SendTextRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	entry, err := s.engine.Send(ctx, who, req.ConversationID, req.Text, req.ClientID)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.entryReply(ctx, entry, req.Wait)
}

func (s *Service) SendAttachment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	who, err := s.identify(ctx)
	if err != nil {
		return nil, err
	}
	var req SendAttachmentRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	kind, ok := store.ParseKind(req.Kind)
	if !ok || !kind.HasAttachment() {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "invalid attachment kind %q", req.Kind)
	}
	file, err := attachment.FromPath(req.Path, req.MimeType)
	if err != nil {
		return nil, toStatus(err)
	}
	entry, err := s.engine.SendFile(ctx, who, req.ConversationID, kind, file, req.Caption, nil)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.entryReply(ctx, entry, req.Wait)
}

func (s *Service) Retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	who, err := s.identify(ctx)
	if err != nil {
		return nil, err
	}
	var req RetryRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	entry, err := s.engine.Retry(ctx, who, req.ClientID)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.entryReply(ctx, entry, req.Wait)
}

func (s *Service) entryReply(ctx context.Context, entry store.OutboxEntry, wait bool) (*structpb.Struct, error) {
	if wait {
		done, err := s.engine.Await(ctx, entry.ClientID)
		if err != nil {
			return nil, toStatus(err)
		}
		entry = done
	}
	return encode(EntryReply{Entry: entry})
}

func (s *Service) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	who, err := s.identify(ctx)
	if err != nil {
		return nil, err
	}
	var req MarkReadRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.engine.MarkRead(ctx, who, req.MessageID); err != nil {
		return nil, toStatus(err)
	}
	return encode(Empty{})
}

// Watch streams deltas of a live view until the client goes away or the live
// channel is lost for good.
func (s *Service) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	who, err := s.identify(ctx)
	if err != nil {
		return err
	}
	var req WatchRequest
	if err := decode(in, &req); err != nil {
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	}

	sink := &streamRenderer{stream: stream, errs: make(chan error, 1)}
	view, err := s.engine.OpenConversation(ctx, who, req.ConversationID, sink)
	if err != nil {
		return toStatus(err)
	}
	defer func() {
		sink.close()
		view.Close()
	}()
	if req.Focus {
		view.Focus()
	}
	s.logger.Debug("watch started", zap.String("conversation_id", req.ConversationID), zap.String("user_id", who.UserID))

	select {
	case <-ctx.Done():
		return nil
	case err := <-sink.errs:
		return err
	case <-view.Done():
		return grpcstatus.Error(codes.Unavailable, store.ErrChannelLost.Error())
	}
}

// streamRenderer sends deltas on a server stream. Sends stop once the handler
// has returned.
type streamRenderer struct {
	stream grpc.ServerStream
	errs   chan error

	mu     sync.Mutex
	closed bool
}

func (r *streamRenderer) Render(d dispatch.Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	frame, err := encode(NewWatchFrame(d))
	if err == nil {
		err = r.stream.SendMsg(frame)
	}
	if err != nil {
		select {
		case r.errs <- err:
		default:
		}
	}
}

func (r *streamRenderer) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
