package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jmerrifield20/accountproof/internal/ingest"
	"github.com/jmerrifield20/accountproof/internal/ledger"
	"github.com/jmerrifield20/accountproof/internal/metrics"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// ServerConfig configures the gRPC proof stream server.
type ServerConfig struct {
	ListenAddr           string
	MaxRecvMsgSize       int
	MaxSendMsgSize       int
	MaxConcurrentStreams uint32
	// MaxAddresses bounds the addresses of one subscription.
	MaxAddresses int

	TLS       *TLSConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

// TLSConfig names the server certificate files.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:           "0.0.0.0:9443",
		MaxRecvMsgSize:       16 * 1024 * 1024,
		MaxSendMsgSize:       16 * 1024 * 1024,
		MaxConcurrentStreams: 256,
		MaxAddresses:         1024,
		Auth:                 DefaultAuthConfig(),
		RateLimit:            DefaultRateLimitConfig(),
	}
}

// StatusSource reports the engine's position for the Status call.
type StatusSource interface {
	Status() *proofstream.StatusResponse
}

// Server implements proofstream.ProofStreamServer on top of a Hub and an
// ingest.Ingestor.
type Server struct {
	config   ServerConfig
	hub      *Hub
	ingestor *ingest.Ingestor
	source   StatusSource
	logger   *zap.Logger

	auth    *Authenticator
	limiter *RateLimiter
	grpc    *grpc.Server
	health  *health.Server
}

var _ proofstream.ProofStreamServer = (*Server)(nil)

// NewServer creates a Server. issuer may be nil when auth is disabled.
func NewServer(config ServerConfig, hub *Hub, ingestor *ingest.Ingestor, source StatusSource, issuer *TokenIssuer, logger *zap.Logger) (*Server, error) {
	if config.Auth.Enabled && issuer == nil {
		return nil, errors.New("auth enabled without a token issuer")
	}
	s := &Server{
		config:   config,
		hub:      hub,
		ingestor: ingestor,
		source:   source,
		logger:   logger.Named("grpc"),
		auth:     NewAuthenticator(config.Auth, issuer),
		limiter:  NewRateLimiter(config.RateLimit),
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(config.MaxSendMsgSize),
		grpc.MaxConcurrentStreams(config.MaxConcurrentStreams),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Minute,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(s.limiter.UnaryInterceptor(), s.auth.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(s.limiter.StreamInterceptor(), s.auth.StreamInterceptor()),
	}
	if config.TLS != nil {
		creds, err := credentials.NewServerTLSFromFile(config.TLS.CertFile, config.TLS.KeyFile)
		if err != nil {
			s.limiter.Close()
			return nil, fmt.Errorf("load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	s.grpc = grpc.NewServer(opts...)
	proofstream.RegisterProofStreamServer(s.grpc, s)

	// Standard gRPC health service
	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(proofstream.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return s, nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(lis)
}

// Stop closes the hub so subscription streams end, then stops gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.hub.Close()
	s.grpc.GracefulStop()
	s.limiter.Close()
}

// Subscribe streams proofs and retractions for the requested addresses.
func (s *Server) Subscribe(req *proofstream.SubscribeRequest, stream proofstream.SubscribeServer) error {
	if len(req.Addresses) == 0 {
		return status.Error(codes.InvalidArgument, "at least one address is required")
	}
	if s.config.MaxAddresses > 0 && len(req.Addresses) > s.config.MaxAddresses {
		return status.Errorf(codes.InvalidArgument, "at most %d addresses per subscription", s.config.MaxAddresses)
	}

	sub, err := s.hub.Subscribe(req.Addresses)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer sub.Close()

	ctx := stream.Context()
	for {
		msg, err := sub.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrSlowSubscriber):
			return status.Error(codes.ResourceExhausted, err.Error())
		case errors.Is(err, ErrHubClosed):
			return status.Error(codes.Unavailable, err.Error())
		case ctx.Err() != nil:
			return status.FromContextError(ctx.Err()).Err()
		default:
			// Plain unsubscribe.
			return nil
		}
		if msg == nil {
			return nil
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
}

// Ingest consumes validator notifications until the client closes the stream.
func (s *Server) Ingest(stream proofstream.IngestServer) error {
	ctx := stream.Context()
	var summary proofstream.IngestSummary
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&summary)
		}
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, req); err != nil {
			if ctx.Err() != nil {
				return status.FromContextError(ctx.Err()).Err()
			}
			if errors.Is(err, errBadNotification) {
				summary.Rejected++
				s.logger.Warn("notification rejected", zap.Error(err))
				continue
			}
			return status.Error(codes.Unavailable, err.Error())
		}
		summary.Accepted++
	}
}

// Status reports the engine's position.
func (s *Server) Status(_ context.Context, _ *proofstream.StatusRequest) (*proofstream.StatusResponse, error) {
	resp := s.source.Status()
	resp.Subscribers = uint64(s.hub.Len())
	return resp, nil
}

var errBadNotification = errors.New("malformed notification")

func (s *Server) dispatch(ctx context.Context, req *proofstream.IngestRequest) error {
	switch {
	case req.EndOfStartup:
		s.ingestor.EndOfStartup()
		return nil
	case req.Account != nil:
		a := req.Account
		metrics.RecordNotification("account", "received")
		return s.ingestor.Account(ctx, ingest.AccountNotification{
			Address:      a.Address,
			Slot:         a.Slot,
			WriteVersion: a.WriteVersion,
			Lamports:     a.Lamports,
			Owner:        a.Owner,
			Executable:   a.Executable,
			RentEpoch:    a.RentEpoch,
			Data:         a.Data,
		})
	case req.Block != nil:
		b := req.Block
		metrics.RecordNotification("block", "received")
		return s.ingestor.Block(ctx, ingest.BlockNotification{
			Slot:            b.Slot,
			ParentSlot:      b.ParentSlot,
			BlockHash:       b.BlockHash,
			ParentBlockHash: b.ParentBlockHash,
			SignatureCount:  b.SignatureCount,
		})
	case req.Slot != nil:
		st, err := slotStatus(req.Slot.Status)
		if err != nil {
			return err
		}
		metrics.RecordNotification("slot", "received")
		return s.ingestor.SlotStatus(ctx, ingest.SlotStatusNotification{
			Slot:   req.Slot.Slot,
			Parent: req.Slot.Parent,
			Status: st,
		})
	case req.Transaction != nil:
		metrics.RecordNotification("transaction", "received")
		return s.ingestor.Transaction(ctx, ingest.TransactionNotification{
			Slot:       req.Transaction.Slot,
			Signatures: req.Transaction.Signatures,
		})
	case req.Root != nil:
		metrics.RecordNotification("root", "received")
		return s.ingestor.Root(ctx, ingest.RootNotification{
			Slot:      req.Root.Slot,
			BlockHash: req.Root.BlockHash,
			Root:      req.Root.Root,
		})
	}
	return fmt.Errorf("%w: empty request", errBadNotification)
}

func slotStatus(v uint64) (ledger.Status, error) {
	switch v {
	case proofstream.SlotProcessed:
		return ledger.StatusProcessed, nil
	case proofstream.SlotConfirmed:
		return ledger.StatusConfirmed, nil
	case proofstream.SlotRooted:
		return ledger.StatusRooted, nil
	case proofstream.SlotDead:
		return ledger.StatusDropped, nil
	}
	return 0, fmt.Errorf("%w: unknown slot status %d", errBadNotification, v)
}
