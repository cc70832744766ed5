package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"github.com/jmerrifield20/accountproof/pkg/commitment"
	"github.com/jmerrifield20/accountproof/pkg/proofstream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultFailureThreshold is the number of consecutive failed verifications
// after which Watch gives up.
const DefaultFailureThreshold = 3

// Client is a connection to a proof server.
type Client struct {
	target    string
	conn      *grpc.ClientConn
	rpc       proofstream.ProofStreamClient
	token     string
	tlsConfig *tls.Config
	plaintext bool
	dialOpts  []grpc.DialOption
	threshold int
	window    func() *commitment.Window
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithToken attaches a bearer token to every call.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithCA trusts the PEM-encoded CA certificate when verifying the server.
func WithCA(caPEM string) Option {
	return func(c *Client) error {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(caPEM)) {
			return fmt.Errorf("failed to parse CA certificate PEM")
		}
		c.tlsConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS13}
		return nil
	}
}

// WithInsecure dials without TLS. Only use this in development.
func WithInsecure() Option {
	return func(c *Client) error {
		c.plaintext = true
		return nil
	}
}

// WithDialOptions appends raw gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) error {
		c.dialOpts = append(c.dialOpts, opts...)
		return nil
	}
}

// WithFailureThreshold sets how many consecutive verification failures end
// Watch with ErrStreamCorrupted.
func WithFailureThreshold(n int) Option {
	return func(c *Client) error {
		if n < 1 {
			return fmt.Errorf("failure threshold must be positive, got %d", n)
		}
		c.threshold = n
		return nil
	}
}

// WithWindow enables anchoring. window is called for every verified proof
// and may return nil when no window is available yet.
func WithWindow(window func() *commitment.Window) Option {
	return func(c *Client) error {
		c.window = window
		return nil
	}
}

// Dial creates a Client for the proof server at target. The connection is
// established lazily on the first call.
//
//	c, err := client.Dial("localhost:9443", client.WithInsecure())
func Dial(target string, opts ...Option) (*Client, error) {
	c := &Client{target: target, threshold: DefaultFailureThreshold}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}

	dialOpts := make([]grpc.DialOption, 0, len(c.dialOpts)+2)
	if c.plaintext {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		cfg := c.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS13}
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(cfg)))
	}
	if c.token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearer{token: c.token, secure: !c.plaintext}))
	}
	dialOpts = append(dialOpts, c.dialOpts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	c.conn = conn
	c.rpc = proofstream.NewProofStreamClient(conn)
	return c, nil
}

// Close releases the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Status returns the server's rooted and highest slots, halted slots and
// its current commitment window.
func (c *Client) Status(ctx context.Context) (*proofstream.StatusResponse, error) {
	resp, err := c.rpc.Status(ctx, &proofstream.StatusRequest{})
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	return resp, nil
}

// Ingest streams notifications to the server and returns its summary. It is
// used by validator-side shims and for replaying captured notifications.
func (c *Client) Ingest(ctx context.Context, reqs []*proofstream.IngestRequest) (*proofstream.IngestSummary, error) {
	stream, err := c.rpc.Ingest(ctx)
	if err != nil {
		return nil, fmt.Errorf("open ingest stream: %w", err)
	}
	for i, r := range reqs {
		if err := stream.Send(r); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("send notification %d: %w", i, err)
		}
	}
	summary, err := stream.CloseAndRecv()
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	return summary, nil
}

// bearer implements credentials.PerRPCCredentials.
type bearer struct {
	token  string
	secure bool
}

func (b bearer) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (b bearer) RequireTransportSecurity() bool { return b.secure }
