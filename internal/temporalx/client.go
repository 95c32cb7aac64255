package temporalx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/norvand/pathlight-backend/internal/pkg/logger"
)

// Enabled reports whether a Temporal address is configured. When it is not,
// the process falls back to the polling worker pools alone.
func Enabled(cfg Config) bool {
	return cfg.Address != ""
}

func NewClient(ctx context.Context, cfg Config, log *logger.Logger) (client.Client, error) {
	if !Enabled(cfg) {
		return nil, fmt.Errorf("temporal address not configured")
	}

	opts := client.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    log,
	}

	tlsCfg, err := buildTLS(cfg)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts.ConnectionOptions = client.ConnectionOptions{TLS: tlsCfg}
	}

	var c client.Client
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		c, err = client.Dial(opts)
		if err == nil {
			break
		}
		if attempt >= 5 {
			return nil, fmt.Errorf("dial temporal at %s: %w", cfg.Address, err)
		}
		log.With("attempt", attempt, "error", err).Warn("temporal dial failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 8*time.Second {
			backoff *= 2
		}
	}

	if err := EnsureNamespace(ctx, cfg, opts, log); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// EnsureNamespace registers the configured namespace when the server does not
// know it yet. Registration is asynchronous on the server side, so a freshly
// created namespace is polled until it becomes visible.
func EnsureNamespace(ctx context.Context, cfg Config, opts client.Options, log *logger.Logger) error {
	nsc, err := client.NewNamespaceClient(client.Options{
		HostPort:          opts.HostPort,
		ConnectionOptions: opts.ConnectionOptions,
		Logger:            opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("namespace client: %w", err)
	}
	defer nsc.Close()

	_, err = nsc.Describe(ctx, cfg.Namespace)
	if err == nil {
		return nil
	}
	if _, ok := err.(*serviceerror.NamespaceNotFound); !ok {
		return fmt.Errorf("describe namespace %s: %w", cfg.Namespace, err)
	}

	log.With("namespace", cfg.Namespace).Info("registering temporal namespace")
	err = nsc.Register(ctx, &workflowservice.RegisterNamespaceRequest{
		Namespace:                        cfg.Namespace,
		WorkflowExecutionRetentionPeriod: durationpb.New(72 * time.Hour),
	})
	if err != nil {
		if _, ok := err.(*serviceerror.NamespaceAlreadyExists); !ok {
			return fmt.Errorf("register namespace %s: %w", cfg.Namespace, err)
		}
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := nsc.Describe(ctx, cfg.Namespace)
		if err == nil && resp.NamespaceInfo != nil && resp.NamespaceInfo.State == enumspb.NAMESPACE_STATE_REGISTERED {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("namespace %s not visible after registration", cfg.Namespace)
}

func buildTLS(cfg Config) (*tls.Config, error) {
	if cfg.ClientCertPath == "" && cfg.ClientKeyPath == "" && cfg.ClientCAPath == "" {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.ClientCertPath != "" || cfg.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load temporal client keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read temporal CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse temporal CA at %s", cfg.ClientCAPath)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}
