package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/marcus-qen/gqlsocket/internal/config"
	"github.com/marcus-qen/gqlsocket/internal/notifier"
	"github.com/marcus-qen/gqlsocket/internal/protocol"
	"github.com/marcus-qen/gqlsocket/internal/session"
	"github.com/marcus-qen/gqlsocket/internal/status"
	"github.com/marcus-qen/gqlsocket/internal/subscription"
	"github.com/marcus-qen/gqlsocket/internal/telemetry"
	"github.com/marcus-qen/gqlsocket/internal/transport"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// client bundles the socket and session used by one invocation.
type client struct {
	socket  *transport.Socket
	session *session.Session
}

// newClient wires a socket, its channel and a session. Session spans are
// children of the span in ctx.
func newClient(ctx context.Context, cfg config.Config, logger *zap.Logger) *client {
	sock := transport.NewSocket(cfg.URL, cfg.SocketOptions(), logger.Named("socket"))
	ch := sock.Channel(cfg.Topic, nil)
	return &client{
		socket:  sock,
		session: session.New(ctx, sock, ch, ch.Topic(), logger),
	}
}

func (c *client) Close() {
	c.socket.Close()
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func cmdOperation(ctx context.Context, command string, args []string, out io.Writer) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := opts.resolveConfig()
	if err != nil {
		return err
	}
	document, err := opts.loadDocument()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	shutdown, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	return runOperation(ctx, command, cfg, opts, document, out, logger)
}

// runOperation executes one document and returns once it reached a final
// outcome, ctx is done, or the timeout passed.
func runOperation(ctx context.Context, command string, cfg config.Config, opts cliOptions, document string, out io.Writer, logger *zap.Logger) error {
	if err := checkOperationType(command, protocol.OperationTypeOf(document)); err != nil {
		return err
	}
	request := protocol.Request{Operation: document, Variables: opts.vars}

	ctx, span := telemetry.StartCommandSpan(ctx, command, cfg.URL)
	defer span.End()

	c := newClient(ctx, cfg, logger)
	defer c.Close()

	if cfg.StatusAddr != "" {
		srv := status.NewServer(c.socket.Endpoint(), c.socket.IsConnected, c.session.Stats, logger.Named("status"))
		statusCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := srv.ListenAndServe(statusCtx, cfg.StatusAddr); err != nil {
				logger.Warn("status server stopped", zap.Error(err))
			}
		}()
	}

	w := &output{w: out}
	defer w.close()

	var err error
	if command == "subscribe" {
		err = runSubscription(ctx, c.session, request, opts.count, w, logger)
	} else {
		err = runRequest(ctx, c.session, request, opts.timeout, w, logger)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func checkOperationType(command string, got protocol.OperationType) error {
	want := map[string]protocol.OperationType{
		"query":     protocol.Query,
		"mutate":    protocol.Mutation,
		"subscribe": protocol.Subscription,
	}[command]
	if got != want {
		return fmt.Errorf("%s expects a %s document, got a %s", command, want, got)
	}
	return nil
}

// retryable reports whether the session keeps the operation after err and
// will push it again on the next join.
func retryable(err error) bool {
	var joinErr *session.JoinError
	return errors.Is(err, session.ErrConnectionClosed) ||
		errors.Is(err, session.ErrChannelClosed) ||
		errors.Is(err, session.ErrRequestTimeout) ||
		errors.As(err, &joinErr)
}

func runRequest(ctx context.Context, sess *session.Session, request protocol.Request, timeout time.Duration, out *output, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	n := sess.Send(request, &notifier.Observer{
		OnStart: func(notifier.Notifier) { logger.Debug("operation started") },
		OnValue: func(v json.RawMessage) { finish(out.writeJSON(v, true)) },
		OnAbort: finish,
		OnError: func(err error) {
			if retryable(err) {
				logger.Warn("operation interrupted, waiting to retry", zap.Error(err))
				return
			}
			finish(err)
		},
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		sess.Discard(n)
		return fmt.Errorf("%s: %w", n.OperationType, ctx.Err())
	}
}

func runSubscription(ctx context.Context, sess *session.Session, request protocol.Request, count int, out *output, logger *zap.Logger) error {
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	// only touched from observer callbacks, which run one at a time
	received := 0
	link := sess.ObserveSubscription(request, &subscription.Observer{
		OnOpen: func(s subscription.Subscription) {
			logger.Info("subscription open", zap.String("subscription_id", s.ID))
		},
		OnValue: func(v json.RawMessage) {
			if err := out.writeJSON(v, false); err != nil {
				finish(err)
				return
			}
			received++
			if count > 0 && received >= count {
				finish(nil)
			}
		},
		OnAbort: finish,
		OnError: func(err error) {
			if retryable(err) {
				logger.Warn("subscription interrupted, waiting to resubscribe", zap.Error(err))
				return
			}
			finish(err)
		},
	})

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
	}

	if link.IsObserving() {
		if uerr := link.Unobserve(); uerr != nil {
			logger.Debug("unobserve subscription", zap.Error(uerr))
		}
	}
	return err
}

// output serialises writes from observer callbacks and drops them once the
// command has returned.
type output struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func (o *output) writeJSON(v json.RawMessage, indent bool) error {
	var buf bytes.Buffer
	var err error
	if indent {
		err = json.Indent(&buf, v, "", "  ")
	} else {
		err = json.Compact(&buf, v)
	}
	if err != nil {
		return fmt.Errorf("format result: %w", err)
	}
	buf.WriteByte('\n')

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	_, err = o.w.Write(buf.Bytes())
	return err
}

func (o *output) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}

// cmdStatus prints the resolved configuration with connection params
// redacted. With --write it also persists the unredacted configuration.
func cmdStatus(args []string, out io.Writer) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := opts.resolveConfig()
	if err != nil {
		return err
	}

	if opts.writePath != "" {
		if err := cfg.Save(opts.writePath); err != nil {
			return err
		}
		fmt.Fprintf(out, "# written to %s\n", opts.writePath)
	}

	if len(cfg.Params) > 0 {
		redacted := make(map[string]string, len(cfg.Params))
		for k := range cfg.Params {
			redacted[k] = "redacted"
		}
		cfg.Params = redacted
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = out.Write(data)
	return err
}
