package edge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/rules"
)

// Request headers carrying the envelope of a submitted message.
const (
	HeaderSender    = "X-Envelope-Sender"
	HeaderRecipient = "X-Envelope-Recipient"
	HeaderEHLO      = "X-Ehlo"
	// HeaderReply carries the SMTP equivalent of the HTTP answer.
	HeaderReply = "X-Smtp-Reply"
)

// HTTP accepts messages as the body of a POST request.
type HTTP struct {
	opts       Options
	validators *rules.HTTPValidators
	limiter    *rate.Limiter
	maxSize    int64
	server     *http.Server
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewHTTP reads {hostname, max_message_size, timeout, rate_limit}.
func NewHTTP(sec *config.Section, opts Options) (*HTTP, error) {
	if opts.Queue == nil {
		return nil, domain.ConfigErrorf(sec.Path(), "queue", "edge has no queue")
	}
	if opts.Rules == nil {
		opts.Rules = &rules.RuleSet{}
	}
	opts.Hostname = sec.String("hostname", opts.Hostname)
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}

	e := &HTTP{opts: opts, validators: rules.NewHTTPValidators(opts.Rules), logger: opts.logger()}
	var err error
	if e.limiter, err = rateLimit(sec); err != nil {
		return nil, err
	}
	if e.maxSize, err = maxMessageSize(sec); err != nil {
		return nil, err
	}
	timeout, err := sec.Float("timeout", 60)
	if err != nil {
		return nil, err
	}

	e.server = &http.Server{
		Handler:           otelhttp.NewHandler(e, "edge.http"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Duration(timeout * float64(time.Second)),
		WriteTimeout:      time.Duration(timeout * float64(time.Second)),
		IdleTimeout:       120 * time.Second,
	}
	return e, nil
}

// Start binds the listener and serves in the background.
func (e *HTTP) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener != nil {
		return nil
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", e.opts.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", e.opts.Address, err)
	}
	e.listener = l
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		if err := e.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("http server stopped", "error", err)
		}
	}()
	e.logger.Info("http edge listening", "addr", l.Addr().String())
	return nil
}

// Stop shuts the server down gracefully.
func (e *HTTP) Stop(ctx context.Context) error {
	e.mu.Lock()
	l, done := e.listener, e.done
	e.mu.Unlock()
	if l == nil {
		return nil
	}
	err := e.server.Shutdown(ctx)
	<-done
	return err
}

// Addr is the bound address, or the configured one before Start.
func (e *HTTP) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener != nil {
		return e.listener.Addr().String()
	}
	return e.opts.Address
}

// ServeHTTP handles one submission.
func (e *HTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if e.limiter != nil && !e.limiter.Allow() {
		e.reject(w, stageBanner, domain.NewReply(421, "4.7.0 Too many requests, try again later"))
		return
	}
	ctx := r.Context()

	client := domain.ClientInfo{IP: remoteIP(r), EHLO: r.Header.Get(HeaderEHLO), Protocol: "HTTP"}
	if r.TLS != nil {
		client.Protocol = "HTTPS"
	}

	if reply := e.validators.ValidateClient(ctx, client); reply != nil {
		e.logger.Info("client rejected", "client_ip", client.IP, "code", reply.Code)
		e.reject(w, stageBanner, reply)
		return
	}

	rs := e.validators.Rules()
	if user, pass, ok := r.BasicAuth(); ok {
		ok, err := rs.CheckCredentials(ctx, domain.Credentials{AuthcID: user, Secret: pass})
		if err != nil {
			e.logger.Error("credential check failed", "authcid", user, "error", err)
		}
		if !ok {
			e.reject(w, stageAuth, domain.NewReply(535, "5.7.8 Authentication credentials invalid"))
			return
		}
		client.AuthID = user
	}

	sender := strings.TrimSpace(r.Header.Get(HeaderSender))
	if reply := e.validators.ValidateSender(ctx, client, sender); reply != nil {
		e.reject(w, stageMail, reply)
		return
	}

	var rcpts []string
	for _, v := range r.Header.Values(HeaderRecipient) {
		for _, rcpt := range strings.Split(v, ",") {
			if rcpt = strings.TrimSpace(rcpt); rcpt != "" {
				rcpts = append(rcpts, rcpt)
			}
		}
	}
	if len(rcpts) == 0 {
		e.reject(w, stageRcpt, domain.NewReply(554, "5.5.1 No valid recipients"))
		return
	}
	for _, rcpt := range rcpts {
		if reply := e.validators.ValidateRecipient(ctx, client, sender, rcpt); reply != nil {
			e.reject(w, stageRcpt, reply)
			return
		}
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, e.maxSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reply := domain.NewReply(552, "5.3.4 Message size exceeds fixed limit")
			e.opts.Metrics.ObserveReply(e.opts.Name, stageData, reply.Code)
			writeReply(w, http.StatusRequestEntityTooLarge, reply)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	spam, err := rs.RejectSpam(ctx, data)
	if err != nil {
		e.logger.Warn("content scan failed, accepting message", "error", err)
	}
	if spam {
		e.reject(w, stageData, domain.NewReply(554, "5.6.0 Message content rejected"))
		return
	}

	env := &domain.Envelope{
		Sender:     sender,
		Recipients: rcpts,
		Message:    normalizeCRLF(data),
		Client:     client,
		Receiver:   e.opts.Hostname,
		Timestamp:  time.Now(),
	}
	ids, err := e.opts.Queue.Enqueue(ctx, env)
	if err != nil {
		e.logger.Error("enqueue failed", "sender", sender, "error", err)
		e.reject(w, stageData, domain.NewReply(451, "4.3.0 Error queuing message"))
		return
	}

	reply := domain.NewReply(250, "2.6.0 Message accepted for delivery")
	e.opts.Metrics.ObserveReply(e.opts.Name, stageData, reply.Code)
	e.logger.Info("message queued", "client_ip", client.IP, "sender", sender, "recipients", len(rcpts), "ids", ids)
	w.Header().Set("X-Message-Ids", strings.Join(ids, ","))
	writeReply(w, http.StatusOK, reply)
}

// reject answers 403 for permanent rejections and 503 for temporary ones.
func (e *HTTP) reject(w http.ResponseWriter, stage string, reply *domain.Reply) {
	e.opts.Metrics.ObserveReply(e.opts.Name, stage, reply.Code)
	status := http.StatusForbidden
	switch {
	case reply.Code == 535:
		status = http.StatusUnauthorized
	case reply.Code < 500:
		status = http.StatusServiceUnavailable
	}
	writeReply(w, status, reply)
}

func writeReply(w http.ResponseWriter, status int, reply *domain.Reply) {
	w.Header().Set(HeaderReply, strconv.Itoa(reply.Code)+"; message="+strconv.Quote(reply.Message))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, reply.String()+"\n")
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
