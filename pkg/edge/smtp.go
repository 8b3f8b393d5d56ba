package edge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	mtatls "github.com/polisai/polis-mta/internal/tls"
	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/rules"
	"github.com/polisai/polis-mta/pkg/telemetry"
)

// SMTP session defaults.
const (
	DefaultSMTPTimeout = 5 * time.Minute
)

// SMTP is an edge speaking SMTP (RFC 5321) with optional STARTTLS and AUTH
// PLAIN.
type SMTP struct {
	opts       Options
	validators *rules.SMTPValidators
	limiter    *rate.Limiter
	server     *smtp.Server
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
	stopped  bool
}

// NewSMTP reads {hostname, tls{certfile, keyfile}, max_message_size,
// max_recipients, allow_insecure_auth, timeout, rate_limit{per_second,
// burst}}.
func NewSMTP(sec *config.Section, opts Options) (*SMTP, error) {
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

	e := &SMTP{opts: opts, validators: rules.NewSMTPValidators(opts.Rules), logger: opts.logger()}

	var err error
	if e.limiter, err = rateLimit(sec); err != nil {
		return nil, err
	}
	maxSize, err := maxMessageSize(sec)
	if err != nil {
		return nil, err
	}
	maxRcpts, err := sec.Int("max_recipients", 0)
	if err != nil {
		return nil, err
	}
	insecureAuth, err := sec.Bool("allow_insecure_auth", false)
	if err != nil {
		return nil, err
	}
	timeout, err := sec.Float("timeout", DefaultSMTPTimeout.Seconds())
	if err != nil {
		return nil, err
	}

	s := smtp.NewServer(&backend{edge: e})
	// go-smtp greets with "220 <Domain> ESMTP Service Ready" before any
	// session exists, so the rules banner can only replace the host text.
	s.Domain = opts.Hostname
	if opts.Rules.Banner != "" {
		s.Domain = opts.Rules.Banner
	}
	s.MaxMessageBytes = maxSize
	s.MaxRecipients = maxRcpts
	s.AllowInsecureAuth = insecureAuth
	s.ReadTimeout = time.Duration(timeout * float64(time.Second))
	s.WriteTimeout = s.ReadTimeout

	tlsCfg, err := mtatls.FromSection(sec.Section("tls"))
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		if s.TLSConfig, err = mtatls.BuildServer(*tlsCfg); err != nil {
			return nil, domain.ConfigErrorf(sec.FieldPath("tls"), "certfile", "%v", err)
		}
	}
	e.server = s
	return e, nil
}

// Start binds the listener and serves in the background.
func (e *SMTP) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return errors.New("smtp edge already stopped")
	}
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
		if err := e.server.Serve(l); err != nil && !errors.Is(err, smtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			e.logger.Error("smtp server stopped", "error", err)
		}
	}()
	e.logger.Info("smtp edge listening", "addr", l.Addr().String())
	return nil
}

// Stop closes the listener and waits for open sessions until ctx is done.
func (e *SMTP) Stop(ctx context.Context) error {
	e.mu.Lock()
	l, done, stopped := e.listener, e.done, e.stopped
	e.stopped = true
	e.mu.Unlock()
	if l == nil || stopped {
		return nil
	}
	err := e.server.Shutdown(ctx)
	<-done
	return err
}

// Addr is the bound address, or the configured one before Start.
func (e *SMTP) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener != nil {
		return e.listener.Addr().String()
	}
	return e.opts.Address
}

// smtpError turns a rejecting Reply into the error go-smtp sends to the client.
// Reply messages already carry their enhanced status code.
func smtpError(r *domain.Reply) error {
	return &smtp.SMTPError{Code: r.Code, EnhancedCode: smtp.NoEnhancedCode, Message: r.Message}
}

func (e *SMTP) observe(stage string, r *domain.Reply) {
	e.opts.Metrics.ObserveReply(e.opts.Name, stage, r.Code)
}

type backend struct {
	edge *SMTP
}

// NewSession runs the connection rate limit and the banner checks.
func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	e := b.edge
	if e.limiter != nil && !e.limiter.Allow() {
		r := domain.NewReply(421, "4.7.0 Too many connections, try again later")
		e.observe(stageBanner, r)
		return nil, smtpError(r)
	}

	ip := ""
	if addr, ok := c.Conn().RemoteAddr().(*net.TCPAddr); ok {
		ip = addr.IP.String()
	} else if host, _, err := net.SplitHostPort(c.Conn().RemoteAddr().String()); err == nil {
		ip = host
	}

	s := &session{edge: e, conn: c, client: domain.ClientInfo{IP: ip, Protocol: "ESMTP"}}
	r := domain.NewReply(220, e.opts.Hostname+" ESMTP")
	e.validators.HandleBanner(context.Background(), r, s.client)
	e.observe(stageBanner, r)
	if !r.Accepted() {
		e.logger.Info("client rejected at banner", "client_ip", ip, "code", r.Code)
		return nil, smtpError(r)
	}
	return s, nil
}

type session struct {
	edge   *SMTP
	conn   *smtp.Conn
	client domain.ClientInfo
	sender string
	rcpts  []string
}

var _ smtp.AuthSession = (*session)(nil)

// clientInfo fills in the greeting name, which go-smtp records after the
// session is created.
func (s *session) clientInfo() domain.ClientInfo {
	c := s.client
	c.EHLO = s.conn.Hostname()
	if _, ok := s.conn.TLSConnectionState(); ok {
		c.Protocol = "ESMTPS"
	}
	if c.AuthID != "" {
		c.Protocol += "A"
	}
	return c
}

func (s *session) AuthMechanisms() []string {
	if !s.edge.validators.Rules().AuthOffered() {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain || !s.edge.validators.Rules().AuthOffered() {
		return nil, smtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		r := domain.NewReply(235, "2.7.0 Authentication successful")
		s.edge.validators.HandleAuth(context.Background(), r, domain.Credentials{
			AuthcID: username,
			AuthzID: identity,
			Secret:  password,
		})
		s.edge.observe(stageAuth, r)
		if !r.Accepted() {
			return smtpError(r)
		}
		s.client.AuthID = username
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	r := domain.NewReply(250, "2.1.0 Sender <"+from+"> Ok")
	s.edge.validators.HandleMail(context.Background(), r, s.clientInfo(), from)
	s.edge.observe(stageMail, r)
	if !r.Accepted() {
		return smtpError(r)
	}
	s.sender = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	r := domain.NewReply(250, "2.1.5 Recipient <"+to+"> Ok")
	s.edge.validators.HandleRcpt(context.Background(), r, s.clientInfo(), s.sender, to)
	s.edge.observe(stageRcpt, r)
	if !r.Accepted() {
		return smtpError(r)
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *session) Data(body io.Reader) error {
	e := s.edge
	ctx, span := telemetry.Tracer("edge").Start(context.Background(), "edge.smtp.data")
	defer span.End()

	data, err := io.ReadAll(body)
	if err != nil {
		// go-smtp reports size violations itself.
		return err
	}
	span.SetAttributes(
		attribute.String("mta.edge", e.opts.Name),
		attribute.Int("mta.recipients", len(s.rcpts)),
		attribute.Int("mta.message_size", len(data)),
	)

	r := domain.NewReply(250, "2.6.0 Message accepted for delivery")
	e.validators.HandleHaveData(ctx, r, data)
	if !r.Accepted() {
		e.observe(stageData, r)
		return smtpError(r)
	}

	env := &domain.Envelope{
		Sender:     s.sender,
		Recipients: append([]string(nil), s.rcpts...),
		Message:    normalizeCRLF(data),
		Client:     s.clientInfo(),
		Receiver:   e.opts.Hostname,
		Timestamp:  time.Now(),
	}
	ids, err := e.opts.Queue.Enqueue(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("enqueue failed", "sender", s.sender, "error", err)
		r.Set(451, "4.3.0 Error queuing message")
		e.observe(stageData, r)
		return smtpError(r)
	}
	e.observe(stageData, r)
	e.logger.Info("message queued", "client_ip", env.Client.IP, "sender", s.sender, "recipients", len(env.Recipients), "ids", ids)
	return nil
}

func (s *session) Reset() {
	s.sender = ""
	s.rcpts = nil
}

func (s *session) Logout() error { return nil }

// normalizeCRLF converts bare LF line endings to CRLF.
func normalizeCRLF(b []byte) []byte {
	if !bytes.Contains(b, []byte("\n")) {
		return b
	}
	var out bytes.Buffer
	out.Grow(len(b) + len(b)/40)
	for i, c := range b {
		if c == '\n' && (i == 0 || b[i-1] != '\r') {
			out.WriteByte('\r')
		}
		out.WriteByte(c)
	}
	return out.Bytes()
}
