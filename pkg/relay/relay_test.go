package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-mta/internal/governance"
	"github.com/polisai/polis-mta/internal/resolver"
	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type received struct {
	from  string
	rcpts []string
	data  string
	auth  string
}

// upstream is a recording SMTP server.
type upstream struct {
	mu       sync.Mutex
	messages []received
	// rejectRcpt maps a recipient to the error returned for it.
	rejectRcpt map[string]*smtp.SMTPError
	password   string
}

func (u *upstream) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &upstreamSession{u: u}, nil
}

type upstreamSession struct {
	u   *upstream
	cur received
}

func (s *upstreamSession) AuthMechanisms() []string {
	if s.u.password == "" {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *upstreamSession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if password != s.u.password {
			return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "bad credentials"}
		}
		s.cur.auth = username
		return nil
	}), nil
}

func (s *upstreamSession) Mail(from string, _ *smtp.MailOptions) error {
	s.cur.from = from
	return nil
}

func (s *upstreamSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if err, ok := s.u.rejectRcpt[to]; ok {
		return err
	}
	s.cur.rcpts = append(s.cur.rcpts, to)
	return nil
}

func (s *upstreamSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.cur.data = string(b)
	s.u.mu.Lock()
	s.u.messages = append(s.u.messages, s.cur)
	s.u.mu.Unlock()
	return nil
}

func (s *upstreamSession) Reset()        { s.cur = received{auth: s.cur.auth} }
func (s *upstreamSession) Logout() error { return nil }

func (u *upstream) got() []received {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]received(nil), u.messages...)
}

func startUpstream(t *testing.T, u *upstream) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := smtp.NewServer(u)
	s.Domain = "upstream.test"
	s.AllowInsecureAuth = true
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })
	return l.Addr().(*net.TCPAddr).Port
}

func section(t *testing.T, yml string) *config.Section {
	t.Helper()
	tree, err := config.Parse([]byte(yml))
	require.NoError(t, err)
	return tree.Lookup("relay")
}

func envelope(rcpts ...string) *domain.Envelope {
	return &domain.Envelope{
		ID:         "env1",
		Sender:     "sender@example.com",
		Recipients: rcpts,
		Message:    []byte("Subject: hi\r\n\r\nbody\r\n"),
	}
}

func TestStaticDelivers(t *testing.T) {
	u := &upstream{password: "secret"}
	port := startUpstream(t, u)

	r, err := NewStatic(section(t, `
relay:
  host: 127.0.0.1
  port: `+strconv.Itoa(port)+`
  credentials: {username: alice, password: secret}
`), StaticOptions{EHLO: "mta.test", Logger: discardLogger()})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Attempt(context.Background(), envelope("a@example.net", "b@example.net")))

	got := u.got()
	require.Len(t, got, 1)
	assert.Equal(t, "sender@example.com", got[0].from)
	assert.Equal(t, []string{"a@example.net", "b@example.net"}, got[0].rcpts)
	assert.Equal(t, "alice", got[0].auth)
	assert.Contains(t, got[0].data, "body")
}

func TestStaticClassifiesReplies(t *testing.T) {
	u := &upstream{rejectRcpt: map[string]*smtp.SMTPError{
		"gone@example.net": {Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
		"busy@example.net": {Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "try later"},
	}}
	port := startUpstream(t, u)
	r, err := NewStatic(section(t, "relay: {host: 127.0.0.1, port: "+strconv.Itoa(port)+"}"), StaticOptions{Logger: discardLogger()})
	require.NoError(t, err)

	err = r.Attempt(context.Background(), envelope("gone@example.net"))
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
	var de *domain.DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 550, de.Code)

	err = r.Attempt(context.Background(), envelope("busy@example.net"))
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))
}

func TestStaticConnectFailureIsTransient(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	r, err := NewStatic(section(t, "relay: {host: 127.0.0.1, port: "+strconv.Itoa(port)+", connect_timeout: 1}"), StaticOptions{Logger: discardLogger()})
	require.NoError(t, err)
	err = r.Attempt(context.Background(), envelope("a@example.net"))
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))
}

func TestStaticCircuitBreaker(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	r, err := NewStatic(section(t, `
relay:
  host: 127.0.0.1
  port: `+strconv.Itoa(port)+`
  connect_timeout: 1
  circuit_breaker: {max_failures: 2, cooldown: 600}
`), StaticOptions{Logger: discardLogger()})
	require.NoError(t, err)

	for range 2 {
		err = r.Attempt(context.Background(), envelope("a@example.net"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, governance.ErrCircuitOpen)
	}
	err = r.Attempt(context.Background(), envelope("a@example.net"))
	require.ErrorIs(t, err, governance.ErrCircuitOpen)
	assert.False(t, domain.IsPermanent(err), "skipped hosts are retried later")

	_, err = NewStatic(section(t, "relay: {host: a, circuit_breaker: {max_failures: 0}}"), StaticOptions{})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestStaticConfig(t *testing.T) {
	_, err := NewStatic(section(t, "relay: {port: 25}"), StaticOptions{})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = NewStatic(section(t, "relay: {host: a, port: 70000}"), StaticOptions{})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	_, err = NewStatic(section(t, "relay: {host: a, credentials: {password: x}}"), StaticOptions{})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	r, err := NewStatic(section(t, "relay: {host: a}"), StaticOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a:25", r.addr)
	assert.NotNil(t, r.client.tlsConfig, "opportunistic STARTTLS is on by default")
}

type fakeMX struct {
	records map[string][]*net.MX
	err     error
}

func (f fakeMX) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	if f.err != nil {
		return nil, f.err
	}
	rs, ok := f.records[name]
	if !ok {
		return nil, resolver.ErrNotFound
	}
	return rs, nil
}

func TestMXDeliversPerDomain(t *testing.T) {
	u := &upstream{}
	port := startUpstream(t, u)

	r, err := NewMX(section(t, "relay: {port: "+strconv.Itoa(port)+"}"), MXOptions{
		Resolver: fakeMX{records: map[string][]*net.MX{
			"example.net": {{Host: "unreachable.invalid.", Pref: 20}, {Host: "127.0.0.1.", Pref: 10}},
		}},
		Logger: discardLogger(),
	})
	require.NoError(t, err)

	// 127.0.0.1 has no MX record and is tried as its own host.
	require.NoError(t, r.Attempt(context.Background(), envelope("a@example.net", "b@127.0.0.1", "c@EXAMPLE.net")))

	got := u.got()
	require.Len(t, got, 2)
	assert.Equal(t, []string{"a@example.net", "c@EXAMPLE.net"}, got[0].rcpts)
	assert.Equal(t, []string{"b@127.0.0.1"}, got[1].rcpts)
}

func TestMXLookupFailures(t *testing.T) {
	r, err := NewMX(nil, MXOptions{Resolver: fakeMX{err: errors.New("servfail")}, Logger: discardLogger()})
	require.NoError(t, err)
	err = r.Attempt(context.Background(), envelope("a@example.net"))
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))

	r, err = NewMX(nil, MXOptions{Resolver: fakeMX{records: map[string][]*net.MX{"null.test": {{Host: ".", Pref: 0}}}}, Logger: discardLogger()})
	require.NoError(t, err)
	err = r.Attempt(context.Background(), envelope("a@null.test"))
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
}

func writeAgent(t *testing.T, script string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestMaildrop(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	agent := writeAgent(t, `echo "$1 $2 $RECIPIENT" >> `+out+"\ncat >> "+out+"\n")

	r, err := NewMaildrop(section(t, "relay: {executable: "+agent+"}"), discardLogger())
	require.NoError(t, err)
	require.NoError(t, r.Attempt(context.Background(), envelope("a@example.net", "b@example.net")))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "-f sender@example.com a@example.net")
	assert.Contains(t, text, "-f sender@example.com b@example.net")
	assert.Equal(t, 2, strings.Count(text, "Subject: hi"))
}

func TestMaildropExitCodes(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		permanent bool
	}{
		{"tempfail", "75", false},
		{"other", "1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := writeAgent(t, "cat >/dev/null\necho nope >&2\nexit "+tt.code+"\n")
			r, err := NewMaildrop(section(t, "relay: {executable: "+agent+"}"), discardLogger())
			require.NoError(t, err)
			err = r.Attempt(context.Background(), envelope("a@example.net"))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, domain.IsPermanent(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestMaildropMissingExecutable(t *testing.T) {
	r, err := NewMaildrop(section(t, "relay: {executable: /nonexistent/maildrop}"), discardLogger())
	require.NoError(t, err)
	err = r.Attempt(context.Background(), envelope("a@example.net"))
	require.Error(t, err)
	assert.False(t, domain.IsPermanent(err))
}
