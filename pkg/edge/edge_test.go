package edge

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
	"github.com/polisai/polis-mta/pkg/rules"
	"github.com/polisai/polis-mta/pkg/spamd"
	"github.com/polisai/polis-mta/pkg/spf"
	"github.com/polisai/polis-mta/pkg/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingQueue struct {
	mu   sync.Mutex
	envs []*domain.Envelope
	err  error
}

func (q *recordingQueue) AddPolicy(domain.Policy) {}

func (q *recordingQueue) Enqueue(_ context.Context, env *domain.Envelope) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.envs = append(q.envs, env)
	return []string{"id1"}, nil
}

func (q *recordingQueue) Start(context.Context) error { return nil }
func (q *recordingQueue) Stop(context.Context) error  { return nil }

func (q *recordingQueue) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *recordingQueue) got() []*domain.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.Envelope(nil), q.envs...)
}

const rulesYAML = `
rules:
  only_senders: [good@example.com]
  only_recipients: [rcpt@example.net, other@example.net]
  passlib_config: [plaintext]
  lookup_credentials:
    type: dict
    entries:
      alice@example.com: {password: '{PLAIN}secret'}
`

type spamScanner struct{}

func (spamScanner) Scan(_ context.Context, msg []byte) (spamd.Verdict, error) {
	return spamd.Verdict{Spam: strings.Contains(string(msg), "VIAGRA")}, nil
}

func ruleSet(t *testing.T, yml string) *rules.RuleSet {
	t.Helper()
	tree, err := config.Parse([]byte(yml))
	require.NoError(t, err)
	rs, err := rules.Build(context.Background(), tree.Lookup("rules"), rules.Options{Hostname: "mx", FQDN: "mx.example.com", Logger: discardLogger()})
	require.NoError(t, err)
	return rs
}

func edgeSection(t *testing.T, yml string) *config.Section {
	t.Helper()
	tree, err := config.Parse([]byte(yml))
	require.NoError(t, err)
	return tree.Lookup("edge")
}

func startSMTP(t *testing.T, sec string, rs *rules.RuleSet, q domain.Queue) *SMTP {
	t.Helper()
	e, err := NewSMTP(edgeSection(t, sec), Options{
		Name:     "inbound",
		Address:  "127.0.0.1:0",
		Queue:    q,
		Rules:    rs,
		Hostname: "mx.example.com",
		Metrics:  telemetry.NewMetrics(),
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(context.Background()) })
	return e
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	require.Error(t, err)
	var se *smtp.SMTPError
	require.True(t, errors.As(err, &se), "expected an SMTP reply, got %v", err)
	return se.Code
}

func TestSMTPSession(t *testing.T) {
	q := &recordingQueue{}
	e := startSMTP(t, "edge: {allow_insecure_auth: true}", ruleSet(t, rulesYAML), q)

	c, err := smtp.Dial(e.Addr())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Hello("client.test"))

	ok, mechs := c.Extension("AUTH")
	require.True(t, ok)
	assert.Contains(t, mechs, "PLAIN")
	assert.Equal(t, 535, smtpCode(t, c.Auth(sasl.NewPlainClient("", "alice@example.com", "wrong"))))
	require.NoError(t, c.Auth(sasl.NewPlainClient("", "alice@example.com", "secret")))

	err = c.Mail("bad@example.com", nil)
	assert.Equal(t, 550, smtpCode(t, err))
	assert.Contains(t, err.Error(), "Sender <bad@example.com> Not allowed")

	require.NoError(t, c.Mail("good@example.com", nil))
	assert.Equal(t, 550, smtpCode(t, c.Rcpt("stranger@example.net", nil)))
	require.NoError(t, c.Rcpt("rcpt@example.net", nil))
	require.NoError(t, c.Rcpt("other@example.net", nil))

	w, err := c.Data()
	require.NoError(t, err)
	_, err = io.WriteString(w, "Subject: hello\r\n\r\nbody\r\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	got := q.got()
	require.Len(t, got, 1)
	env := got[0]
	assert.Equal(t, "good@example.com", env.Sender)
	assert.Equal(t, []string{"rcpt@example.net", "other@example.net"}, env.Recipients)
	assert.Equal(t, "127.0.0.1", env.Client.IP)
	assert.Equal(t, "client.test", env.Client.EHLO)
	assert.Equal(t, "alice@example.com", env.Client.AuthID)
	assert.Equal(t, "ESMTPA", env.Client.Protocol)
	assert.Equal(t, "mx.example.com", env.Receiver)
	assert.Equal(t, "hello", env.Header("Subject"))
}

func TestSMTPRejectsSpamAndQueueFailures(t *testing.T) {
	rs := ruleSet(t, "rules: {}\n")
	rs.Scanner = spamScanner{}
	q := &recordingQueue{}
	e := startSMTP(t, "edge: {}", rs, q)

	send := func(body string) error {
		c, err := smtp.Dial(e.Addr())
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.Hello("client.test"))
		require.NoError(t, c.Mail("a@example.com", nil))
		require.NoError(t, c.Rcpt("b@example.net", nil))
		w, err := c.Data()
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
		return w.Close()
	}

	assert.Equal(t, 554, smtpCode(t, send("Subject: VIAGRA\r\n\r\nbuy\r\n")))
	assert.Empty(t, q.got())

	q.fail(errors.New("down"))
	assert.Equal(t, 451, smtpCode(t, send("Subject: ok\r\n\r\nfine\r\n")))
}

func greeting(t *testing.T, addr string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	line, err := textproto.NewReader(bufio.NewReader(conn)).ReadLine()
	require.NoError(t, err)
	return line
}

func TestSMTPGreeting(t *testing.T) {
	plain := startSMTP(t, "edge: {}", ruleSet(t, "rules: {}\n"), &recordingQueue{})
	assert.Equal(t, "220 mx.example.com ESMTP Service Ready", greeting(t, plain.Addr()))

	bannered := startSMTP(t, "edge: {}", ruleSet(t, "rules: {banner: '{fqdn} polis relay'}\n"), &recordingQueue{})
	assert.Equal(t, "220 mx.example.com polis relay ESMTP Service Ready", greeting(t, bannered.Addr()))
}

func TestSMTPNoAuthWithoutCredentials(t *testing.T) {
	e := startSMTP(t, "edge: {allow_insecure_auth: true}", ruleSet(t, "rules: {}\n"), &recordingQueue{})
	c, err := smtp.Dial(e.Addr())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Hello("client.test"))
	ok, _ := c.Extension("AUTH")
	assert.False(t, ok)
}

func TestSMTPRateLimit(t *testing.T) {
	e := startSMTP(t, "edge: {rate_limit: {per_second: 0.001, burst: 1}}", ruleSet(t, "rules: {}\n"), &recordingQueue{})

	first, err := smtp.Dial(e.Addr())
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.Hello("one.test"))

	// The limit is checked when the session is created, which go-smtp
	// does on the greeting.
	second, err := smtp.Dial(e.Addr())
	if err == nil {
		defer second.Close()
		err = second.Hello("two.test")
	}
	assert.Equal(t, 421, smtpCode(t, err))
}

func TestSMTPConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yml  string
	}{
		{"bad rate", "edge: {rate_limit: {per_second: 0}}"},
		{"bad size", "edge: {max_message_size: -1}"},
		{"half tls", "edge: {tls: {certfile: /x.pem}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSMTP(edgeSection(t, tt.yml), Options{Queue: &recordingQueue{}})
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}

	_, err := NewSMTP(edgeSection(t, "edge: {}"), Options{})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func newHTTP(t *testing.T, q domain.Queue, rs *rules.RuleSet) *HTTP {
	t.Helper()
	e, err := NewHTTP(edgeSection(t, "edge: {max_message_size: 64}"), Options{
		Name:     "web",
		Address:  "127.0.0.1:0",
		Queue:    q,
		Rules:    rs,
		Hostname: "mx.example.com",
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	return e
}

func post(e *HTTP, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHTTPSubmission(t *testing.T) {
	q := &recordingQueue{}
	e := newHTTP(t, q, ruleSet(t, rulesYAML))

	rec := post(e, "Subject: hi\n\nbody\n", map[string]string{
		HeaderSender:    "good@example.com",
		HeaderRecipient: "rcpt@example.net, other@example.net",
		HeaderEHLO:      "web.test",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `250; message="2.6.0 Message accepted for delivery"`, rec.Header().Get(HeaderReply))

	got := q.got()
	require.Len(t, got, 1)
	assert.Equal(t, []string{"rcpt@example.net", "other@example.net"}, got[0].Recipients)
	assert.Equal(t, "web.test", got[0].Client.EHLO)
	assert.Equal(t, []byte("Subject: hi\r\n\r\nbody\r\n"), got[0].Message)
}

func TestHTTPRejections(t *testing.T) {
	e := newHTTP(t, &recordingQueue{}, ruleSet(t, rulesYAML))

	tests := []struct {
		name    string
		body    string
		headers map[string]string
		status  int
		reply   string
	}{
		{
			name:    "sender",
			headers: map[string]string{HeaderSender: "bad@example.com", HeaderRecipient: "rcpt@example.net"},
			status:  http.StatusForbidden,
			reply:   `550; message="5.7.1 Sender <bad@example.com> Not allowed"`,
		},
		{
			name:    "recipient",
			headers: map[string]string{HeaderSender: "good@example.com", HeaderRecipient: "nobody@example.net"},
			status:  http.StatusForbidden,
			reply:   `550; message="5.7.1 Recipient <nobody@example.net> Not allowed"`,
		},
		{
			name:    "no recipients",
			headers: map[string]string{HeaderSender: "good@example.com"},
			status:  http.StatusForbidden,
			reply:   `554; message="5.5.1 No valid recipients"`,
		},
		{
			name:    "too large",
			body:    strings.Repeat("x", 65),
			headers: map[string]string{HeaderSender: "good@example.com", HeaderRecipient: "rcpt@example.net"},
			status:  http.StatusRequestEntityTooLarge,
			reply:   `552; message="5.3.4 Message size exceeds fixed limit"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(e, tt.body, tt.headers)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.reply, rec.Header().Get(HeaderReply))
		})
	}
}

type listedClients map[string]bool

func (l listedClients) Listed(_ context.Context, ip string) (bool, error) { return l[ip], nil }

func TestHTTPBlocklistAndSPF(t *testing.T) {
	tree, err := config.Parse([]byte("rules: {reject_spf: [fail]}\n"))
	require.NoError(t, err)
	rs, err := rules.Build(context.Background(), tree.Lookup("rules"), rules.Options{
		Hostname: "mx",
		FQDN:     "mx.example.com",
		SPFCheck: func(_ context.Context, ip net.IP, _, _ string) (spf.Result, error) {
			if ip.Equal(net.ParseIP("192.0.2.66")) {
				return spf.Fail, nil
			}
			return spf.Pass, nil
		},
		Logger: discardLogger(),
	})
	require.NoError(t, err)
	rs.DNSBL = listedClients{"192.0.2.99": true}
	q := &recordingQueue{}
	e := newHTTP(t, q, rs)

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("Subject: x\r\n\r\ny\r\n"))
		req.RemoteAddr = remote
		req.Header.Set(HeaderSender, "a@example.com")
		req.Header.Set(HeaderRecipient, "b@example.net")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	rec := send("192.0.2.99:4000")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, `520; message="5.7.1 Access denied"`, rec.Header().Get(HeaderReply))
	assert.Empty(t, q.got())

	rec = send("192.0.2.66:4000")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, `550; message="5.7.1 Access denied; fail"`, rec.Header().Get(HeaderReply))
	assert.Empty(t, q.got())

	rec = send("192.0.2.1:4000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, q.got(), 1)
}

func TestHTTPBasicAuth(t *testing.T) {
	q := &recordingQueue{}
	e := newHTTP(t, q, ruleSet(t, "rules:\n  passlib_config: [plaintext]\n  lookup_credentials: {type: dict, entries: {alice@example.com: {password: '{PLAIN}secret'}}}\n"))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
	req.Header.Set(HeaderSender, "alice@example.com")
	req.Header.Set(HeaderRecipient, "b@example.net")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code, "credential lookup requires an authenticated sender")

	req.SetBasicAuth("alice@example.com", "wrong")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
	req.Header.Set(HeaderSender, "alice@example.com")
	req.Header.Set(HeaderRecipient, "b@example.net")
	req.SetBasicAuth("alice@example.com", "secret")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice@example.com", q.got()[0].Client.AuthID)
}

func TestHTTPServes(t *testing.T) {
	q := &recordingQueue{}
	e := newHTTP(t, q, ruleSet(t, "rules: {}\n"))
	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	resp, err := http.Get("http://" + e.Addr() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, "http://"+e.Addr()+"/", strings.NewReader("Subject: x\r\n\r\ny\r\n"))
	require.NoError(t, err)
	req.Header.Set(HeaderSender, "a@example.com")
	req.Header.Set(HeaderRecipient, "b@example.net")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, q.got(), 1)
}
