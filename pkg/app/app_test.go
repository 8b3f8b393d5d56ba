package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

type recorder struct {
	mu    sync.Mutex
	uid   int
	calls []string
}

func (r *recorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) Getuid() int {
	r.record("getuid")
	return r.uid
}

func (r *recorder) DropPrivileges(user, group string) error {
	r.record(fmt.Sprintf("drop %s:%s", user, group))
	return nil
}

func (r *recorder) RedirectStreams(stdin, stdout, stderr string) error {
	r.record(fmt.Sprintf("redirect %s %s %s", stdin, stdout, stderr))
	return nil
}

func (r *recorder) Daemonize() error {
	r.record("daemonize")
	return nil
}

func (r *recorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

const baseConfig = `
process:
  hostname: mx.example.com
  user: mail
  daemon: true
  stdout: /var/log/mta.out
  relay: smarthost
  retry: {maximum: 2, delay: "30*x"}
relay:
  smarthost: {type: static, host: 127.0.0.1, port: 2525}
queue:
  local:
    type: default
    policies:
      - type: add_received_header
edge:
  inbound:
    type: smtp
    queue: local
    listener: {interface: 127.0.0.1, port: 0}
  web:
    type: http
    queue: local
    listeners:
      - {interface: 127.0.0.1, port: 0}
`

func newApp(t *testing.T, yml string, sys *recorder, attached bool) *App {
	t.Helper()
	tree, err := config.Parse([]byte(yml))
	require.NoError(t, err)
	a, err := New(context.Background(), Options{
		Tree:     tree,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		System:   sys,
		Attached: attached,
	})
	require.NoError(t, err)
	return a
}

// runUntilStarted runs a until it has started, then cancels it and returns
// Run's result.
func runUntilStarted(t *testing.T, a *App, inspect func()) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Started():
		if inspect != nil {
			inspect()
		}
		cancel()
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("app did not start")
	}
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
		return nil
	}
}

func TestRunLifecycleOrder(t *testing.T) {
	sys := &recorder{uid: 0}
	a := newApp(t, baseConfig, sys, false)

	err := runUntilStarted(t, a, func() {
		edges := a.Builder().Edges()
		require.Len(t, edges, 2)
		assert.NotEqual(t, "127.0.0.1:0", edges["inbound"].Addr(), "edge is bound")
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"getuid",
		"drop mail:",
		"redirect /dev/null /var/log/mta.out /dev/null",
		"daemonize",
	}, sys.recorded())
}

func TestRunWithoutPrivilegesOrDetach(t *testing.T) {
	sys := &recorder{uid: 1000}
	a := newApp(t, baseConfig, sys, true)
	require.NoError(t, runUntilStarted(t, a, nil))
	assert.Equal(t, []string{"getuid"}, sys.recorded())
}

func TestRunFailsBeforeListening(t *testing.T) {
	sys := &recorder{}
	a := newApp(t, `
process: {hostname: mx.example.com}
relay:
  smarthost: {type: static, host: 127.0.0.1}
queue:
  outbound:
    type: memory
    relay: smarthost
    policies:
      - type: lookup
edge:
  inbound: {type: smtp, queue: outbound, listener: {port: 0}}
`, sys, true)

	err := runUntilStarted(t, a, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Empty(t, a.Builder().Edges())
	assert.Empty(t, sys.recorded(), "process is not touched when the graph fails")
}

func TestCheck(t *testing.T) {
	a := newApp(t, baseConfig, &recorder{}, true)
	require.NoError(t, a.Check(context.Background()))

	a = newApp(t, `
process: {hostname: mx.example.com}
queue:
  outbound: {type: memory}
edge:
  inbound: {type: smtp, queue: outbound}
`, &recorder{}, true)
	err := a.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.outbound (relay)")
}

func TestNewRejectsBadProcessSettings(t *testing.T) {
	tests := []struct {
		name string
		yml  string
	}{
		{"unknown relay", "process: {hostname: h, relay: nowhere}\n"},
		{"bad retry", "process: {hostname: h, retry: {delay: \"exit(1)\"}}\n"},
		{"bad sample ratio", "process: {hostname: h, telemetry: {sample_ratio: 2}}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, err := config.Parse([]byte(tt.yml))
			require.NoError(t, err)
			_, err = New(context.Background(), Options{Tree: tree, Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), System: &recorder{}})
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}
}

func TestRegistryTypes(t *testing.T) {
	reg := NewRegistry(Deps{Hostname: "mx.example.com"})
	assert.Equal(t, []string{"maildrop", "mx", "static"}, reg.Types("relay"))
	assert.Equal(t, []string{"memory", "redis"}, reg.Types("queue"))
	assert.Equal(t, []string{"http", "smtp"}, reg.Types("edge"))
}
