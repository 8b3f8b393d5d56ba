// Package spamd adapts a spamd (SpamAssassin) client to the verdicts the
// rule sets and the spamassassin policy consume. Only the SYMBOLS command is
// used; it returns the verdict and the names of the rules that matched.
package spamd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Teamwork/spamc"

	"github.com/polisai/polis-mta/pkg/domain"
)

// Defaults for the scanner address.
const (
	DefaultHost    = "localhost"
	DefaultPort    = 783
	DefaultTimeout = 30 * time.Second
)

// Verdict is the scanner's answer for one message.
type Verdict struct {
	Spam      bool
	Score     float64
	Threshold float64
	Symbols   []string
}

// Client talks to one spamd server.
type Client struct {
	Address string
	client  *spamc.Client
}

// New returns a client for host:port.
func New(host string, port int) *Client {
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return &Client{
		Address: addr,
		client:  spamc.New(addr, &net.Dialer{Timeout: DefaultTimeout}),
	}
}

// Scan submits message and returns the verdict. Transport and protocol
// failures wrap domain.ErrScannerUnavailable.
func (c *Client) Scan(ctx context.Context, message []byte) (Verdict, error) {
	resp, err := c.client.Symbols(ctx, bytes.NewReader(message), nil)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", domain.ErrScannerUnavailable, err)
	}
	v := Verdict{
		Spam:      resp.IsSpam,
		Score:     resp.Score,
		Threshold: resp.BaseScore,
	}
	for _, sym := range resp.Symbols {
		if sym = strings.TrimSpace(sym); sym != "" {
			v.Symbols = append(v.Symbols, sym)
		}
	}
	return v, nil
}
