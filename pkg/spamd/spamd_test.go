package spamd

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-mta/pkg/domain"
)

// fakeSpamd answers every connection with reply after consuming the request.
func fakeSpamd(t *testing.T, reply string, got chan<- string) *Client {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				data, _ := io.ReadAll(bufio.NewReader(conn))
				if got != nil {
					got <- string(data)
				}
				_, _ = io.WriteString(conn, reply)
			}()
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return New(host, p)
}

func TestScanSpam(t *testing.T) {
	got := make(chan string, 1)
	c := fakeSpamd(t, "SPAMD/1.1 0 EX_OK\r\nSpam: True ; 7.5 / 5.0\r\n\r\nBAYES_99,URIBL_BLACK\r\n", got)

	v, err := c.Scan(context.Background(), []byte("Subject: hi\r\n\r\nbuy now\r\n"))
	require.NoError(t, err)
	assert.True(t, v.Spam)
	assert.Equal(t, 7.5, v.Score)
	assert.Equal(t, 5.0, v.Threshold)
	assert.Equal(t, []string{"BAYES_99", "URIBL_BLACK"}, v.Symbols)

	req := <-got
	assert.True(t, strings.HasPrefix(req, "SYMBOLS SPAMC/"), req)
	assert.Contains(t, req, "Content-length: 24\r\n\r\n")
	assert.True(t, strings.HasSuffix(req, "buy now\r\n"))
}

func TestScanHam(t *testing.T) {
	c := fakeSpamd(t, "SPAMD/1.1 0 EX_OK\r\nSpam: False ; 0.1 / 5.0\r\n\r\n", nil)

	v, err := c.Scan(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.False(t, v.Spam)
	assert.Empty(t, v.Symbols)
}

func TestScanErrors(t *testing.T) {
	c := fakeSpamd(t, "SPAMD/1.0 76 Bad header line\r\n", nil)
	_, err := c.Scan(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, domain.ErrScannerUnavailable)

	c = fakeSpamd(t, "SPAMD/1.1 0 EX_OK\r\n\r\n", nil)
	_, err = c.Scan(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, domain.ErrScannerUnavailable, "a reply without a Spam header is unusable")

	unreachable := New("127.0.0.1", 1)
	_, err = unreachable.Scan(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, domain.ErrScannerUnavailable)
}

func TestNewDefaults(t *testing.T) {
	assert.Equal(t, "localhost:783", New("", 0).Address)
}
