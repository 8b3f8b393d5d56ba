package spf

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResult(t *testing.T) {
	for _, name := range []string{"fail", "SoftFail", " permerror "} {
		_, err := ParseResult(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseResult("bogus")
	assert.Error(t, err)
}

func TestEnforcer(t *testing.T) {
	var gotSender, gotHelo string
	check := func(_ context.Context, ip net.IP, helo, sender string) (Result, error) {
		gotSender, gotHelo = sender, helo
		if ip.Equal(net.ParseIP("192.0.2.1")) {
			return Fail, nil
		}
		if ip.Equal(net.ParseIP("192.0.2.2")) {
			return "", errors.New("dns broke")
		}
		return Pass, nil
	}
	e := NewEnforcer([]Result{Fail, TempError}, check)
	ctx := context.Background()

	res, rejected := e.Evaluate(ctx, "192.0.2.1", "mail.example.com", "a@example.com")
	assert.Equal(t, Fail, res)
	assert.True(t, rejected)
	assert.Equal(t, "a@example.com", gotSender)
	assert.Equal(t, "mail.example.com", gotHelo)

	res, rejected = e.Evaluate(ctx, "192.0.2.2", "h", "a@example.com")
	assert.Equal(t, TempError, res)
	assert.True(t, rejected)

	res, rejected = e.Evaluate(ctx, "192.0.2.3", "h", "a@example.com")
	require.Equal(t, Pass, res)
	assert.False(t, rejected)

	res, rejected = e.Evaluate(ctx, "", "h", "a@example.com")
	assert.Equal(t, None, res)
	assert.False(t, rejected)
}
