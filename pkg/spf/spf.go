// Package spf enforces Sender Policy Framework results at the MAIL stage.
package spf

import (
	"context"
	"fmt"
	"net"
	"strings"

	"blitiri.com.ar/go/spf"
)

// Result is an SPF evaluation outcome, named as in RFC 7208.
type Result string

// Results recognised by the enforcer.
const (
	None      Result = "none"
	Neutral   Result = "neutral"
	Pass      Result = "pass"
	Fail      Result = "fail"
	SoftFail  Result = "softfail"
	TempError Result = "temperror"
	PermError Result = "permerror"
)

var knownResults = map[Result]struct{}{
	None: {}, Neutral: {}, Pass: {}, Fail: {}, SoftFail: {}, TempError: {}, PermError: {},
}

// ParseResult validates an operator-supplied result name.
func ParseResult(name string) (Result, error) {
	r := Result(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := knownResults[r]; !ok {
		return "", fmt.Errorf("unknown SPF result %q", name)
	}
	return r, nil
}

// CheckFunc evaluates SPF for a client. The default calls the blitiri
// library; tests substitute a fake.
type CheckFunc func(ctx context.Context, ip net.IP, helo, sender string) (Result, error)

// CheckHost is the library-backed CheckFunc.
func CheckHost(ctx context.Context, ip net.IP, helo, sender string) (Result, error) {
	res, err := spf.CheckHostWithSender(ip, helo, sender, spf.WithContext(ctx))
	return Result(res), err
}

// Enforcer rejects sessions whose SPF result is in its reject set.
type Enforcer struct {
	reject map[Result]struct{}
	check  CheckFunc
}

// NewEnforcer builds an enforcer. A nil check uses CheckHost.
func NewEnforcer(reject []Result, check CheckFunc) *Enforcer {
	if check == nil {
		check = CheckHost
	}
	e := &Enforcer{reject: make(map[Result]struct{}, len(reject)), check: check}
	for _, r := range reject {
		e.reject[r] = struct{}{}
	}
	return e
}

// Evaluate runs the SPF check and reports whether the result must be
// rejected. Library errors are reflected in the result (temperror or
// permerror) and are not returned separately.
func (e *Enforcer) Evaluate(ctx context.Context, clientIP, helo, sender string) (Result, bool) {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return None, false
	}
	res, err := e.check(ctx, ip, helo, sender)
	if err != nil && res == "" {
		res = TempError
	}
	_, rejected := e.reject[res]
	return res, rejected
}
