package rules

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-mta/pkg/config"
	"github.com/polisai/polis-mta/pkg/domain"
)

const defaultPolicyQuery = "data.mta.allow"

// RegoCheck is a prepared Rego query evaluated for each recipient. The
// input document is
//
//	{"client": {"ip", "ehlo", "auth_id"}, "sender": "...", "recipient": "..."}
//
// and the recipient is accepted when the query is true.
type RegoCheck struct {
	query rego.PreparedEvalQuery
}

// NewRegoCheck compiles the module named by sec: inline under module, or a
// file path under file. query defaults to data.mta.allow.
func NewRegoCheck(ctx context.Context, sec *config.Section) (*RegoCheck, error) {
	if sec == nil {
		return nil, domain.ConfigErrorf("", "policy", "expected a mapping with module or file")
	}
	src := sec.String("module", "")
	name := sec.Path() + ".rego"
	if path := sec.String("file", ""); path != "" {
		//nolint:gosec // policy path is operator supplied
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &domain.ConfigurationError{Section: sec.Path(), Field: "file", Err: err}
		}
		src, name = string(data), path
	}
	if strings.TrimSpace(src) == "" {
		return nil, domain.ConfigErrorf(sec.Path(), "module", "a rego module or file is required")
	}

	query := sec.String("query", defaultPolicyQuery)
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(name, src),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, &domain.ConfigurationError{Section: sec.Path(), Err: fmt.Errorf("compile rego: %w", err)}
	}
	return &RegoCheck{query: prepared}, nil
}

// Allowed evaluates the query for one recipient.
func (c *RegoCheck) Allowed(ctx context.Context, client domain.ClientInfo, sender, recipient string) (bool, error) {
	input := map[string]any{
		"client": map[string]any{
			"ip":      client.IP,
			"ehlo":    client.EHLO,
			"auth_id": client.AuthID,
		},
		"sender":    sender,
		"recipient": recipient,
	}
	rs, err := c.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate policy: %w", err)
	}
	return rs.Allowed(), nil
}
