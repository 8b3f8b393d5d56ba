package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/polis-mta/pkg/domain"
)

// Reply texts shared by the SMTP and HTTP validators.
const (
	msgAccessDenied    = "5.7.1 Access denied"
	msgBadCredentials  = "5.7.8 Authentication credentials invalid"
	msgContentRejected = "5.6.0 Message content rejected"
	msgPolicyRejected  = "5.7.1 Recipient <%s> rejected by policy"
	msgTempFailure     = "4.3.0 Temporary lookup failure, try again later"
)

type bannerCheck func(ctx context.Context, reply *domain.Reply, client domain.ClientInfo)

type mailCheck func(ctx context.Context, reply *domain.Reply, client domain.ClientInfo, sender string)

// composeBanner returns the DNSBL check run before the banner is sent, or
// nil when no blocklist is configured. Lookup failures accept the client.
func composeBanner(rs *RuleSet) bannerCheck {
	if rs.DNSBL == nil {
		return nil
	}
	return func(ctx context.Context, reply *domain.Reply, client domain.ClientInfo) {
		listed, err := rs.DNSBL.Listed(ctx, client.IP)
		if err != nil {
			rs.logger.Warn("dnsbl lookup failed", "client_ip", client.IP, "error", err)
		}
		if listed {
			reply.Set(520, msgAccessDenied)
		}
	}
}

// composeMail returns the SPF enforcement run before the sender rules, or
// nil when no SPF result is rejected.
func composeMail(rs *RuleSet) mailCheck {
	if rs.spf == nil {
		return nil
	}
	return func(ctx context.Context, reply *domain.Reply, client domain.ClientInfo, sender string) {
		result, rejected := rs.spf.Evaluate(ctx, client.IP, client.EHLO, sender)
		if rejected {
			reply.Set(550, msgAccessDenied+"; "+string(result))
		}
	}
}

// SMTPValidators implements the per-stage checks of an SMTP session. The
// optional stage checks are resolved once; each handler is a plain sequence
// of conditional calls.
type SMTPValidators struct {
	rules  *RuleSet
	banner bannerCheck
	mail   mailCheck
	logger *slog.Logger
}

// NewSMTPValidators binds validators to rs.
func NewSMTPValidators(rs *RuleSet) *SMTPValidators {
	return &SMTPValidators{
		rules:  rs,
		banner: composeBanner(rs),
		mail:   composeMail(rs),
		logger: rs.logger,
	}
}

// Rules exposes the underlying rule set.
func (v *SMTPValidators) Rules() *RuleSet {
	return v.rules
}

// HandleBanner runs the blocklist check and sets the configured banner.
func (v *SMTPValidators) HandleBanner(ctx context.Context, reply *domain.Reply, client domain.ClientInfo) {
	if v.banner != nil {
		if v.banner(ctx, reply, client); !reply.Accepted() {
			return
		}
	}
	if v.rules.Banner != "" {
		reply.Message = v.rules.Banner
	}
}

// HandleAuth rejects credentials that do not verify.
func (v *SMTPValidators) HandleAuth(ctx context.Context, reply *domain.Reply, creds domain.Credentials) {
	ok, err := v.rules.CheckCredentials(ctx, creds)
	if err != nil {
		v.logger.Error("credential check failed", "authcid", creds.AuthcID, "error", err)
	}
	if !ok {
		reply.Set(535, msgBadCredentials)
	}
}

// HandleMail runs SPF enforcement, then the sender rules.
func (v *SMTPValidators) HandleMail(ctx context.Context, reply *domain.Reply, client domain.ClientInfo, sender string) {
	if v.mail != nil {
		if v.mail(ctx, reply, client, sender); !reply.Accepted() {
			return
		}
	}
	ok, err := v.rules.IsSenderOK(ctx, client.Authenticated(), sender)
	if err != nil {
		v.logger.Error("sender check failed", "sender", sender, "error", err)
		reply.Set(451, msgTempFailure)
		return
	}
	if !ok {
		reply.Set(550, fmt.Sprintf("5.7.1 Sender <%s> Not allowed", sender))
	}
}

// HandleRcpt runs the recipient rules, then the Rego policy if any.
func (v *SMTPValidators) HandleRcpt(ctx context.Context, reply *domain.Reply, client domain.ClientInfo, sender, rcpt string) {
	ok, err := v.rules.IsRecipientOK(ctx, rcpt)
	if err != nil {
		v.logger.Error("recipient check failed", "recipient", rcpt, "error", err)
		reply.Set(451, msgTempFailure)
		return
	}
	if !ok {
		reply.Set(550, fmt.Sprintf("5.7.1 Recipient <%s> Not allowed", rcpt))
		return
	}
	if v.rules.Policy == nil {
		return
	}
	allowed, err := v.rules.Policy.Allowed(ctx, client, sender, rcpt)
	if err != nil {
		v.logger.Error("recipient policy failed", "recipient", rcpt, "error", err)
		reply.Set(451, msgTempFailure)
		return
	}
	if !allowed {
		reply.Set(550, fmt.Sprintf(msgPolicyRejected, rcpt))
	}
}

// HandleHaveData rejects content the scanner flags as spam. Scanner
// failures are logged and the message is accepted.
func (v *SMTPValidators) HandleHaveData(ctx context.Context, reply *domain.Reply, data []byte) {
	spam, err := v.rules.RejectSpam(ctx, data)
	if err != nil {
		v.logger.Warn("content scan failed, accepting message", "error", err)
		return
	}
	if spam {
		reply.Set(554, msgContentRejected)
	}
}

// HTTPValidators checks the envelope of a message submitted over HTTP. It
// runs the same blocklist, SPF, and policy checks as the SMTP stages; a nil
// reply means accepted.
type HTTPValidators struct {
	rules  *RuleSet
	client bannerCheck
	mail   mailCheck
	logger *slog.Logger
}

// NewHTTPValidators binds validators to rs.
func NewHTTPValidators(rs *RuleSet) *HTTPValidators {
	return &HTTPValidators{
		rules:  rs,
		client: composeBanner(rs),
		mail:   composeMail(rs),
		logger: rs.logger,
	}
}

// Rules exposes the underlying rule set.
func (v *HTTPValidators) Rules() *RuleSet {
	return v.rules
}

// ValidateClient runs the blocklist check on the remote address.
func (v *HTTPValidators) ValidateClient(ctx context.Context, client domain.ClientInfo) *domain.Reply {
	if v.client == nil {
		return nil
	}
	reply := domain.NewReply(250, "")
	if v.client(ctx, reply, client); !reply.Accepted() {
		return reply
	}
	return nil
}

// ValidateSender runs SPF enforcement, then the sender rules.
func (v *HTTPValidators) ValidateSender(ctx context.Context, client domain.ClientInfo, sender string) *domain.Reply {
	if v.mail != nil {
		reply := domain.NewReply(250, "")
		if v.mail(ctx, reply, client, sender); !reply.Accepted() {
			return reply
		}
	}
	ok, err := v.rules.IsSenderOK(ctx, client.Authenticated(), sender)
	if err != nil {
		v.logger.Error("sender check failed", "sender", sender, "error", err)
		return domain.NewReply(451, msgTempFailure)
	}
	if !ok {
		return domain.NewReply(550, fmt.Sprintf("5.7.1 Sender <%s> Not allowed", sender))
	}
	return nil
}

// ValidateRecipient applies the recipient rules, then the Rego policy if
// any.
func (v *HTTPValidators) ValidateRecipient(ctx context.Context, client domain.ClientInfo, sender, rcpt string) *domain.Reply {
	ok, err := v.rules.IsRecipientOK(ctx, rcpt)
	if err != nil {
		v.logger.Error("recipient check failed", "recipient", rcpt, "error", err)
		return domain.NewReply(451, msgTempFailure)
	}
	if !ok {
		return domain.NewReply(550, fmt.Sprintf("5.7.1 Recipient <%s> Not allowed", rcpt))
	}
	if v.rules.Policy == nil {
		return nil
	}
	allowed, err := v.rules.Policy.Allowed(ctx, client, sender, rcpt)
	if err != nil {
		v.logger.Error("recipient policy failed", "recipient", rcpt, "error", err)
		return domain.NewReply(451, msgTempFailure)
	}
	if !allowed {
		return domain.NewReply(550, fmt.Sprintf(msgPolicyRejected, rcpt))
	}
	return nil
}
