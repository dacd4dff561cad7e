// Package firewall manages the temporary SSH ingress rule on the target's
// security group as a scoped lease.
//
// The deploy pipeline needs SSH access to the target VM only for the
// duration of a run, from a caller IP that changes on every CI execution.
// Rather than a best-effort "revoke at the end" step, Open returns a Lease
// whose Release is safe to defer: it runs on a fresh context (a cancelled
// pipeline still revokes), tolerates an already-absent rule, and is
// idempotent. A rule that already exists at Open time is adopted, so a
// crashed previous run does not wedge the next one.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// EC2 error codes for ingress rule state. The EC2 API has no "create if
// absent" call; both directions are signalled through these codes.
const (
	errCodeDuplicate = "InvalidPermission.Duplicate"
	errCodeNotFound  = "InvalidPermission.NotFound"
)

// EC2API is the slice of the EC2 client the lease needs. *ec2.Client
// satisfies it; tests provide fakes.
type EC2API interface {
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
}

// Manager opens and revokes ingress leases on a single security group.
type Manager struct {
	api EC2API
	log zerolog.Logger

	// GroupID is the security group the rules are managed on.
	GroupID string

	// Port is the ingress port the rules allow (the target's SSH port).
	Port int

	// ReleaseTimeout bounds the revocation call made by Lease.Release.
	ReleaseTimeout time.Duration
}

// NewManager creates a Manager for the given security group and port.
func NewManager(api EC2API, log zerolog.Logger, groupID string, port int, releaseTimeout time.Duration) *Manager {
	if releaseTimeout <= 0 {
		releaseTimeout = 30 * time.Second
	}
	return &Manager{
		api:            api,
		log:            log,
		GroupID:        groupID,
		Port:           port,
		ReleaseTimeout: releaseTimeout,
	}
}

// Lease is a held ingress rule. Release revokes it; callers must defer
// Release immediately after a successful Open.
type Lease struct {
	mgr  *Manager
	cidr string

	once       sync.Once
	releaseErr error
}

// CIDR returns the source range the lease allows.
func (l *Lease) CIDR() string {
	return l.cidr
}

// Open authorizes ingress on tcp/Port from ip/32 and returns the lease.
// An already-present identical rule is adopted rather than treated as an
// error, so a rule left behind by an interrupted run does not block
// subsequent deploys.
func (m *Manager) Open(ctx context.Context, ip, description string) (*Lease, error) {
	cidr := ip + "/32"

	_, err := m.api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(m.GroupID),
		IpPermissions: m.permissions(cidr, description),
	})
	if err != nil && !isErrorCode(err, errCodeDuplicate) {
		return nil, model.WrapCLIError(model.ExitCloudError,
			fmt.Sprintf("failed to authorize ingress on %s for %s", m.GroupID, cidr), err)
	}
	if isErrorCode(err, errCodeDuplicate) {
		m.log.Warn().Str("group", m.GroupID).Str("cidr", cidr).
			Msg("ingress rule already present, adopting it")
	} else {
		m.log.Debug().Str("group", m.GroupID).Str("cidr", cidr).Int("port", m.Port).
			Msg("ingress rule authorized")
	}

	return &Lease{mgr: m, cidr: cidr}, nil
}

// Release revokes the lease's ingress rule. It is idempotent and does not
// take a context on purpose: Release must run even when the pipeline's
// context is already cancelled, so it derives a fresh one bounded by
// ReleaseTimeout. An already-absent rule is success.
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.releaseErr = l.mgr.revoke(l.cidr)
	})
	return l.releaseErr
}

// Revoke removes any ingress rule matching ip/32 on the managed group,
// without requiring a lease. Used by `stevedore firewall close` to clean
// up after an interrupted run. Absent rules are success.
func (m *Manager) Revoke(ctx context.Context, ip string) error {
	return m.revokeCtx(ctx, ip+"/32")
}

func (m *Manager) revoke(cidr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ReleaseTimeout)
	defer cancel()
	return m.revokeCtx(ctx, cidr)
}

func (m *Manager) revokeCtx(ctx context.Context, cidr string) error {
	_, err := m.api.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
		GroupId:       aws.String(m.GroupID),
		IpPermissions: m.permissions(cidr, ""),
	})
	if err != nil && !isErrorCode(err, errCodeNotFound) {
		return model.WrapCLIError(model.ExitCloudError,
			fmt.Sprintf("failed to revoke ingress on %s for %s", m.GroupID, cidr), err)
	}
	if isErrorCode(err, errCodeNotFound) {
		m.log.Debug().Str("group", m.GroupID).Str("cidr", cidr).
			Msg("ingress rule already absent")
	} else {
		m.log.Debug().Str("group", m.GroupID).Str("cidr", cidr).
			Msg("ingress rule revoked")
	}
	return nil
}

// permissions builds the single-rule permission set for cidr. The
// description only applies on authorize; revoke matches on
// protocol/port/range.
func (m *Manager) permissions(cidr, description string) []ec2types.IpPermission {
	ipRange := ec2types.IpRange{CidrIp: aws.String(cidr)}
	if description != "" {
		ipRange.Description = aws.String(description)
	}
	return []ec2types.IpPermission{{
		IpProtocol: aws.String("tcp"),
		FromPort:   aws.Int32(int32(m.Port)),
		ToPort:     aws.Int32(int32(m.Port)),
		IpRanges:   []ec2types.IpRange{ipRange},
	}}
}

// isErrorCode reports whether err is an AWS API error with the given code.
func isErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
