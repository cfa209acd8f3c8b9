package credentials

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Provider exchanges the operator's long-lived identity for short-lived,
// role-scoped credentials used by all fleet operations.
type Provider struct {
	cache   *aws.CredentialsCache
	roleARN string
}

func NewAssumeRoleProvider(cfg aws.Config, roleARN, sessionName string) *Provider {
	p := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = sessionName
	})
	return &Provider{cache: aws.NewCredentialsCache(p), roleARN: roleARN}
}

// Obtain validates the credential chain. A failure here indicates a
// configuration problem, not transient failure, so callers must abort.
func (p *Provider) Obtain(ctx context.Context) (aws.Credentials, error) {
	creds, err := p.cache.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("can't assume role %s: %w", p.roleARN, err)
	}
	return creds, nil
}

// Config returns a copy of base that authenticates with these credentials.
// The cache renews them if a sweep outlives the session lifetime.
func (p *Provider) Config(base aws.Config) aws.Config {
	base.Credentials = p.cache
	return base
}
