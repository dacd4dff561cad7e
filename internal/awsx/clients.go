// Package awsx holds the AWS SDK clients and the registry/security-group
// operations the pipeline performs against them. Service access goes
// through narrow interfaces so tests can substitute fakes without
// touching the SDK.
package awsx

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// Clients holds the AWS SDK clients used by the pipeline.
type Clients struct {
	EC2 *ec2.Client
	ECR *ecr.Client
	STS *sts.Client

	// Region the clients were configured for.
	Region string
}

// NewClients initializes AWS SDK clients from the default credential
// chain. When roleARN is non-empty the role is assumed via STS and all
// subsequent calls use the federated credentials; this is how a CI runner
// with only an OIDC identity gets deploy permissions.
func NewClients(ctx context.Context, region, roleARN string) (*Clients, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitCloudError, "failed to load AWS configuration", err)
	}

	if roleARN != "" {
		stsClient := sts.NewFromConfig(cfg)
		cfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, roleARN))
	}

	return &Clients{
		EC2:    ec2.NewFromConfig(cfg),
		ECR:    ecr.NewFromConfig(cfg),
		STS:    sts.NewFromConfig(cfg),
		Region: cfg.Region,
	}, nil
}
