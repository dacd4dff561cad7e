// registry.go implements the ECR half of the cloud interface: short-lived
// registry credentials and push-time-ordered image listings.
package awsx

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"

	"github.com/mmr-tortoise/stevedore/internal/model"
)

// ECRAPI is the slice of the ECR client the registry operations need.
// *ecr.Client satisfies it; tests provide fakes.
type ECRAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
	DescribeImages(ctx context.Context, params *ecr.DescribeImagesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeImagesOutput, error)
}

// Credentials is a decoded ECR authorization: a username/password pair
// valid against Registry for roughly twelve hours.
type Credentials struct {
	Username string
	Password string

	// Registry is the registry host without scheme, e.g.
	// "123456789012.dkr.ecr.eu-west-1.amazonaws.com".
	Registry string
}

// RegistryAuth obtains ECR credentials for the caller's account. The
// authorization token is base64("user:password"); for ECR the user is
// always "AWS".
func RegistryAuth(ctx context.Context, api ECRAPI) (Credentials, error) {
	out, err := api.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return Credentials{}, model.WrapCLIError(model.ExitCloudError, "ECR authorization failed", err)
	}
	if len(out.AuthorizationData) == 0 {
		return Credentials{}, model.NewCLIError(model.ExitCloudError, "ECR returned no authorization data")
	}

	data := out.AuthorizationData[0]
	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return Credentials{}, model.WrapCLIError(model.ExitCloudError, "malformed ECR authorization token", err)
	}
	user, pass, found := strings.Cut(string(decoded), ":")
	if !found {
		return Credentials{}, model.NewCLIError(model.ExitCloudError, "ECR authorization token is not user:password")
	}

	return Credentials{
		Username: user,
		Password: pass,
		Registry: strings.TrimPrefix(aws.ToString(data.ProxyEndpoint), "https://"),
	}, nil
}

// NewestImages lists the images in repository sorted by push time, newest
// first, returning at most limit entries (limit <= 0 means all). The
// registry API does not sort for us, so all pages are fetched before
// sorting.
func NewestImages(ctx context.Context, api ECRAPI, repository string, limit int) ([]model.PushedImage, error) {
	var images []model.PushedImage

	input := &ecr.DescribeImagesInput{
		RepositoryName: aws.String(repository),
	}
	for {
		out, err := api.DescribeImages(ctx, input)
		if err != nil {
			return nil, model.WrapCLIError(model.ExitCloudError,
				fmt.Sprintf("failed to list images in repository %q", repository), err)
		}
		for _, detail := range out.ImageDetails {
			img := model.PushedImage{
				Tags:   detail.ImageTags,
				Digest: aws.ToString(detail.ImageDigest),
			}
			if detail.ImagePushedAt != nil {
				img.PushedAt = *detail.ImagePushedAt
			}
			if detail.ImageSizeInBytes != nil {
				img.SizeBytes = *detail.ImageSizeInBytes
			}
			images = append(images, img)
		}
		if out.NextToken == nil {
			break
		}
		input.NextToken = out.NextToken
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].PushedAt.After(images[j].PushedAt)
	})
	if limit > 0 && len(images) > limit {
		images = images[:limit]
	}
	return images, nil
}

// HasTag reports whether any image in the listing carries the given tag.
func HasTag(images []model.PushedImage, tag string) bool {
	for _, img := range images {
		for _, t := range img.Tags {
			if t == tag {
				return true
			}
		}
	}
	return false
}
