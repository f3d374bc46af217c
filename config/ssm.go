package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/helix-tools/dhis2-pipelines/store"
)

// SSMAPI is the subset of the SSM client used to resolve secrets.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadAWS loads the AWS configuration selected by the aws settings.
func (c *Config) LoadAWS(ctx context.Context) (aws.Config, error) {
	return store.LoadAWSConfig(ctx, c.AWS.Region, c.AWS.Profile, "", "")
}

// ResolveSecretsFromSSM loads the AWS configuration and resolves connection
// secrets with a new SSM client.
func (c *Config) ResolveSecretsFromSSM(ctx context.Context) error {
	awsCfg, err := c.LoadAWS(ctx)
	if err != nil {
		return err
	}

	return c.ResolveSecrets(ctx, ssm.NewFromConfig(awsCfg))
}

func getParameter(ctx context.Context, client SSMAPI, name string) (string, error) {
	resp, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}

	if resp.Parameter == nil || resp.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}

	return *resp.Parameter.Value, nil
}
