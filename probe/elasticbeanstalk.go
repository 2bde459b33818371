package probe

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/elasticbeanstalk"
	"github.com/aws/aws-sdk-go/service/elasticbeanstalk/elasticbeanstalkiface"

	"github.com/adsabs/ADSDeploy/errors"
	"github.com/adsabs/ADSDeploy/payload"
)

// ElasticBeanstalk queries the Elastic Beanstalk API directly. Environments
// belong to a target when they are in the target's application and their
// name contains the target's environment.
type ElasticBeanstalk struct {
	api elasticbeanstalkiface.ElasticBeanstalkAPI
}

// NewElasticBeanstalk creates a probe for region using the default AWS
// credential chain.
func NewElasticBeanstalk(region string) (*ElasticBeanstalk, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, errors.WrapFatal(err, "ElasticBeanstalk", "New", "create AWS session")
	}
	return &ElasticBeanstalk{api: elasticbeanstalk.New(sess)}, nil
}

// NewElasticBeanstalkWithAPI wraps an existing client.
func NewElasticBeanstalkWithAPI(api elasticbeanstalkiface.ElasticBeanstalkAPI) *ElasticBeanstalk {
	return &ElasticBeanstalk{api: api}
}

func (p *ElasticBeanstalk) environments(ctx context.Context, target payload.Target) ([]*elasticbeanstalk.EnvironmentDescription, error) {
	out, err := p.api.DescribeEnvironmentsWithContext(ctx, &elasticbeanstalk.DescribeEnvironmentsInput{
		ApplicationName: aws.String(target.Application),
		IncludeDeleted:  aws.Bool(false),
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "ElasticBeanstalk", "Resources", "describe environments")
	}

	var matched []*elasticbeanstalk.EnvironmentDescription
	for _, env := range out.Environments {
		if strings.Contains(aws.StringValue(env.EnvironmentName), target.Environment) {
			matched = append(matched, env)
		}
	}
	return matched, nil
}

// Resources returns the status of each matching environment.
func (p *ElasticBeanstalk) Resources(ctx context.Context, target payload.Target) ([]Resource, error) {
	envs, err := p.environments(ctx, target)
	if err != nil {
		return nil, err
	}
	resources := make([]Resource, 0, len(envs))
	for _, env := range envs {
		resources = append(resources, Resource{
			Name:   aws.StringValue(env.EnvironmentName),
			Status: aws.StringValue(env.Status),
		})
	}
	return resources, nil
}

// IdleEnvironments returns matching environments in the Ready state.
func (p *ElasticBeanstalk) IdleEnvironments(ctx context.Context, target payload.Target) ([]string, error) {
	resources, err := p.Resources(ctx, target)
	if err != nil {
		return nil, err
	}
	var idle []string
	for _, r := range resources {
		if r.Ready() {
			idle = append(idle, r.Name)
		}
	}
	return idle, nil
}

// Terminate force-terminates an environment.
func (p *ElasticBeanstalk) Terminate(ctx context.Context, _ payload.Target, environment string) error {
	_, err := p.api.TerminateEnvironmentWithContext(ctx, &elasticbeanstalk.TerminateEnvironmentInput{
		EnvironmentName: aws.String(environment),
		ForceTerminate:  aws.Bool(true),
	})
	if err != nil {
		return errors.WrapTransient(err, "ElasticBeanstalk", "Terminate", "terminate "+environment)
	}
	return nil
}
