package serving

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	scalingtypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/aws/smithy-go"

	"github.com/ILLUVRSE/model-release/internal/models"
)

const trafficVariant = "AllTraffic"

// SageMakerManager implements Manager against SageMaker hosted endpoints.
// Endpoint naming follows <environment>; each deploy creates a fresh model and
// endpoint config and then creates or updates the environment's endpoint.
type SageMakerManager struct {
	sm      *sagemaker.Client
	scaling *applicationautoscaling.Client
	roleArn string
	logger  *log.Logger
}

func NewSageMakerManager(ctx context.Context, roleArn string, logger *log.Logger) (*SageMakerManager, error) {
	if roleArn == "" {
		return nil, fmt.Errorf("execution role arn required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[serving] ", log.LstdFlags)
	}
	return &SageMakerManager{
		sm:      sagemaker.NewFromConfig(cfg),
		scaling: applicationautoscaling.NewFromConfig(cfg),
		roleArn: roleArn,
		logger:  logger,
	}, nil
}

func (m *SageMakerManager) Deploy(ctx context.Context, artifact models.ArtifactVersion, env models.Environment) (models.EndpointHandle, error) {
	stamp := time.Now().Unix()
	endpointName := env.Name
	modelName := fmt.Sprintf("%s-model-%d", endpointName, stamp)
	configName := fmt.Sprintf("%s-config-%d", endpointName, stamp)

	m.logger.Printf("creating model %s for artifact %s", modelName, artifact.ID)
	_, err := m.sm.CreateModel(ctx, &sagemaker.CreateModelInput{
		ModelName:        aws.String(modelName),
		ExecutionRoleArn: aws.String(m.roleArn),
		Containers: []smtypes.ContainerDefinition{
			{ModelPackageName: aws.String(artifact.URI)},
		},
	})
	if err != nil {
		return models.EndpointHandle{}, classify(fmt.Errorf("create model: %w", err))
	}

	configInput := &sagemaker.CreateEndpointConfigInput{
		EndpointConfigName: aws.String(configName),
		ProductionVariants: []smtypes.ProductionVariant{
			{
				VariantName:          aws.String(trafficVariant),
				ModelName:            aws.String(modelName),
				InstanceType:         smtypes.ProductionVariantInstanceType(env.InstanceType),
				InitialInstanceCount: aws.Int32(env.InstanceCount),
				InitialVariantWeight: aws.Float32(1.0),
			},
		},
	}
	if env.Monitoring.Enabled && env.Monitoring.CaptureS3URI != "" {
		sampling := env.Monitoring.SamplingPercent
		if sampling <= 0 || sampling > 100 {
			sampling = 100
		}
		configInput.DataCaptureConfig = &smtypes.DataCaptureConfig{
			EnableCapture:             aws.Bool(true),
			InitialSamplingPercentage: aws.Int32(sampling),
			DestinationS3Uri:          aws.String(env.Monitoring.CaptureS3URI),
			CaptureOptions: []smtypes.CaptureOption{
				{CaptureMode: smtypes.CaptureModeInput},
				{CaptureMode: smtypes.CaptureModeOutput},
			},
		}
	}

	m.logger.Printf("creating endpoint config %s", configName)
	_, err = m.sm.CreateEndpointConfig(ctx, configInput)
	if err != nil {
		return models.EndpointHandle{}, classify(fmt.Errorf("create endpoint config: %w", err))
	}

	_, describeErr := m.sm.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{
		EndpointName: aws.String(endpointName),
	})
	if describeErr == nil {
		m.logger.Printf("updating endpoint %s to config %s", endpointName, configName)
		_, err = m.sm.UpdateEndpoint(ctx, &sagemaker.UpdateEndpointInput{
			EndpointName:       aws.String(endpointName),
			EndpointConfigName: aws.String(configName),
		})
	} else {
		m.logger.Printf("creating endpoint %s with config %s", endpointName, configName)
		_, err = m.sm.CreateEndpoint(ctx, &sagemaker.CreateEndpointInput{
			EndpointName:       aws.String(endpointName),
			EndpointConfigName: aws.String(configName),
		})
	}
	if err != nil {
		return models.EndpointHandle{}, classify(fmt.Errorf("create or update endpoint: %w", err))
	}

	if env.Autoscaling.Enabled {
		if err := m.configureAutoscaling(ctx, endpointName, env.Autoscaling); err != nil {
			// Scaling config is not part of the promotion contract; the endpoint
			// still serves at its initial capacity.
			m.logger.Printf("autoscaling setup for %s failed: %v", endpointName, err)
		}
	}

	return models.EndpointHandle{
		Name:        endpointName,
		ConfigName:  configName,
		Environment: env.Name,
		ArtifactID:  artifact.ID,
	}, nil
}

func (m *SageMakerManager) configureAutoscaling(ctx context.Context, endpointName string, policy models.AutoscalingPolicy) error {
	resourceID := fmt.Sprintf("endpoint/%s/variant/%s", endpointName, trafficVariant)
	_, err := m.scaling.RegisterScalableTarget(ctx, &applicationautoscaling.RegisterScalableTargetInput{
		ServiceNamespace:  scalingtypes.ServiceNamespaceSagemaker,
		ResourceId:        aws.String(resourceID),
		ScalableDimension: scalingtypes.ScalableDimensionSageMakerVariantDesiredInstanceCount,
		MinCapacity:       aws.Int32(policy.MinCapacity),
		MaxCapacity:       aws.Int32(policy.MaxCapacity),
	})
	if err != nil {
		return fmt.Errorf("register scalable target: %w", err)
	}
	target := policy.TargetInvocations
	if target <= 0 {
		target = 70.0
	}
	_, err = m.scaling.PutScalingPolicy(ctx, &applicationautoscaling.PutScalingPolicyInput{
		PolicyName:        aws.String(endpointName + "-scaling-policy"),
		ServiceNamespace:  scalingtypes.ServiceNamespaceSagemaker,
		ResourceId:        aws.String(resourceID),
		ScalableDimension: scalingtypes.ScalableDimensionSageMakerVariantDesiredInstanceCount,
		PolicyType:        scalingtypes.PolicyTypeTargetTrackingScaling,
		TargetTrackingScalingPolicyConfiguration: &scalingtypes.TargetTrackingScalingPolicyConfiguration{
			TargetValue: aws.Float64(target),
			PredefinedMetricSpecification: &scalingtypes.PredefinedMetricSpecification{
				PredefinedMetricType: scalingtypes.MetricTypeSageMakerVariantInvocationsPerInstance,
			},
			ScaleInCooldown:  aws.Int32(300),
			ScaleOutCooldown: aws.Int32(60),
		},
	})
	if err != nil {
		return fmt.Errorf("put scaling policy: %w", err)
	}
	return nil
}

func (m *SageMakerManager) GetStatus(ctx context.Context, handle models.EndpointHandle) (models.EndpointStatus, error) {
	out, err := m.sm.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{
		EndpointName: aws.String(handle.Name),
	})
	if err != nil {
		return "", classify(fmt.Errorf("describe endpoint: %w", err))
	}
	status := mapEndpointStatus(out.EndpointStatus)
	if status == models.EndpointFailed && out.FailureReason != nil {
		return status, fmt.Errorf("endpoint failed: %s", *out.FailureReason)
	}
	return status, nil
}

func (m *SageMakerManager) Restore(ctx context.Context, env models.Environment, prior models.GoodConfig) (models.EndpointHandle, error) {
	m.logger.Printf("restoring endpoint %s to config %s", prior.EndpointName, prior.ConfigName)
	_, describeErr := m.sm.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{
		EndpointName: aws.String(prior.EndpointName),
	})
	var err error
	if describeErr == nil {
		_, err = m.sm.UpdateEndpoint(ctx, &sagemaker.UpdateEndpointInput{
			EndpointName:       aws.String(prior.EndpointName),
			EndpointConfigName: aws.String(prior.ConfigName),
		})
	} else {
		_, err = m.sm.CreateEndpoint(ctx, &sagemaker.CreateEndpointInput{
			EndpointName:       aws.String(prior.EndpointName),
			EndpointConfigName: aws.String(prior.ConfigName),
		})
	}
	if err != nil {
		return models.EndpointHandle{}, classify(fmt.Errorf("restore endpoint: %w", err))
	}
	return models.EndpointHandle{
		Name:        prior.EndpointName,
		ConfigName:  prior.ConfigName,
		Environment: env.Name,
		ArtifactID:  prior.ArtifactID,
	}, nil
}

// EnableMonitoring creates an hourly model-monitor schedule analyzing the
// endpoint's captured traffic. Reports land under the policy's reports URI.
func (m *SageMakerManager) EnableMonitoring(ctx context.Context, handle models.EndpointHandle, env models.Environment) error {
	mon := env.Monitoring
	if !mon.Enabled {
		return nil
	}
	if mon.AnalyzerImage == "" || mon.ReportsS3URI == "" {
		return fmt.Errorf("monitoring policy for %s requires analyzerImage and reportsS3Uri", env.Name)
	}
	schedule := mon.ScheduleExpression
	if schedule == "" {
		schedule = "cron(0 * ? * * *)"
	}
	instanceType := mon.InstanceType
	if instanceType == "" {
		instanceType = "ml.m5.xlarge"
	}

	name := handle.Name + "-monitor"
	m.logger.Printf("creating monitoring schedule %s", name)
	_, err := m.sm.CreateMonitoringSchedule(ctx, &sagemaker.CreateMonitoringScheduleInput{
		MonitoringScheduleName: aws.String(name),
		MonitoringScheduleConfig: &smtypes.MonitoringScheduleConfig{
			ScheduleConfig: &smtypes.ScheduleConfig{
				ScheduleExpression: aws.String(schedule),
			},
			MonitoringJobDefinition: &smtypes.MonitoringJobDefinition{
				RoleArn: aws.String(m.roleArn),
				MonitoringAppSpecification: &smtypes.MonitoringAppSpecification{
					ImageUri: aws.String(mon.AnalyzerImage),
				},
				MonitoringInputs: []smtypes.MonitoringInput{
					{
						EndpointInput: &smtypes.EndpointInput{
							EndpointName: aws.String(handle.Name),
							LocalPath:    aws.String("/opt/ml/processing/input"),
						},
					},
				},
				MonitoringOutputConfig: &smtypes.MonitoringOutputConfig{
					MonitoringOutputs: []smtypes.MonitoringOutput{
						{
							S3Output: &smtypes.MonitoringS3Output{
								S3Uri:        aws.String(mon.ReportsS3URI),
								LocalPath:    aws.String("/opt/ml/processing/output"),
								S3UploadMode: smtypes.ProcessingS3UploadModeEndOfJob,
							},
						},
					},
				},
				MonitoringResources: &smtypes.MonitoringResources{
					ClusterConfig: &smtypes.MonitoringClusterConfig{
						InstanceCount:  aws.Int32(1),
						InstanceType:   smtypes.ProcessingInstanceType(instanceType),
						VolumeSizeInGB: aws.Int32(20),
					},
				},
			},
		},
	})
	if err != nil {
		return classify(fmt.Errorf("create monitoring schedule: %w", err))
	}
	return nil
}

func (m *SageMakerManager) Delete(ctx context.Context, handle models.EndpointHandle) error {
	// The schedule holds a reference to the endpoint; drop it first. Absence is
	// the common case for endpoints that never promoted.
	if _, err := m.sm.DeleteMonitoringSchedule(ctx, &sagemaker.DeleteMonitoringScheduleInput{
		MonitoringScheduleName: aws.String(handle.Name + "-monitor"),
	}); err != nil {
		m.logger.Printf("delete monitoring schedule for %s: %v", handle.Name, err)
	}
	_, err := m.sm.DeleteEndpoint(ctx, &sagemaker.DeleteEndpointInput{
		EndpointName: aws.String(handle.Name),
	})
	if err != nil {
		return classify(fmt.Errorf("delete endpoint: %w", err))
	}
	return nil
}

func mapEndpointStatus(status smtypes.EndpointStatus) models.EndpointStatus {
	switch status {
	case smtypes.EndpointStatusCreating:
		return models.EndpointCreating
	case smtypes.EndpointStatusUpdating, smtypes.EndpointStatusSystemUpdating, smtypes.EndpointStatusRollingBack:
		return models.EndpointUpdating
	case smtypes.EndpointStatusInService:
		return models.EndpointInService
	case smtypes.EndpointStatusDeleting:
		return models.EndpointDeleted
	default:
		return models.EndpointFailed
	}
}

// classify maps AWS API errors onto the orchestrator's taxonomy. Throttling and
// capacity hiccups are retryable; validation and quota errors are terminal.
func classify(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "RequestLimitExceeded",
			"ServiceUnavailable", "InternalFailure":
			return MarkTransient(err)
		}
	}
	return err
}
