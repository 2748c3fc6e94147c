// Package lambda implements the deployment adapter for serverless
// function backends on AWS Lambda.
package lambda

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/agentloom/agentloom/internal/config"
	"github.com/agentloom/agentloom/internal/deployment/domain"
	"go.uber.org/zap"
)

// FunctionsAPI is the Lambda control-plane surface the adapter uses.
type FunctionsAPI interface {
	CreateFunction(ctx context.Context, params *awslambda.CreateFunctionInput, optFns ...func(*awslambda.Options)) (*awslambda.CreateFunctionOutput, error)
	UpdateFunctionCode(ctx context.Context, params *awslambda.UpdateFunctionCodeInput, optFns ...func(*awslambda.Options)) (*awslambda.UpdateFunctionCodeOutput, error)
	GetFunction(ctx context.Context, params *awslambda.GetFunctionInput, optFns ...func(*awslambda.Options)) (*awslambda.GetFunctionOutput, error)
	DeleteFunction(ctx context.Context, params *awslambda.DeleteFunctionInput, optFns ...func(*awslambda.Options)) (*awslambda.DeleteFunctionOutput, error)
}

// MetricsAPI is the CloudWatch surface used for the 5-minute window.
type MetricsAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// LogsAPI is the CloudWatch Logs surface used for log tails.
type LogsAPI interface {
	FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// Adapter drives agent workloads as Lambda functions.
type Adapter struct {
	functions FunctionsAPI
	metrics   MetricsAPI
	logs      LogsAPI
	role      string
	log       *zap.Logger
}

// New builds an adapter over existing clients. Tests pass stubs.
func New(functions FunctionsAPI, metrics MetricsAPI, logs LogsAPI, role string, log *zap.Logger) *Adapter {
	return &Adapter{
		functions: functions,
		metrics:   metrics,
		logs:      logs,
		role:      role,
		log:       log.Named("deployment.lambda"),
	}
}

// NewFromConfig builds the AWS clients from the default credential chain.
func NewFromConfig(ctx context.Context, cfg config.AWSConfig, log *zap.Logger) (*Adapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return New(
		awslambda.NewFromConfig(awsCfg),
		cloudwatch.NewFromConfig(awsCfg),
		cloudwatchlogs.NewFromConfig(awsCfg),
		cfg.ExecutionRole,
		log,
	), nil
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderLambda }

// Deploy creates the function, or updates its code when it exists.
func (a *Adapter) Deploy(ctx context.Context, d *domain.Deployment) error {
	if err := domain.ValidateConfig(d, domain.ProviderLambda, "handler", "runtime", "s3Bucket", "s3Key"); err != nil {
		return err
	}

	name := functionName(d)
	_, err := a.functions.GetFunction(ctx, &awslambda.GetFunctionInput{
		FunctionName: aws.String(name),
	})
	switch {
	case isFunctionNotFound(err):
		err = a.createFunction(ctx, d, name)
	case err == nil:
		_, err = a.functions.UpdateFunctionCode(ctx, &awslambda.UpdateFunctionCodeInput{
			FunctionName: aws.String(name),
			S3Bucket:     aws.String(d.ConfigString("s3Bucket")),
			S3Key:        aws.String(d.ConfigString("s3Key")),
		})
	}
	if err != nil {
		return &domain.ProviderError{Provider: domain.ProviderLambda, Op: "deploy", Err: err}
	}

	a.log.Info("function applied",
		zap.String("deployment_id", d.ID.String()),
		zap.String("function", name),
	)
	return nil
}

// Undeploy deletes the function; a missing function is success.
func (a *Adapter) Undeploy(ctx context.Context, d *domain.Deployment) error {
	_, err := a.functions.DeleteFunction(ctx, &awslambda.DeleteFunctionInput{
		FunctionName: aws.String(functionName(d)),
	})
	if err != nil && !isFunctionNotFound(err) {
		return &domain.ProviderError{Provider: domain.ProviderLambda, Op: "undeploy", Err: err}
	}
	return nil
}

// Status maps the function activation state onto the canonical states.
func (a *Adapter) Status(ctx context.Context, d *domain.Deployment) (domain.Status, error) {
	out, err := a.functions.GetFunction(ctx, &awslambda.GetFunctionInput{
		FunctionName: aws.String(functionName(d)),
	})
	if isFunctionNotFound(err) {
		return domain.StatusStopped, nil
	}
	if err != nil {
		return domain.StatusFailed, err
	}
	if out.Configuration == nil {
		return domain.StatusPending, nil
	}

	switch out.Configuration.State {
	case lambdatypes.StateActive:
		return domain.StatusRunning, nil
	case lambdatypes.StatePending:
		return domain.StatusPending, nil
	case lambdatypes.StateInactive:
		return domain.StatusStopped, nil
	case lambdatypes.StateFailed:
		return domain.StatusFailed, nil
	default:
		return domain.StatusPending, nil
	}
}

// Metrics reads invocation count, error count and average duration from
// CloudWatch over the trailing window. Lambda does not expose CPU or
// memory utilization here, so those dimensions stay zero.
func (a *Adapter) Metrics(ctx context.Context, d *domain.Deployment) (domain.AdapterMetrics, error) {
	name := functionName(d)
	end := time.Now().UTC()
	start := end.Add(-domain.MetricsWindowMinutes * time.Minute)

	invocations, err := a.metricSum(ctx, name, "Invocations", start, end)
	if err != nil {
		return domain.AdapterMetrics{}, err
	}
	errorCount, err := a.metricSum(ctx, name, "Errors", start, end)
	if err != nil {
		return domain.AdapterMetrics{}, err
	}
	duration, err := a.metricAverage(ctx, name, "Duration", start, end)
	if err != nil {
		return domain.AdapterMetrics{}, err
	}

	result := domain.AdapterMetrics{
		RequestCount: int64(invocations),
		ResponseTime: duration,
	}
	if invocations > 0 {
		result.ErrorRate = errorCount / invocations * 100
	}
	return result, nil
}

// Logs tails the function's CloudWatch log group.
func (a *Adapter) Logs(ctx context.Context, d *domain.Deployment, tail int) ([]domain.LogEntry, error) {
	if tail <= 0 {
		tail = domain.DefaultLogTail
	}

	out, err := a.logs.FilterLogEvents(ctx, &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String("/aws/lambda/" + functionName(d)),
		Limit:        aws.Int32(int32(tail)),
	})
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LogEntry, 0, len(out.Events))
	for _, event := range out.Events {
		entry := domain.LogEntry{Level: "info"}
		if event.Timestamp != nil {
			entry.Timestamp = time.UnixMilli(*event.Timestamp).UTC()
		}
		if event.Message != nil {
			entry.Message = strings.TrimRight(*event.Message, "\n")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (a *Adapter) createFunction(ctx context.Context, d *domain.Deployment, name string) error {
	role := a.role
	if override := d.ConfigString("role"); override != "" {
		role = override
	}

	input := &awslambda.CreateFunctionInput{
		FunctionName: aws.String(name),
		Role:         aws.String(role),
		Handler:      aws.String(d.ConfigString("handler")),
		Runtime:      lambdatypes.Runtime(d.ConfigString("runtime")),
		MemorySize:   aws.Int32(memoryMB(d.Resources.Data().Memory)),
		Code: &lambdatypes.FunctionCode{
			S3Bucket: aws.String(d.ConfigString("s3Bucket")),
			S3Key:    aws.String(d.ConfigString("s3Key")),
		},
	}
	if env := d.ConfigMap("env"); len(env) > 0 {
		input.Environment = &lambdatypes.Environment{Variables: env}
	}

	_, err := a.functions.CreateFunction(ctx, input)
	return err
}

func (a *Adapter) metricSum(ctx context.Context, fn, metric string, start, end time.Time) (float64, error) {
	out, err := a.getStatistics(ctx, fn, metric, cwtypes.StatisticSum, start, end)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, dp := range out.Datapoints {
		if dp.Sum != nil {
			total += *dp.Sum
		}
	}
	return total, nil
}

func (a *Adapter) metricAverage(ctx context.Context, fn, metric string, start, end time.Time) (float64, error) {
	out, err := a.getStatistics(ctx, fn, metric, cwtypes.StatisticAverage, start, end)
	if err != nil {
		return 0, err
	}
	var sum float64
	var count int
	for _, dp := range out.Datapoints {
		if dp.Average != nil {
			sum += *dp.Average
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return sum / float64(count), nil
}

func (a *Adapter) getStatistics(
	ctx context.Context,
	fn, metric string,
	stat cwtypes.Statistic,
	start, end time.Time,
) (*cloudwatch.GetMetricStatisticsOutput, error) {
	return a.metrics.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String("AWS/Lambda"),
		MetricName: aws.String(metric),
		StartTime:  aws.Time(start),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(domain.MetricsWindowMinutes * 60),
		Statistics: []cwtypes.Statistic{stat},
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("FunctionName"), Value: aws.String(fn)},
		},
	})
}

func isFunctionNotFound(err error) bool {
	if err == nil {
		return false
	}
	var notFound *lambdatypes.ResourceNotFoundException
	return errors.As(err, &notFound)
}

// memoryMB converts the declared memory limit to Lambda megabytes.
func memoryMB(memory string) int32 {
	qty, err := resource.ParseQuantity(memory)
	if err != nil || qty.Value() <= 0 {
		return 512
	}
	mb := qty.Value() / (1024 * 1024)
	if mb < 128 {
		return 128
	}
	if mb > 10240 {
		return 10240
	}
	return int32(mb)
}

func functionName(d *domain.Deployment) string {
	return fmt.Sprintf("agent-%s", d.ID.String())
}
