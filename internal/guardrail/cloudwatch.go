package guardrail

import (
	"context"
	"log"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchAPI is the subset of the CloudWatch client we use.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchSink publishes each guardrail event as a count metric. Publish
// failures are logged and swallowed: guardrails observe operations, they
// must not fail them.
type CloudWatchSink struct {
	client    CloudWatchAPI
	namespace string
}

func NewCloudWatchSink(client CloudWatchAPI, namespace string) *CloudWatchSink {
	return &CloudWatchSink{client: client, namespace: namespace}
}

// maxDimensions is the CloudWatch per-metric dimension limit.
const maxDimensions = 10

func (s *CloudWatchSink) Emit(ctx context.Context, name string, kv map[string]string) {
	dims := make([]cwtypes.Dimension, 0, len(kv))
	for k, v := range kv {
		if len(dims) == maxDimensions {
			break
		}
		dims = append(dims, cwtypes.Dimension{Name: awsString(k), Value: awsString(v)})
	}

	datum := cwtypes.MetricDatum{
		MetricName: awsString(name),
		Value:      awsFloat64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	}
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  awsString(s.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := s.client.PutMetricData(ctx, input); err != nil {
		log.Printf("[guardrail] put metric %s failed: %v", name, err)
	}
}

func awsString(s string) *string    { return &s }
func awsFloat64(f float64) *float64 { return &f }
