// Package metrics aggregates upload/failure counters and publishes them
// periodically to CloudWatch: a mandatory startup permission probe,
// accumulate-then-publish counters that reset only on a successful
// publish, and an optional low-upload-volume alarm.
package metrics

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the CloudWatch namespace every metric is published under.
const Namespace = "TVM/Upload"

const (
	metricBytesUploaded  = "BytesUploaded"
	metricFileCount      = "FileCount"
	metricFailureCount   = "FailureCount"
	metricDiskUsage      = "DiskUsagePercent"
	metricServiceStartup = "ServiceStartup"
)

const defaultAlarmEvaluationPeriods = 3
const alarmPeriodSeconds = 86400

// Sink is the narrow metrics capability the rest of the uploader depends
// on, so tests can substitute a fake.
type Sink interface {
	RecordUploadSuccess(fileSize int64)
	RecordUploadFailure()
	Publish(diskUsagePercent *float64) error
}

// CloudWatchSink publishes aggregated counters to CloudWatch. A local
// Prometheus registry mirrors the same counters for in-process scraping;
// it never resets, unlike the CloudWatch accumulators.
type CloudWatchSink struct {
	client    cloudwatchAPI
	vehicleID string
	logger    *slog.Logger

	mu            sync.Mutex
	bytesUploaded int64
	filesUploaded int64
	filesFailed   int64

	promBytesUploaded prometheus.Counter
	promFilesUploaded prometheus.Counter
	promFilesFailed   prometheus.Counter
}

// cloudwatchAPI is the subset of *cloudwatch.CloudWatch this package calls,
// narrowed so tests can supply a fake without standing up AWS.
type cloudwatchAPI interface {
	PutMetricData(input *cloudwatch.PutMetricDataInput) (*cloudwatch.PutMetricDataOutput, error)
	PutMetricAlarm(input *cloudwatch.PutMetricAlarmInput) (*cloudwatch.PutMetricAlarmOutput, error)
}

// NewCloudWatchSink creates a CloudWatchSink and immediately performs the
// mandatory startup permission probe: a ServiceStartup metric is published
// synchronously, and a failure here is fatal so a misconfigured vehicle
// never runs silently unmonitored.
func NewCloudWatchSink(region, vehicleID string, registry prometheus.Registerer, logger *slog.Logger) (*CloudWatchSink, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("metrics: create AWS session: %w", err)
	}
	return newCloudWatchSinkWithClient(cloudwatch.New(sess), vehicleID, registry, logger)
}

func newCloudWatchSinkWithClient(client cloudwatchAPI, vehicleID string, registry prometheus.Registerer, logger *slog.Logger) (*CloudWatchSink, error) {
	s := &CloudWatchSink{
		client:    client,
		vehicleID: vehicleID,
		logger:    logger,

		promBytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetlog_bytes_uploaded_total", Help: "Total bytes uploaded to the object store.",
		}),
		promFilesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetlog_files_uploaded_total", Help: "Total files uploaded successfully.",
		}),
		promFilesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetlog_files_failed_total", Help: "Total files that permanently failed to upload.",
		}),
	}

	if registry != nil {
		registry.MustRegister(s.promBytesUploaded, s.promFilesUploaded, s.promFilesFailed)
	}

	if _, err := client.PutMetricData(&cloudwatch.PutMetricDataInput{
		Namespace: aws.String(Namespace),
		MetricData: []*cloudwatch.MetricDatum{
			{
				MetricName: aws.String(metricServiceStartup),
				Value:      aws.Float64(1),
				Unit:       aws.String(cloudwatch.StandardUnitCount),
				Timestamp:  aws.Time(time.Now().UTC()),
				Dimensions: []*cloudwatch.Dimension{
					{Name: aws.String("VehicleId"), Value: aws.String(vehicleID)},
				},
			},
		},
	}); err != nil {
		logger.Error("metrics: CloudWatch permission probe failed",
			slog.Any("error", err),
			slog.String("hint", "check cloudwatch:PutMetricData / PutMetricAlarm IAM permissions, or set monitoring.cloudwatch_enabled: false"))
		return nil, fmt.Errorf("metrics: CloudWatch enabled but cannot publish metrics: %w", err)
	}
	logger.Info("metrics: CloudWatch permissions verified")

	return s, nil
}

// RecordUploadSuccess accumulates a successful upload's byte count.
func (s *CloudWatchSink) RecordUploadSuccess(fileSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesUploaded += fileSize
	s.filesUploaded++
	s.promBytesUploaded.Add(float64(fileSize))
	s.promFilesUploaded.Inc()
}

// RecordUploadFailure accumulates a permanent upload failure.
func (s *CloudWatchSink) RecordUploadFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filesFailed++
	s.promFilesFailed.Inc()
}

// Publish sends the accumulated counters to CloudWatch and resets them only
// on success, so a transient publish failure does not silently drop data.
func (s *CloudWatchSink) Publish(diskUsagePercent *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []*cloudwatch.MetricDatum
	timestamp := aws.Time(time.Now().UTC())
	dims := []*cloudwatch.Dimension{{Name: aws.String("VehicleId"), Value: aws.String(s.vehicleID)}}

	if s.bytesUploaded > 0 {
		data = append(data, &cloudwatch.MetricDatum{
			MetricName: aws.String(metricBytesUploaded), Value: aws.Float64(float64(s.bytesUploaded)),
			Unit: aws.String(cloudwatch.StandardUnitBytes), Timestamp: timestamp, Dimensions: dims,
		})
	}
	if s.filesUploaded > 0 {
		data = append(data, &cloudwatch.MetricDatum{
			MetricName: aws.String(metricFileCount), Value: aws.Float64(float64(s.filesUploaded)),
			Unit: aws.String(cloudwatch.StandardUnitCount), Timestamp: timestamp, Dimensions: dims,
		})
	}
	if s.filesFailed > 0 {
		data = append(data, &cloudwatch.MetricDatum{
			MetricName: aws.String(metricFailureCount), Value: aws.Float64(float64(s.filesFailed)),
			Unit: aws.String(cloudwatch.StandardUnitCount), Timestamp: timestamp, Dimensions: dims,
		})
	}
	if diskUsagePercent != nil {
		data = append(data, &cloudwatch.MetricDatum{
			MetricName: aws.String(metricDiskUsage), Value: aws.Float64(*diskUsagePercent),
			Unit: aws.String(cloudwatch.StandardUnitPercent), Timestamp: timestamp, Dimensions: dims,
		})
	}

	if len(data) == 0 {
		return nil
	}

	if _, err := s.client.PutMetricData(&cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(Namespace),
		MetricData: data,
	}); err != nil {
		s.logger.Error("metrics: publish failed, counters retained for next cycle", slog.Any("error", err))
		return fmt.Errorf("metrics: publish: %w", err)
	}

	s.logger.Info("metrics: published", slog.Int("metric_count", len(data)))
	s.bytesUploaded = 0
	s.filesUploaded = 0
	s.filesFailed = 0
	return nil
}

// CreateLowUploadAlarm creates a CloudWatch alarm that fires when the daily
// BytesUploaded sum stays below thresholdMB for three consecutive days.
func (s *CloudWatchSink) CreateLowUploadAlarm(thresholdMB int) error {
	alarmName := fmt.Sprintf("TVM-LowUpload-%s", s.vehicleID)

	_, err := s.client.PutMetricAlarm(&cloudwatch.PutMetricAlarmInput{
		AlarmName:          aws.String(alarmName),
		ComparisonOperator: aws.String(cloudwatch.ComparisonOperatorLessThanThreshold),
		EvaluationPeriods:  aws.Int64(defaultAlarmEvaluationPeriods),
		MetricName:         aws.String(metricBytesUploaded),
		Namespace:          aws.String(Namespace),
		Period:             aws.Int64(alarmPeriodSeconds),
		Statistic:          aws.String(cloudwatch.StatisticSum),
		Threshold:          aws.Float64(float64(thresholdMB) * 1024 * 1024),
		ActionsEnabled:     aws.Bool(false),
		AlarmDescription:   aws.String(fmt.Sprintf("Upload volume for %s below %d MB for 3 days", s.vehicleID, thresholdMB)),
		Dimensions: []*cloudwatch.Dimension{
			{Name: aws.String("VehicleId"), Value: aws.String(s.vehicleID)},
		},
	})
	if err != nil {
		s.logger.Error("metrics: failed to create low-upload alarm", slog.Any("error", err))
		return fmt.Errorf("metrics: create alarm: %w", err)
	}
	s.logger.Info("metrics: created low-upload alarm", slog.String("alarm_name", alarmName))
	return nil
}

// NoopSink discards every recorded metric; used when
// monitoring.cloudwatch_enabled is false.
type NoopSink struct{}

func (NoopSink) RecordUploadSuccess(int64) {}
func (NoopSink) RecordUploadFailure()      {}
func (NoopSink) Publish(*float64) error    { return nil }
