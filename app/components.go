package app

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/JiscSD/rdss-dataverse-ingest/blocking"
	"github.com/JiscSD/rdss-dataverse-ingest/dataverse"
	"github.com/JiscSD/rdss-dataverse-ingest/deposit"
	"github.com/JiscSD/rdss-dataverse-ingest/events"
	"github.com/JiscSD/rdss-dataverse-ingest/ingest"
	"github.com/JiscSD/rdss-dataverse-ingest/mapping"
	"github.com/JiscSD/rdss-dataverse-ingest/s3"
	"github.com/JiscSD/rdss-dataverse-ingest/validator"
	"github.com/JiscSD/rdss-dataverse-ingest/version"
)

// components are the parts shared by the server and import commands.
type components struct {
	store     *deposit.Store
	registry  blocking.Registry
	metrics   *ingest.Metrics
	ingester  *ingest.Ingester
	sequencer *ingest.Sequencer
}

func build(ctx context.Context, logger logrus.FieldLogger, config *Config, fs afero.Fs, reg prometheus.Registerer) (*components, error) {
	c := &components{
		store:   deposit.NewStore(fs),
		metrics: ingest.NewMetrics(reg),
	}

	policy, err := ingest.NewPolicy(config.Ingest.Mode, config.RetryPolicy(), config.Ingest.NBNPrefix)
	if err != nil {
		return nil, err
	}

	var storage s3.ObjectStorage
	{
		sess, err := awsSession(logger, config.AWS.S3Profile, config.AWS.S3Endpoint)
		if err != nil {
			return nil, err
		}
		storage = s3.New(sess)
	}

	var gateway *dataverse.Client
	{
		logger := logger.WithField("component", "dataverse")
		gateway, err = dataverse.New(logger, config.Dataverse.URL, config.Dataverse.APIKey, config.Dataverse.Collection,
			dataverse.WithFs(fs),
			dataverse.WithHTTPClient(&http.Client{Timeout: config.Dataverse.Timeout}))
		if err != nil {
			return nil, err
		}
	}

	bv, err := newValidator(config)
	if err != nil {
		return nil, err
	}

	var mapper *mapping.Mapper
	{
		logger := logger.WithField("component", "mapping")
		schema, err := fetchSchema(ctx, fs, storage, config.Mapping.Schema)
		if err != nil {
			return nil, err
		}
		if mapper, err = mapping.New(logger, fs, schema); err != nil {
			return nil, err
		}
	}

	sink, err := newSink(logger, config, fs, storage)
	if err != nil {
		return nil, err
	}

	if c.registry, err = newRegistry(ctx, logger, config); err != nil {
		return nil, err
	}

	c.ingester = ingest.NewIngester(
		logger.WithField("component", "ingest"),
		c.store, bv, mapper, gateway, sink, policy, c.metrics,
		ingest.Config{
			Outbox:           config.Ingest.Outbox,
			HousekeepingFile: config.Ingest.HousekeepingFile,
			Retry:            config.RetryPolicy(),
		})
	c.sequencer = ingest.NewSequencer(
		logger.WithField("component", "sequencer"),
		c.ingester, c.registry, config.Ingest.Workers, c.metrics)

	return c, nil
}

// newValidator skips validation when no service is configured.
func newValidator(config *Config) (ingest.BagValidator, error) {
	if config.Validator.URL == "" {
		return validator.NewNoOpValidator(), nil
	}
	return validator.New(config.Validator.URL, version.AppVersion())
}

// fetchSchema returns the local path of the dataset description schema.
// Schemas kept in S3 are downloaded into a temporary file first.
func fetchSchema(ctx context.Context, fs afero.Fs, storage s3.ObjectStorage, location string) (string, error) {
	if !strings.HasPrefix(location, "s3://") {
		return location, nil
	}
	buf := aws.NewWriteAtBuffer([]byte{})
	if _, err := storage.Download(ctx, buf, location); err != nil {
		return "", errors.Wrapf(err, "cannot download schema %s", location)
	}
	f, err := afero.TempFile(fs, "", "schema.*.json")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(buf.Bytes()); err != nil {
		return "", errors.Wrap(err, "cannot write schema")
	}
	return f.Name(), nil
}

func newSink(logger logrus.FieldLogger, config *Config, fs afero.Fs, storage s3.ObjectStorage) (ingest.EventSink, error) {
	var sinks events.MultiSink
	for _, backend := range config.Events.Backends {
		switch backend {
		case sinkFile:
			sinks = append(sinks, events.NewFileSink(fs, config.Events.File))
		case sinkDynamoDB:
			sess, err := awsSession(logger, config.AWS.DynamoDBProfile, config.AWS.DynamoDBEndpoint)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, events.NewDynamoDBSink(dynamodb.New(sess), config.Events.DynamoDBTable))
		case sinkSNS:
			sess, err := awsSession(logger, config.AWS.SNSProfile, config.AWS.SNSEndpoint)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, events.NewSNSSink(sns.New(sess), config.Events.SNSTopic))
		case sinkS3:
			sinks = append(sinks, events.NewS3Sink(storage, config.Events.S3Prefix))
		}
	}
	return sinks, nil
}

func newRegistry(ctx context.Context, logger logrus.FieldLogger, config *Config) (blocking.Registry, error) {
	switch config.Blocking.Backend {
	case backendRedis:
		client, err := blocking.NewRedisClient(ctx, config.Redis.Addr, config.Redis.Password, config.Redis.DB)
		if err != nil {
			return nil, err
		}
		return blocking.NewRedisRegistry(client, config.Blocking.RedisKey), nil
	case backendDynamoDB:
		sess, err := awsSession(logger, config.AWS.DynamoDBProfile, config.AWS.DynamoDBEndpoint)
		if err != nil {
			return nil, err
		}
		return blocking.NewDynamoDBRegistry(dynamodb.New(sess), config.Blocking.DynamoDBTable), nil
	}
	logger.Warn("Blocked targets are kept in memory and forgotten on restart.")
	return blocking.NewMemoryRegistry(), nil
}

type logrusProxy struct {
	logger logrus.FieldLogger
}

func (l logrusProxy) Log(args ...interface{}) {
	l.logger.WithField("client", "aws").Debug(args...)
}

// awsSession returns a session using NewSessionWithOptions meaning that it
// relies on the SDK defaults but also the user config files and environment.
//
// AWS_S3_FORCE_PATH_STYLE is a made-up environment string that the SDK does
// not look up.
func awsSession(logger logrus.FieldLogger, profile, endpoint string) (*session.Session, error) {
	options := session.Options{}
	if profile != "" {
		options.Profile = profile
	}
	if endpoint != "" {
		options.Config.WithEndpoint(endpoint)
	}
	if res, ok := os.LookupEnv("AWS_S3_FORCE_PATH_STYLE"); ok {
		enabled, _ := strconv.ParseBool(res)
		options.Config.WithS3ForcePathStyle(enabled)
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		options.Config.WithCredentialsChainVerboseErrors(true)
	}
	options.Config.WithLogger(logrusProxy{logger: logger})
	return session.NewSessionWithOptions(options)
}
