package app

import (
	"io/ioutil"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/JiscSD/rdss-dataverse-ingest/ingest"
)

const defaultConfig = `# RDSS Dataverse Ingest

################################## LOGGING ####################################

[logging]

#
# Logging verbosity level.
# Supported values: "DEBUG", "INFO", "WARN", "ERROR", "FATAL" or "PANIC".
#
level = "INFO"

#
# Supported values: "text" or "json".
#
format = "text"

################################## INGEST #####################################

[ingest]

#
# Deposits are picked up from the inbox and moved to one of the
# "processed", "rejected" or "failed" directories of the outbox.
#
inbox = "/var/opt/rdss/deposits/inbox"
outbox = "/var/opt/rdss/deposits/outbox"

#
# Flow applied to every deposit:
#
#   mode="submission"
#   Deposits made through the deposit service, new datasets or new versions.
#
#   mode="migration"
#   Datasets moved from a previous repository with their DOI and history.
#
mode = "submission"

#
# Number of deposits processed concurrently. Deposits of the same dataset
# are always processed one at a time.
#
workers = 4

#
# How new deposits are found:
#
#   feed="watch"
#   The inbox is polled every scan_interval.
#
#   feed="sqs"
#   Deposit locations are received from the queue configured in [queue].
#
feed = "watch"
scan_interval = "10s"

#
# File never placed under embargo.
#
housekeeping_file = "original-metadata.zip"

#
# Prefix of the URN:NBN given to datasets that do not declare one.
#
nbn_prefix = "urn:nbn:nl:ui:13-"

################################## PUBLISH ####################################

[publish]

#
# Polling of dataset locks and publication state.
#
poll_interval = "2s"
max_attempts = 30
backoff_multiplier = 1.0

################################## DATAVERSE ##################################

[dataverse]

url = "http://localhost:8080/"
api_key = ""

#
# Alias of the collection new datasets are created in.
#
collection = "root"
timeout = "10m"

################################## VALIDATOR ##################################

[validator]

#
# Bag validation service. Validation is skipped when empty.
#
url = ""

################################## MAPPING ####################################

[mapping]

#
# JSON schema of the dataset descriptions, a local path or a s3:// URI.
# The built-in schema is used when empty.
#
schema = ""

################################## EVENTS #####################################

[events]

#
# Where deposit lifecycle events are recorded.
# Supported values: "file", "dynamodb", "sns" and "s3".
#
backends = ["file"]

file = "/var/log/rdss-dataverse-ingest/events.log"
dynamodb_table = "rdss_dataverse_ingest_events"
sns_topic = ""
s3_prefix = ""

################################## BLOCKING ###################################

[blocking]

#
# Registry of blocked targets.
# Supported values: "memory", "redis" and "dynamodb".
#
backend = "memory"

dynamodb_table = "rdss_dataverse_ingest_blocked_targets"
redis_key = "rdss-dataverse-ingest:blocked-targets"

################################## REDIS ######################################

[redis]

addr = "localhost:6379"
password = ""
db = 0

################################## QUEUE ######################################

[queue]

#
# AWS SQS queue URL, e.g. "https://queue.amazonaws.com/80398EXAMPLE/MyQueue".
#
url = ""

################################## HTTP #######################################

[http]

#
# Health check, metrics, profiling and blocked targets administration.
#
listen = ":6060"

################################## AWS ########################################

[aws]

s3_profile = ""
s3_endpoint = ""

dynamodb_profile = ""
dynamodb_endpoint = ""

sqs_profile = ""
sqs_endpoint = ""

sns_profile = ""
sns_endpoint = ""
`

const (
	logFormatText = "text"
	logFormatJSON = "json"

	feedWatch = "watch"
	feedSQS   = "sqs"

	backendMemory   = "memory"
	backendRedis    = "redis"
	backendDynamoDB = "dynamodb"

	sinkFile     = "file"
	sinkDynamoDB = "dynamodb"
	sinkSNS      = "sns"
	sinkS3       = "s3"
)

type Config struct {
	v *viper.Viper

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Ingest struct {
		Inbox            string        `mapstructure:"inbox"`
		Outbox           string        `mapstructure:"outbox"`
		Mode             string        `mapstructure:"mode"`
		Workers          int           `mapstructure:"workers"`
		Feed             string        `mapstructure:"feed"`
		ScanInterval     time.Duration `mapstructure:"scan_interval"`
		HousekeepingFile string        `mapstructure:"housekeeping_file"`
		NBNPrefix        string        `mapstructure:"nbn_prefix"`
	} `mapstructure:"ingest"`

	Publish struct {
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		MaxAttempts       int           `mapstructure:"max_attempts"`
		BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	} `mapstructure:"publish"`

	Dataverse struct {
		URL        string        `mapstructure:"url"`
		APIKey     string        `mapstructure:"api_key"`
		Collection string        `mapstructure:"collection"`
		Timeout    time.Duration `mapstructure:"timeout"`
	} `mapstructure:"dataverse"`

	Validator struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"validator"`

	Mapping struct {
		Schema string `mapstructure:"schema"`
	} `mapstructure:"mapping"`

	Events struct {
		Backends      []string `mapstructure:"backends"`
		File          string   `mapstructure:"file"`
		DynamoDBTable string   `mapstructure:"dynamodb_table"`
		SNSTopic      string   `mapstructure:"sns_topic"`
		S3Prefix      string   `mapstructure:"s3_prefix"`
	} `mapstructure:"events"`

	Blocking struct {
		Backend       string `mapstructure:"backend"`
		DynamoDBTable string `mapstructure:"dynamodb_table"`
		RedisKey      string `mapstructure:"redis_key"`
	} `mapstructure:"blocking"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Queue struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"queue"`

	HTTP struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"http"`

	AWS struct {
		S3Profile        string `mapstructure:"s3_profile"`
		S3Endpoint       string `mapstructure:"s3_endpoint"`
		DynamoDBProfile  string `mapstructure:"dynamodb_profile"`
		DynamoDBEndpoint string `mapstructure:"dynamodb_endpoint"`
		SQSProfile       string `mapstructure:"sqs_profile"`
		SQSEndpoint      string `mapstructure:"sqs_endpoint"`
		SNSProfile       string `mapstructure:"sns_profile"`
		SNSEndpoint      string `mapstructure:"sns_endpoint"`
	} `mapstructure:"aws"`
}

func (c Config) Validate() error {
	switch c.Logging.Format {
	case logFormatText, logFormatJSON:
	default:
		return errors.Errorf("unknown log format %q", c.Logging.Format)
	}
	switch c.Ingest.Mode {
	case ingest.ModeSubmission, ingest.ModeMigration:
	default:
		return errors.Errorf("unknown mode %q", c.Ingest.Mode)
	}
	if c.Ingest.Inbox == "" || c.Ingest.Outbox == "" {
		return errors.New("inbox and outbox are required")
	}
	if c.Ingest.Workers < 1 {
		return errors.New("at least one worker is required")
	}
	switch c.Ingest.Feed {
	case feedWatch:
		if c.Ingest.ScanInterval <= 0 {
			return errors.New("scan interval must be positive")
		}
	case feedSQS:
		if c.Queue.URL == "" {
			return errors.New("the sqs feed requires a queue url")
		}
	default:
		return errors.Errorf("unknown feed %q", c.Ingest.Feed)
	}
	switch c.Blocking.Backend {
	case backendMemory, backendRedis, backendDynamoDB:
	default:
		return errors.Errorf("unknown blocking backend %q", c.Blocking.Backend)
	}
	for _, b := range c.Events.Backends {
		switch b {
		case sinkFile, sinkDynamoDB, sinkSNS, sinkS3:
		default:
			return errors.Errorf("unknown events backend %q", b)
		}
	}
	return nil
}

// RetryPolicy is the polling policy of dataset locks and publication.
func (c Config) RetryPolicy() ingest.RetryPolicy {
	return ingest.RetryPolicy{
		Interval:    c.Publish.PollInterval,
		MaxAttempts: c.Publish.MaxAttempts,
		Multiplier:  c.Publish.BackoffMultiplier,
	}
}

func (c Config) String() string {
	tmpfile, err := ioutil.TempFile("", "config.*.toml")
	if err != nil {
		return err.Error()
	}
	defer os.Remove(tmpfile.Name())
	defer tmpfile.Close()
	err = c.v.WriteConfigAs(tmpfile.Name())
	if err != nil {
		return err.Error()
	}
	blob, err := ioutil.ReadAll(tmpfile)
	if err != nil {
		return err.Error()
	}
	return string(blob)
}

func loadConfig(c *Config) error {
	v := viper.New()

	v.SetEnvPrefix("RDSS_DATAVERSE_INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("rdss-dataverse-ingest")
	v.SetConfigType("toml")
	v.AddConfigPath("$HOME/.config/")
	v.AddConfigPath("/etc/rdss/")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	// Read our default configuration.
	if err := v.ReadConfig(strings.NewReader(defaultConfig)); err != nil {
		panic(err) // Not in the user path.
	}

	// Include configuration file provided by the user.
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return errors.Wrap(err, "configuration unmarshaling failed")
	}

	if err := c.Validate(); err != nil {
		return errors.Wrap(err, "config did not pass validation")
	}

	c.v = v

	return nil
}
