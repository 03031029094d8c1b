// Package pipelineconfig bridges the CLI and worker binaries' flags to a
// constructed backend.Backend and to the AWS S3/SQS clients the binaries
// build their queues and executors from: it is the one place that knows
// how to turn a YAML ambient-config file into AWS SDK clients, keeping
// cmd/ as thin shells per the teacher's own cmd/<binary>/main.go
// convention.
package pipelineconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"gopkg.in/yaml.v2"

	"github.com/pipetree/pipetree/internal/backend"
	"github.com/pipetree/pipetree/internal/stage"
)

// RemoteConfig is the on-disk shape of --remote-config, parsed with
// gopkg.in/yaml.v2 to match the rest of this codebase's static
// configuration files.
type RemoteConfig struct {
	AWSRegion       string `yaml:"aws_region"`
	S3Bucket        string `yaml:"s3_bucket"`
	TaskQueueName   string `yaml:"task_queue_name"`
	ResultQueueName string `yaml:"result_queue_name"`
}

func defaultCacheDir(cacheDir string) (string, error) {
	if cacheDir != "" {
		return cacheDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("pipelineconfig: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".pipetree", "local_cache"), nil
}

// LoadRemoteConfig parses a RemoteConfig from path.
func LoadRemoteConfig(path string) (*RemoteConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipelineconfig: read remote config %s: %w", path, err)
	}
	var cfg RemoteConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("pipelineconfig: parse remote config: %w", err)
	}
	return &cfg, nil
}

// NewBackend builds a Local backend rooted at cacheDir, or a Remote
// (S3-backed) backend composed over that same local cache when
// remoteConfigPath is non-empty.
func NewBackend(cacheDir, remoteConfigPath string) (backend.Backend, error) {
	root, err := defaultCacheDir(cacheDir)
	if err != nil {
		return nil, err
	}
	if remoteConfigPath == "" {
		return backend.NewLocal(root)
	}

	rc, err := LoadRemoteConfig(remoteConfigPath)
	if err != nil {
		return nil, err
	}
	client, err := NewS3Client(rc.AWSRegion)
	if err != nil {
		return nil, err
	}
	return backend.NewRemote(client, rc.S3Bucket, root)
}

// NewS3Client resolves default AWS credentials/config for the given
// region and returns an S3 client.
func NewS3Client(region string) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("pipelineconfig: load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// NewSQSClient resolves default AWS credentials/config for the given
// region and returns an SQS client.
func NewSQSClient(region string) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("pipelineconfig: load AWS config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

// RegisteredKinds returns every built-in stage kind name.
func RegisteredKinds() []string {
	return stage.Kinds()
}
