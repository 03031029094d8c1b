// Command pipetree runs a pipeline definition end to end against a
// local or remote artifact backend.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pipetree/pipetree/internal/arbiter"
	"github.com/pipetree/pipetree/internal/config"
	"github.com/pipetree/pipetree/internal/executor"
	"github.com/pipetree/pipetree/internal/pipeline"
	"github.com/pipetree/pipetree/internal/pipelineconfig"
	"github.com/pipetree/pipetree/internal/queue"
)

var (
	ctx, cancel = context.WithCancel(context.Background())

	version = "devel"

	configFile   string
	cacheDir     string
	remoteConfig string
	logLevel     string
	singleStage  string

	cmdRoot = &cobra.Command{
		Use:   "pipetree [command]",
		Short: "pipetree pipeline runner",
		Long:  "Run DAG-shaped data pipelines with content-addressed artifact caching.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				log.WithError(err).Fatal("invalid log level")
			}
			log.SetLevel(lvl)
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		},
	}

	cmdVersion = &cobra.Command{
		Use:   "version",
		Short: "Print the version number and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pipetree version %s\n", version)
		},
	}

	cmdRun = &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline definition",
		RunE:  runPipeline,
	}

	cmdKinds = &cobra.Command{
		Use:   "kinds",
		Short: "List registered stage kinds",
		Run: func(cmd *cobra.Command, args []string) {
			for _, k := range stageKinds() {
				fmt.Println(k)
			}
		},
	}
)

func init() {
	cmdRoot.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmdRun.Flags().StringVarP(&configFile, "config", "c", "pipeline.json", "path to the pipeline JSON definition")
	cmdRun.Flags().StringVar(&cacheDir, "cache-dir", "", "local artifact cache directory (defaults to $HOME/.pipetree/local_cache)")
	cmdRun.Flags().StringVar(&remoteConfig, "remote-config", "", "path to a remote backend config (enables S3-backed storage); empty runs local-only")
	cmdRun.Flags().StringVar(&singleStage, "stage", "", "run only the named stage instead of every endpoint")

	cmdRoot.AddCommand(cmdVersion, cmdRun, cmdKinds)
}

func stageKinds() []string {
	return pipelineconfig.RegisteredKinds()
}

func runPipeline(cmd *cobra.Command, args []string) error {
	configs, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}

	p, err := pipeline.Build(configs)
	if err != nil {
		return err
	}

	be, err := pipelineconfig.NewBackend(cacheDir, remoteConfig)
	if err != nil {
		return err
	}

	if remoteConfig != "" {
		rc, err := pipelineconfig.LoadRemoteConfig(remoteConfig)
		if err != nil {
			return err
		}
		sqsClient, err := pipelineconfig.NewSQSClient(rc.AWSRegion)
		if err != nil {
			return err
		}
		taskQueue, err := queue.New(ctx, sqsClient, rc.TaskQueueName)
		if err != nil {
			return err
		}
		resultQueue, err := queue.New(ctx, sqsClient, rc.ResultQueueName)
		if err != nil {
			return err
		}
		remoteExec := executor.NewRemote(taskQueue, resultQueue, be)
		remoteExec.Start(ctx)
		p.SetExecutor(remoteExec)
	}

	ar := arbiter.New(p, be)

	if singleStage != "" {
		artifacts, err := ar.RunStage(ctx, singleStage)
		if err != nil {
			return err
		}
		log.WithField("count", len(artifacts)).Info("stage complete")
		return nil
	}

	results, err := ar.Run(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		log.WithFields(log.Fields{"stage": r.StageName, "count": len(r.Artifacts)}).Info("endpoint complete")
	}
	return nil
}

func main() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	if err := cmdRoot.Execute(); err != nil {
		log.WithError(err).Error("pipetree run failed")
		os.Exit(1)
	}
}
