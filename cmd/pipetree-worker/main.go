// Command pipetree-worker consumes pipeline tasks off a durable queue
// and reports results back, the remote half of the executor split
// described in the pipeline runner's own documentation.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pipetree/pipetree/internal/pipelineconfig"
	"github.com/pipetree/pipetree/internal/queue"
	"github.com/pipetree/pipetree/internal/worker"
)

var (
	ctx, cancel = context.WithCancel(context.Background())

	version = "devel"

	remoteConfigPath string
	cacheDir         string
	statusAddr       string
	logLevel         string

	cmdRoot = &cobra.Command{
		Use:   "pipetree-worker",
		Short: "Consume pipeline tasks from the durable task queue",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			lvl, err := log.ParseLevel(logLevel)
			if err != nil {
				log.WithError(err).Fatal("invalid log level")
			}
			log.SetLevel(lvl)
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
		},
		RunE: runWorker,
	}

	cmdVersion = &cobra.Command{
		Use:   "version",
		Short: "Print the version number and exit",
		Run: func(cmd *cobra.Command, args []string) {
			log.Infof("pipetree-worker version %s", version)
		},
	}
)

func init() {
	cmdRoot.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmdRoot.Flags().StringVar(&remoteConfigPath, "remote-config", "remote.yaml", "path to the remote backend/queue config")
	cmdRoot.Flags().StringVar(&cacheDir, "cache-dir", "", "local artifact cache directory used as a write-through cache")
	cmdRoot.Flags().StringVar(&statusAddr, "status-addr", ":8090", "address the job status HTTP endpoint listens on")
	cmdRoot.AddCommand(cmdVersion)
}

func runWorker(cmd *cobra.Command, args []string) error {
	rc, err := pipelineconfig.LoadRemoteConfig(remoteConfigPath)
	if err != nil {
		return err
	}

	be, err := pipelineconfig.NewBackend(cacheDir, remoteConfigPath)
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

	srv := worker.New(taskQueue, resultQueue, be)

	go func() {
		log.WithField("addr", statusAddr).Info("serving job status")
		if err := http.ListenAndServe(statusAddr, srv.StatusHandler()); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("status endpoint stopped")
		}
	}()

	log.Info("worker started, polling task queue")
	srv.Run(ctx)
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
		log.WithError(err).Error("pipetree-worker exited with error")
		os.Exit(1)
	}
}
