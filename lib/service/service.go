/*
Copyright 2023 Pylon, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// package service assembles and runs the pylon daemon: it long-polls the
// intake queue for scaling group notifications, fans events out to the
// lifecycle orchestrator and serves health and metrics over HTTP.
package service

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pylonhq/pylon/lib/command"
	"github.com/pylonhq/pylon/lib/config"
	"github.com/pylonhq/pylon/lib/constants"
	"github.com/pylonhq/pylon/lib/defaults"
	"github.com/pylonhq/pylon/lib/dns"
	"github.com/pylonhq/pylon/lib/events"
	"github.com/pylonhq/pylon/lib/lease"
	"github.com/pylonhq/pylon/lib/lifecycle"
	"github.com/pylonhq/pylon/lib/proxy"
	"github.com/pylonhq/pylon/lib/scaler"
	"github.com/pylonhq/pylon/lib/utils"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/ssm"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Queue is the subset of the SQS API the daemon consumes
type Queue interface {
	GetQueueUrlWithContext(aws.Context, *sqs.GetQueueUrlInput, ...request.Option) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessageWithContext(aws.Context, *sqs.ReceiveMessageInput, ...request.Option) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageWithContext(aws.Context, *sqs.DeleteMessageInput, ...request.Option) (*sqs.DeleteMessageOutput, error)
}

// Orchestrator drives lifecycle events to a verdict
type Orchestrator interface {
	Process(ctx context.Context, event *events.LifecycleEvent) (*lifecycle.Result, error)
}

// Config is the daemon configuration
type Config struct {
	// Queue receives scaling group lifecycle notifications
	Queue Queue
	// QueueName is the name of the intake queue, resolved to a URL at
	// startup
	QueueName string
	// Orchestrator processes lifecycle events
	Orchestrator Orchestrator
	// Registry is the workflow record store
	Registry *lifecycle.Registry
	// ListenAddr is the health and metrics listen address
	ListenAddr string
	// ShutdownTimeout bounds the drain of in-flight workflows on shutdown
	ShutdownTimeout time.Duration
	// GCInterval is how often expired workflow records are swept
	GCInterval time.Duration
	// Clock is the time source, swapped for a fake in tests
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Queue == nil {
		return trace.BadParameter("missing parameter Queue")
	}
	if cfg.QueueName == "" {
		return trace.BadParameter("missing parameter QueueName")
	}
	if cfg.Orchestrator == nil {
		return trace.BadParameter("missing parameter Orchestrator")
	}
	if cfg.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaults.HTTPListenAddr
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.GCInterval == 0 {
		cfg.GCInterval = defaults.RecordGCInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service is the pylon daemon
type Service struct {
	// Config is the daemon configuration
	Config
	*log.Entry

	wg sync.WaitGroup
}

// New returns a new daemon from the given configuration
func New(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		Config: cfg,
		Entry: log.WithFields(log.Fields{
			trace.Component: constants.ComponentService,
		}),
	}, nil
}

// NewFromConfig assembles the daemon from the runtime configuration:
// AWS clients, the workflow registry and the orchestrator with all of
// its collaborators
func NewFromConfig(cfg config.Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.QueueName == "" {
		return nil, trace.BadParameter("missing QueueName")
	}
	session, err := utils.AWSSession(cfg.Region)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.StateDir, defaults.PrivateDirMask); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	registry, err := lifecycle.NewRegistry(lifecycle.RegistryConfig{
		Path: filepath.Join(cfg.StateDir, defaults.DBFileName),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	scalerClient, err := scaler.New(scaler.Config{
		AutoScaling: autoscaling.New(session),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	leases, err := lease.New(lease.Config{
		Extender:           scalerClient,
		HeartbeatIncrement: cfg.HeartbeatIncrement(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	dispatcher, err := command.New(command.Config{
		SystemsManager: ssm.New(session),
		Cloud:          ec2.New(session),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	publisher, err := dns.New(dns.Config{
		Service:      route53.New(session),
		HostedZoneID: cfg.HostedZoneID,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	orchestrator, err := lifecycle.New(lifecycle.Config{
		Registry:   registry,
		Leases:     leases,
		Scaler:     scalerClient,
		Dispatcher: dispatcher,
		Publisher:  publisher,
		Domain:     cfg.ProxyDomain(),
		Profile: proxy.Profile{
			ArtifactsBucket: cfg.ArtifactsBucket,
			Domain:          cfg.ProxyDomain(),
			OriginAddress:   cfg.OriginAddress,
			CertificateARN:  cfg.CertificateARN,
		},
		LeaseTTL: cfg.LeaseTTL(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return New(Config{
		Queue:        sqs.New(session),
		QueueName:    cfg.QueueName,
		Orchestrator: orchestrator,
		Registry:     registry,
		ListenAddr:   cfg.ListenAddr,
	})
}

// Close releases the daemon's resources
func (s *Service) Close() error {
	return trace.Wrap(s.Registry.Close())
}

// Run resolves the intake queue and processes lifecycle notifications
// until ctx is cancelled, then drains in-flight workflows within the
// shutdown timeout
func (s *Service) Run(ctx context.Context) error {
	queueURL, err := s.queueURL(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	server := &http.Server{Addr: s.ListenAddr, Handler: s.newMux()}
	go func() {
		s.Infof("Start health server on %v.", s.ListenAddr)
		err := server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.Errorf("Health server error: %v.", trace.DebugReport(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.Warnf("Failed to shut down health server: %v.", err)
		}
	}()

	go s.reapLoop(ctx)

	// workers outlive the receive context so in-flight workflows can
	// drain on shutdown
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	s.receiveLoop(ctx, workerCtx, queueURL)
	return trace.Wrap(s.drain(cancelWorkers))
}

// queueURL resolves the configured queue name to its URL
func (s *Service) queueURL(ctx context.Context) (string, error) {
	out, err := s.Queue.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(s.QueueName),
	})
	if err != nil {
		return "", utils.ConvertSQSError(err)
	}
	return aws.StringValue(out.QueueUrl), nil
}

// receiveLoop long-polls the queue and dispatches received messages
// until ctx is cancelled
func (s *Service) receiveLoop(ctx, workerCtx context.Context, queueURL string) {
	s.WithField("queue", queueURL).Info("Start processing events.")
	for {
		out, err := s.Queue.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: aws.Int64(defaults.QueueMaxMessages),
			VisibilityTimeout:   aws.Int64(defaults.QueueVisibilityTimeout),
			WaitTimeSeconds:     aws.Int64(defaults.QueueWaitSeconds),
		})
		if err != nil {
			select {
			case <-ctx.Done():
				s.WithField("queue", queueURL).Info("Stop processing events.")
				return
			default:
			}
			s.Errorf("Receive message error: %v.", trace.DebugReport(err))
			continue
		}
		for _, message := range out.Messages {
			s.dispatch(workerCtx, queueURL, message)
		}
	}
}

// dispatch parses one queue message and hands it to a worker. Messages
// that can never become processable are deleted on the spot.
func (s *Service) dispatch(ctx context.Context, queueURL string, message *sqs.Message) {
	body := aws.StringValue(message.Body)
	s.Debugf("Received message %q.", body)
	event, err := events.Parse([]byte(body))
	if err != nil {
		s.discard(ctx, queueURL, message, err)
		return
	}
	event.QueueURL = queueURL
	event.ReceiptHandle = aws.StringValue(message.ReceiptHandle)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(ctx, event)
	}()
}

// process drives one event through the orchestrator and deletes the
// message once a verdict is recorded. A message whose processing failed
// is left on the queue and comes back after the visibility timeout.
func (s *Service) process(ctx context.Context, event *events.LifecycleEvent) {
	logger := s.WithFields(log.Fields{
		constants.FieldWorkflowKey: event.Key,
		constants.FieldInstanceID:  event.InstanceID,
		constants.FieldGroup:       event.GroupName,
	})
	result, err := s.Orchestrator.Process(ctx, event)
	if err != nil {
		logger.Errorf("Failed to process event, leaving message for redelivery: %v.",
			trace.DebugReport(err))
		messagesTotal.WithLabelValues("requeued").Inc()
		return
	}
	logger.WithField(constants.FieldVerdict, result.Verdict).Info("Event processed.")
	messagesTotal.WithLabelValues("processed").Inc()
	if err := s.deleteMessage(ctx, event.QueueURL, event.ReceiptHandle); err != nil {
		// the workflow record absorbs the redelivery as a replay
		logger.Warnf("Failed to delete message: %v.", trace.DebugReport(err))
	}
}

// discard deletes a message that will never parse into a lifecycle event
func (s *Service) discard(ctx context.Context, queueURL string, message *sqs.Message, reason error) {
	if events.IsTestNotification(reason) {
		s.Info("Discarding test notification.")
		messagesTotal.WithLabelValues("test").Inc()
	} else {
		s.Warnf("Discarding malformed message: %v.", trace.UserMessage(reason))
		messagesTotal.WithLabelValues("malformed").Inc()
	}
	if err := s.deleteMessage(ctx, queueURL, aws.StringValue(message.ReceiptHandle)); err != nil {
		s.Warnf("Failed to delete message: %v.", trace.DebugReport(err))
	}
}

func (s *Service) deleteMessage(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := s.Queue.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	return utils.ConvertSQSError(err)
}

// drain waits for in-flight workflows to finish, cancelling them if the
// shutdown timeout is reached first
func (s *Service) drain(cancel context.CancelFunc) error {
	s.Info("Draining in-flight workflows.")
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.Info("All workflows drained.")
		return nil
	case <-s.Clock.After(s.ShutdownTimeout):
		cancel()
		<-done
		return trace.LimitExceeded(
			"shutdown timeout %v reached, cancelled in-flight workflows", s.ShutdownTimeout)
	}
}

// reapLoop periodically removes expired workflow records
func (s *Service) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Registry.Reap(); err != nil {
				s.Warnf("Failed to remove expired workflow records: %v.",
					trace.DebugReport(err))
			}
		}
	}
}

func (s *Service) newMux() *httprouter.Router {
	router := &httprouter.Router{}
	router.HandlerFunc("GET", "/healthz", s.reportHealth)
	router.HandlerFunc("GET", "/workflows", s.listWorkflows)
	router.Handler("GET", "/metrics", promhttp.Handler())
	return router
}

// listWorkflows serves the workflow records to the status command, which
// cannot open the state database while this daemon holds its lock
func (s *Service) listWorkflows(w http.ResponseWriter, r *http.Request) {
	records, err := s.Registry.List()
	if err != nil {
		s.Errorf("Failed to list workflows: %v.", trace.DebugReport(err))
		roundtrip.ReplyJSON(w, http.StatusInternalServerError, map[string]string{
			"message": trace.UserMessage(err),
		})
		return
	}
	roundtrip.ReplyJSON(w, http.StatusOK, records)
}

// reportHealth reports ok if the workflow database responds
func (s *Service) reportHealth(w http.ResponseWriter, r *http.Request) {
	healthC := make(chan error, 1)
	go func() {
		_, err := s.Registry.Count()
		healthC <- err
	}()
	select {
	case err := <-healthC:
		if err != nil {
			s.Errorf("Health check failed: %v.", trace.DebugReport(err))
			roundtrip.ReplyJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"info":   "state database is in error state",
			})
			return
		}
		roundtrip.ReplyJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"info":   "service is up and running",
		})
	case <-time.After(time.Second):
		roundtrip.ReplyJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"info":   "state database timed out",
		})
	}
}
