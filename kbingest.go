// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package kbingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/ai/gemini"
	"github.com/poiesic/kbingest/ai/openai"
	"github.com/poiesic/kbingest/assets"
	"github.com/poiesic/kbingest/convert"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/ingestion"
	"github.com/poiesic/kbingest/jobs"
	"github.com/poiesic/kbingest/plugin"
	"github.com/poiesic/kbingest/queue"
	"github.com/poiesic/kbingest/storage"
	"github.com/poiesic/kbingest/storage/badger"
)

// System wires the job store, runner and job control API together.
type System struct {
	backend    *badger.Backend
	jobs       storage.JobRepository
	chunks     storage.ChunkSink
	store      assets.Store
	plugins    *plugin.Registry
	runner     *ingestion.Runner
	service    *jobs.Service
	dispatcher jobs.Dispatcher
	queue      *queue.Client
	closers    []func() error
	logger     *slog.Logger
}

// Option configures a System.
type Option func(*options)

type options struct {
	store       assets.Store
	chunks      storage.ChunkSink
	resolver    ai.CredentialResolver
	queue       *queue.Client
	queueName   string
	dlqName     string
	runnerOpts  []ingestion.Option
	serviceOpts []jobs.Option
	closers     []func() error
	logger      *slog.Logger
}

// WithAssetStore sets where sources and extracted assets are kept.
// Default is an in-memory store.
func WithAssetStore(store assets.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithChunkSink sets the vector storage collaborator. Default stores chunks
// in the job database.
func WithChunkSink(sink storage.ChunkSink) Option {
	return func(o *options) {
		o.chunks = sink
	}
}

// WithCredentialResolver sets where LLM image describers come from.
func WithCredentialResolver(resolver ai.CredentialResolver) Option {
	return func(o *options) {
		o.resolver = resolver
	}
}

// WithQueue dispatches jobs through RabbitMQ instead of the in-process
// worker pool. Workers consume them with NewConsumer. Empty names use
// queue.DefaultQueue and queue.DefaultDeadLetterQueue.
func WithQueue(client *queue.Client, queueName, dlqName string) Option {
	return func(o *options) {
		o.queue = client
		o.queueName = queueName
		o.dlqName = dlqName
	}
}

// WithRunnerOptions passes options to the ingestion runner.
func WithRunnerOptions(opts ...ingestion.Option) Option {
	return func(o *options) {
		o.runnerOpts = append(o.runnerOpts, opts...)
	}
}

// WithServiceOptions passes options to the job control service.
func WithServiceOptions(opts ...jobs.Option) Option {
	return func(o *options) {
		o.serviceOpts = append(o.serviceOpts, opts...)
	}
}

// WithCloser registers a function run by Close, after the runner stopped.
func WithCloser(fn func() error) Option {
	return func(o *options) {
		o.closers = append(o.closers, fn)
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Open opens the job database at dataDir and builds the system on it. An
// empty dataDir keeps everything in memory.
func Open(dataDir string, opts ...Option) (*System, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	backend, err := badger.OpenBackend(dataDir, dataDir == "")
	if err != nil {
		return nil, err
	}

	s := &System{
		backend: backend,
		jobs:    badger.NewJobRepository(backend),
		chunks:  o.chunks,
		store:   o.store,
		plugins: plugin.DefaultRegistry(convert.NewRegistry()),
		queue:   o.queue,
		closers: o.closers,
		logger:  o.logger.With("component", "kbingest"),
	}
	if s.chunks == nil {
		s.chunks = badger.NewChunkRepository(backend)
	}
	if s.store == nil {
		s.store = assets.NewMemoryStore("")
	}

	runnerOpts := []ingestion.Option{ingestion.WithLogger(o.logger)}
	if o.resolver != nil {
		runnerOpts = append(runnerOpts, ingestion.WithCredentialResolver(o.resolver))
	}
	s.runner, err = ingestion.NewRunner(s.jobs, s.chunks, s.store, s.plugins, append(runnerOpts, o.runnerOpts...)...)
	if err != nil {
		backend.Close()
		return nil, err
	}

	s.dispatcher = s.runner
	if o.queue != nil {
		if o.queueName == "" {
			o.queueName = queue.DefaultQueue
		}
		if o.dlqName == "" {
			o.dlqName = queue.DefaultDeadLetterQueue
		}
		if err := o.queue.DeclareQueues(o.queueName, o.dlqName); err != nil {
			s.runner.Release()
			backend.Close()
			return nil, err
		}
		s.dispatcher, err = queue.NewPublisher(o.queue.Channel, o.queueName)
		if err != nil {
			s.runner.Release()
			backend.Close()
			return nil, err
		}
	}

	serviceOpts := []jobs.Option{jobs.WithLogger(o.logger), jobs.WithChunkSink(s.chunks)}
	s.service, err = jobs.NewService(s.jobs, s.store, s.plugins, s.dispatcher, append(serviceOpts, o.serviceOpts...)...)
	if err != nil {
		s.runner.Release()
		backend.Close()
		return nil, err
	}
	return s, nil
}

// Service returns the job control API.
func (s *System) Service() *jobs.Service {
	return s.service
}

// Runner returns the ingestion runner.
func (s *System) Runner() *ingestion.Runner {
	return s.runner
}

// JobRepository returns the job store.
func (s *System) JobRepository() storage.JobRepository {
	return s.jobs
}

// ChunkSink returns the configured vector storage collaborator.
func (s *System) ChunkSink() storage.ChunkSink {
	return s.chunks
}

// AssetStore returns the configured asset store.
func (s *System) AssetStore() assets.Store {
	return s.store
}

// ResumePending dispatches jobs left pending by an earlier process.
func (s *System) ResumePending(ctx context.Context) (int, error) {
	if s.queue == nil {
		return s.runner.ResumePending(ctx)
	}
	pending, err := s.jobs.ListJobsByStatus(ctx, core.StatusPending)
	if err != nil {
		return 0, err
	}
	for i, job := range pending {
		if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
			return i, fmt.Errorf("publishing job %s: %w", job.ID, err)
		}
	}
	return len(pending), nil
}

// NewConsumer returns a queue consumer that runs jobs on this system's
// runner. It needs WithQueue.
func (s *System) NewConsumer(opts ...queue.ConsumerOption) (*queue.Consumer, error) {
	if s.queue == nil {
		return nil, errors.New("no queue configured")
	}
	name := queue.DefaultQueue
	if p, ok := s.dispatcher.(*queue.Publisher); ok {
		name = p.Queue()
	}
	return queue.NewConsumer(s.queue.Channel, name, s.runner, append([]queue.ConsumerOption{queue.WithConsumerLogger(s.logger)}, opts...)...)
}

// Close stops the runner and releases every resource. Runs already started
// are not interrupted.
func (s *System) Close() error {
	s.runner.Release()

	var errs []error
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.backend.Close(); err != nil {
		s.logger.Error("error closing backend storage", "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DescriberFactory builds describers for resolved credentials on top of
// base: OpenAI-compatible endpoints through langchaingo, or Gemini.
func DescriberFactory(base ai.Config) ai.DescriberFactory {
	return func(ctx context.Context, cred ai.Credential) (ai.ImageDescriber, error) {
		cfg := cred.Config(base)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		switch cfg.Provider {
		case ai.ProviderGemini:
			d, err := gemini.NewDescriber(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return openai.NewDescriber(cfg)
		}
	}
}
