package conns

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// DirectoryService assembles the full client stack from a ClientConfig:
// dial leaves (one per URI), optional pre-authentication, optional heartbeat
// probing, an optional load balancer over several URIs, and the cached pool
// on top. The service owns the scheduler driving pool sweeps and heartbeat
// ticks and closes everything in order on Shutdown.
type DirectoryService struct {
	Config  *ClientConfig
	Factory ConnectionFactory

	// Pool is the outermost pool, nil when pooling is disabled.
	Pool *CachedConnectionPool

	scheduler            *Scheduler
	logger               *zap.Logger
	encryptionConfigured bool
	shutdownOnce         sync.Once
}

// NewDirectoryService builds the stack over dial leaves per the config. The
// passphrase and salt derive the snapshot encryption hashkey when encryption
// is enabled. A nil logger disables logging.
func NewDirectoryService(config *ClientConfig, passphrase, salt string, logger *zap.Logger) (*DirectoryService, error) {
	if config == nil || config.DialConfig == nil || len(config.DialConfig.URIs) == 0 {
		return nil, errors.New("directoryservice requires a dialconfig with at least one uri")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	leaves := make([]ConnectionFactory, 0, len(config.DialConfig.URIs))
	for _, uri := range config.DialConfig.URIs {
		leaves = append(leaves, NewDialConnectionFactory(uri, config.DialConfig, logger))
	}

	return newDirectoryService(leaves, config, passphrase, salt, logger)
}

// NewDirectoryServiceWithFactories builds the same stack over caller-supplied
// leaf factories: an InternalConnectionFactory for socket-free routing, or
// anything else honoring the ConnectionFactory contract.
func NewDirectoryServiceWithFactories(leaves []ConnectionFactory, config *ClientConfig, passphrase, salt string, logger *zap.Logger) (*DirectoryService, error) {
	if len(leaves) == 0 {
		return nil, errors.New("directoryservice requires at least one leaf factory")
	}
	if config == nil {
		config = &ClientConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return newDirectoryService(leaves, config, passphrase, salt, logger)
}

func newDirectoryService(leaves []ConnectionFactory, config *ClientConfig, passphrase, salt string, logger *zap.Logger) (*DirectoryService, error) {

	service := &DirectoryService{
		Config:    config,
		scheduler: NewScheduler(logger),
		logger:    logger.With(zap.String("component", "directory-service")),
	}

	// Per-leaf layers: authentication first, then heartbeat, so the probe
	// runs on an authenticated session.
	chains := make([]ConnectionFactory, 0, len(leaves))
	for _, leaf := range leaves {
		factory := leaf

		if config.AuthConfig != nil && config.AuthConfig.Enabled {
			factory = NewAuthenticatedConnectionFactory(factory, &BindRequest{
				DN:       config.AuthConfig.BindDN,
				Password: config.AuthConfig.BindPassword,
			}, logger)
		}

		if config.HeartbeatConfig != nil && config.HeartbeatConfig.Enabled {
			heartbeatConfig := *config.HeartbeatConfig
			heartbeatConfig.Scheduler = service.scheduler
			heartbeatConfig.Logger = logger
			factory = NewHeartBeatConnectionFactory(factory, &heartbeatConfig)
		}

		chains = append(chains, factory)
	}

	var outer ConnectionFactory
	if len(chains) == 1 {
		outer = chains[0]
	} else {
		var algorithm LoadBalancingAlgorithm
		policy := RoundRobinPolicy
		if config.BalancerConfig != nil && config.BalancerConfig.Policy != "" {
			policy = config.BalancerConfig.Policy
		}
		switch policy {
		case FailoverPolicy:
			algorithm = NewFailoverLoadBalancingAlgorithm(chains)
		case RoundRobinPolicy:
			algorithm = NewRoundRobinLoadBalancingAlgorithm(chains)
		default:
			return nil, errors.New("unknown balancer policy: " + policy)
		}
		outer = NewLoadBalancedConnectionFactory(algorithm, logger)
	}

	if config.PoolConfig != nil && config.PoolConfig.Enabled {
		poolConfig := *config.PoolConfig
		poolConfig.Scheduler = service.scheduler
		poolConfig.Logger = logger

		pool, err := NewCachedConnectionPool(outer, &poolConfig)
		if err != nil {
			service.scheduler.Stop()
			return nil, err
		}
		service.Pool = pool
		outer = pool
	}

	service.Factory = outer

	// Derive the snapshot hashkey once, the way the config documents it.
	if config.EncryptionConfig != nil && config.EncryptionConfig.Enabled && passphrase != "" && salt != "" {
		config.EncryptionConfig.Hashkey = GetHashWithArgon(
			passphrase,
			salt,
			config.EncryptionConfig.TimeConsideration,
			config.EncryptionConfig.MemoryMultiplier,
			config.EncryptionConfig.Threads,
			32)
		service.encryptionConfigured = true
	}

	return service, nil
}

// GetConnection acquires from the outermost factory.
func (s *DirectoryService) GetConnection() (Connection, error) {
	return s.Factory.GetConnection()
}

// GetConnectionAsync acquires from the outermost factory without blocking.
func (s *DirectoryService) GetConnectionAsync(handler ConnectionHandler) *ConnectionFuture {
	return s.Factory.GetConnectionAsync(handler)
}

// EncryptionConfigured reports whether a snapshot hashkey was derived.
func (s *DirectoryService) EncryptionConfigured() bool {
	return s.encryptionConfigured
}

// Shutdown closes the outermost factory (cascading down the stack) and stops
// the shared scheduler. Safe to call more than once.
func (s *DirectoryService) Shutdown() {
	s.shutdownOnce.Do(func() {
		if err := s.Factory.Close(); err != nil {
			s.logger.Warn("factory close reported an error", zap.Error(err))
		}
		s.scheduler.Stop()
	})
}
