package conns

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/zap"
)

// HeartBeatConnectionFactory attaches a periodic liveness probe to every
// connection produced by its delegate. An idle connection that stops
// answering probes is invalidated, its pending operations are failed with a
// connectivity error, and its invalidation listeners fire so a pool above can
// evict the entry early.
type HeartBeatConnectionFactory struct {
	delegate ConnectionFactory
	config   HeartbeatConfig
	logger   *zap.Logger

	scheduler     *Scheduler
	ownsScheduler bool

	connections cmap.ConcurrentMap // connection ID -> *HeartBeatConnection
	closed      atomic.Bool
}

// NewHeartBeatConnectionFactory wraps delegate with probing per config. When
// the config carries no scheduler the factory owns one and stops it on Close.
func NewHeartBeatConnectionFactory(delegate ConnectionFactory, config *HeartbeatConfig) *HeartBeatConnectionFactory {
	if config == nil {
		config = &HeartbeatConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	scheduler := config.Scheduler
	ownsScheduler := false
	if scheduler == nil {
		scheduler = NewScheduler(logger)
		ownsScheduler = true
	}

	return &HeartBeatConnectionFactory{
		delegate:      delegate,
		config:        *config,
		logger:        logger.With(zap.String("component", "heartbeat-factory")),
		scheduler:     scheduler,
		ownsScheduler: ownsScheduler,
		connections:   cmap.New(),
	}
}

func (f *HeartBeatConnectionFactory) GetConnection() (Connection, error) {
	return f.GetConnectionAsync(nil).Wait()
}

func (f *HeartBeatConnectionFactory) GetConnectionAsync(handler ConnectionHandler) *ConnectionFuture {
	future := NewConnectionFuture(handler)

	if f.closed.Load() {
		future.Complete(nil, ErrFactoryClosed)
		return future
	}

	f.delegate.GetConnectionAsync(func(conn Connection, err error) {
		if err != nil {
			future.Complete(nil, err)
			return
		}

		wrapped := f.monitor(conn)
		if !future.Complete(wrapped, nil) {
			_ = wrapped.Close()
		}
	})

	return future
}

// monitor wraps conn and starts its probe task.
func (f *HeartBeatConnectionFactory) monitor(conn Connection) *HeartBeatConnection {
	probe := f.config.Probe
	if probe == nil {
		probe = NewProbeSearchRequest()
	}

	id := uuid.NewString()
	hc := &HeartBeatConnection{
		conn:        conn,
		id:          id,
		probe:       probe,
		timeout:     f.config.Timeout(),
		invalidated: make(chan struct{}),
		logger:      f.logger,
		detach:      func() { f.connections.Remove(id) },
	}
	hc.task = f.scheduler.Schedule("heartbeat-"+id, f.config.Interval(), hc.tick)
	f.connections.Set(id, hc)

	// A failure detected below this layer invalidates the wrapper too.
	conn.AddInvalidationListener(func(reason error) {
		hc.invalidate(reason)
	})

	return hc
}

// Close stops all probing and the owned scheduler, then closes the delegate.
// Connections still held by the application keep working, unmonitored.
func (f *HeartBeatConnectionFactory) Close() error {
	if f.closed.Swap(true) {
		return nil
	}

	for item := range f.connections.IterBuffered() {
		hc := item.Val.(*HeartBeatConnection)
		hc.task.Stop()
		f.connections.Remove(item.Key)
	}

	if f.ownsScheduler {
		f.scheduler.Stop()
	}
	return f.delegate.Close()
}

func (f *HeartBeatConnectionFactory) String() string {
	return fmt.Sprintf("heartbeat(%v)", f.delegate)
}

// HeartBeatConnection is one probed connection. At most one probe is
// outstanding at any time, and a probe is only sent when no application
// traffic was observed since the previous tick.
type HeartBeatConnection struct {
	conn    Connection
	id      string
	probe   *SearchRequest
	timeout time.Duration
	logger  *zap.Logger
	detach  func()

	task        *ScheduledTask
	traffic     atomic.Bool // application response observed since last tick
	probing     atomic.Bool // probe outstanding
	reason      error       // written once, before invalidated closes
	invalidated chan struct{}
	invalidOnce sync.Once
	listeners   listenerRegistry
}

type opOutcome struct {
	response interface{}
	err      error
}

// do runs call while racing it against invalidation, so an operation blocked
// on a dying connection is failed promptly instead of waiting for the
// transport to notice.
func (hc *HeartBeatConnection) do(call func() (interface{}, error)) (interface{}, error) {
	select {
	case <-hc.invalidated:
		return nil, hc.reason
	default:
	}

	outcome := make(chan opOutcome, 1)
	go func() {
		response, err := call()
		outcome <- opOutcome{response: response, err: err}
	}()

	select {
	case o := <-outcome:
		if o.err == nil {
			hc.traffic.Store(true)
		}
		return o.response, o.err
	case <-hc.invalidated:
		return nil, hc.reason
	}
}

func (hc *HeartBeatConnection) Bind(request *BindRequest) (*Result, error) {
	response, err := hc.do(func() (interface{}, error) { return hc.conn.Bind(request) })
	if err != nil {
		return nil, err
	}
	return response.(*Result), nil
}

func (hc *HeartBeatConnection) Search(request *SearchRequest) (*SearchResult, error) {
	response, err := hc.do(func() (interface{}, error) { return hc.conn.Search(request) })
	if err != nil {
		return nil, err
	}
	return response.(*SearchResult), nil
}

func (hc *HeartBeatConnection) Add(request *AddRequest) (*Result, error) {
	response, err := hc.do(func() (interface{}, error) { return hc.conn.Add(request) })
	if err != nil {
		return nil, err
	}
	return response.(*Result), nil
}

func (hc *HeartBeatConnection) Delete(request *DeleteRequest) (*Result, error) {
	response, err := hc.do(func() (interface{}, error) { return hc.conn.Delete(request) })
	if err != nil {
		return nil, err
	}
	return response.(*Result), nil
}

func (hc *HeartBeatConnection) Modify(request *ModifyRequest) (*Result, error) {
	response, err := hc.do(func() (interface{}, error) { return hc.conn.Modify(request) })
	if err != nil {
		return nil, err
	}
	return response.(*Result), nil
}

// tick runs on the scheduler goroutine once per interval. Probing is
// idle-only: any application response since the previous tick suppresses the
// probe, and a probe already in flight is never doubled.
func (hc *HeartBeatConnection) tick() {
	select {
	case <-hc.invalidated:
		return
	default:
	}

	if hc.probing.Load() {
		return
	}
	if hc.traffic.Swap(false) {
		return
	}

	hc.probing.Store(true)
	probeOutcome := make(chan error, 1)
	go func() {
		_, err := hc.conn.Search(hc.probe)
		probeOutcome <- err
	}()

	timer := time.NewTimer(hc.timeout)
	defer timer.Stop()

	select {
	case err := <-probeOutcome:
		hc.probing.Store(false)
		if err != nil && IsConnectivityError(err) {
			hc.invalidate(err)
		}
	case <-timer.C:
		hc.invalidate(ErrHeartbeatTimeout)
	case <-hc.invalidated:
	}
}

// invalidate marks the connection dead exactly once: pending operations are
// released with the connectivity failure, listeners fire, probing stops, and
// the underlying transport is closed.
func (hc *HeartBeatConnection) invalidate(reason error) {
	hc.invalidOnce.Do(func() {
		hc.reason = reason
		close(hc.invalidated)

		if hc.task != nil {
			hc.task.Stop()
		}
		hc.detach()

		hc.logger.Warn("connection invalidated",
			zap.String("connectionID", hc.id),
			zap.Error(reason))

		hc.listeners.fire(reason)
		_ = hc.conn.Close(reason)
	})
}

func (hc *HeartBeatConnection) IsValid() bool {
	select {
	case <-hc.invalidated:
		return false
	default:
	}
	return hc.conn.IsValid()
}

// Close stops probing and closes the underlying transport. A non-nil reason
// routes through invalidation so listeners observe the abnormal close.
func (hc *HeartBeatConnection) Close(reason ...error) error {
	if len(reason) > 0 && reason[0] != nil {
		hc.invalidate(reason[0])
		return nil
	}

	if hc.task != nil {
		hc.task.Stop()
	}
	hc.detach()
	return hc.conn.Close()
}

func (hc *HeartBeatConnection) AddInvalidationListener(fn func(reason error)) int {
	return hc.listeners.add(fn)
}

func (hc *HeartBeatConnection) RemoveInvalidationListener(token int) {
	hc.listeners.remove(token)
}
