package netaccess

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kanzi-net/stuncore/addr"
	"github.com/kanzi-net/stuncore/internal/xerrors"
)

// taskPoolSize is the number of reusable processing tasks the Manager keeps
// on hand to avoid a per-packet allocation; it is small because
// the pool only amortizes allocation, it does not bound concurrency.
const taskPoolSize = 8

// connectorKey identifies one entry in a transport's connector index: the
// local address always participates, the remote address only for
// connected/TCP entries. An absent remote means "any remote", used for
// unconnected UDP sockets.
type connectorKey struct {
	local  string
	remote string
	hasRem bool
}

func keyFor(local addr.TransportAddress, remote *addr.TransportAddress) connectorKey {
	k := connectorKey{local: local.Key()}
	if remote != nil {
		k.remote = remote.Key()
		k.hasRem = true
	}
	return k
}

// Manager is the Net Access Manager: it owns two connector
// indexes (one per transport kind), dispatches outbound sends to the
// matching Connector, and fans inbound RawMessages out to a shared
// processing pool.
type Manager struct {
	log zerolog.Logger

	udpMu  sync.Mutex
	udp    map[connectorKey]Connector
	tcpMu  sync.Mutex
	tcp    map[connectorKey]Connector
	onRaw  func(RawMessage)

	stopped bool
	stopMu  sync.Mutex

	group  *errgroup.Group
	cancel context.CancelFunc

	taskMu sync.Mutex
	tasks  []*task
	active map[*task]struct{}
}

// task is a reusable unit of processing work; the Manager keeps taskPoolSize
// of these to avoid allocating a closure per received datagram.
type task struct {
	m   *Manager
	msg RawMessage
}

// New constructs a Manager. onRaw is invoked (on the shared pool) for every
// RawMessage that survives a Connector's reader loop.
func New(log zerolog.Logger, onRaw func(RawMessage)) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	m := &Manager{
		log:    log.With().Str("component", "netaccess.Manager").Logger(),
		udp:    make(map[connectorKey]Connector),
		tcp:    make(map[connectorKey]Connector),
		onRaw:  onRaw,
		group:  group,
		cancel: cancel,
		active: make(map[*task]struct{}),
	}
	_ = ctx // retained on m.group for Stop()'s Wait(); individual tasks don't need it directly
	for i := 0; i < taskPoolSize; i++ {
		m.tasks = append(m.tasks, &task{m: m})
	}
	return m
}

// AddSocket registers and starts a Connector for (local, remote) if no entry
// exists yet; a duplicate registration logs a warning and returns without
// touching the existing Connector.
func (m *Manager) AddSocket(c Connector, local addr.TransportAddress, remote *addr.TransportAddress) {
	key := keyFor(local, remote)
	mu, idx := m.indexFor(local.Transport)

	mu.Lock()
	if _, exists := idx[key]; exists {
		mu.Unlock()
		m.log.Warn().Str("local", local.String()).Msg("add_socket: connector already registered, ignoring")
		return
	}
	idx[key] = c
	mu.Unlock()

	c.Start()
}

// RemoveSocket locates and stops the Connector registered for (local,
// remote), removing it from its index; it reports xerrors.NoRoute if none
// exists.
func (m *Manager) RemoveSocket(local addr.TransportAddress, remote *addr.TransportAddress) error {
	key := keyFor(local, remote)
	mu, idx := m.indexFor(local.Transport)

	mu.Lock()
	c, ok := idx[key]
	if ok {
		delete(idx, key)
	}
	mu.Unlock()

	if !ok {
		return xerrors.New(xerrors.NoRoute, "no connector registered for "+local.String())
	}
	if err := c.Stop(); err != nil {
		m.log.Error().Err(err).Str("local", local.String()).Msg("remove_socket: connector stop failed")
		return err
	}
	return nil
}

// Send dispatches b to the Connector matching (local, remote), falling back
// (UDP only) to the Connector registered for (local, nil), an unconnected
// listening socket.
func (m *Manager) Send(b []byte, local, remote addr.TransportAddress) error {
	mu, idx := m.indexFor(local.Transport)

	mu.Lock()
	c, ok := idx[connectorKey{local: local.Key(), remote: remote.Key(), hasRem: true}]
	if !ok && local.Transport == addr.UDP {
		c, ok = idx[connectorKey{local: local.Key()}]
	}
	mu.Unlock()

	if !ok {
		return xerrors.New(xerrors.NoRoute, "no connector for "+local.String()+" -> "+remote.String())
	}
	return c.Send(b, remote)
}

// indexFor returns the mutex and map for addr's transport kind.
func (m *Manager) indexFor(t addr.Transport) (*sync.Mutex, map[connectorKey]Connector) {
	if t == addr.UDP {
		return &m.udpMu, m.udp
	}
	return &m.tcpMu, m.tcp
}

// Dispatch publishes a freshly-read RawMessage for asynchronous processing,
// reusing a pooled task when one is free and falling back to an ad hoc
// allocation when the pool is exhausted; surplus tasks are simply dropped
// on completion.
func (m *Manager) Dispatch(msg RawMessage) {
	m.stopMu.Lock()
	stopped := m.stopped
	m.stopMu.Unlock()
	if stopped {
		return // Stop is total: no callback fires after it returns
	}

	m.taskMu.Lock()
	var t *task
	if n := len(m.tasks); n > 0 {
		t = m.tasks[n-1]
		m.tasks = m.tasks[:n-1]
	}
	if t == nil {
		t = &task{m: m}
	}
	t.msg = msg
	m.active[t] = struct{}{}
	m.taskMu.Unlock()

	m.group.Go(func() error {
		defer m.release(t)
		m.onRaw(t.msg)
		return nil
	})
}

// release returns t to the pool (if there is room) and removes it from the
// active set.
func (m *Manager) release(t *task) {
	m.taskMu.Lock()
	delete(m.active, t)
	if len(m.tasks) < taskPoolSize {
		t.msg = RawMessage{}
		m.tasks = append(m.tasks, t)
	}
	m.taskMu.Unlock()
}

// Stop marks the Manager stopped, so later Dispatch calls are dropped,
// waits for the processing tasks already dispatched to finish, and stops
// every Connector in both indexes. In-flight tasks are not interrupted: the
// context cancelled here is not observed by onRaw. No callback fires after
// Stop returns.
func (m *Manager) Stop() {
	m.stopMu.Lock()
	m.stopped = true
	m.stopMu.Unlock()

	m.cancel()
	_ = m.group.Wait()

	m.udpMu.Lock()
	udp := m.udp
	m.udp = make(map[connectorKey]Connector)
	m.udpMu.Unlock()

	m.tcpMu.Lock()
	tcp := m.tcp
	m.tcp = make(map[connectorKey]Connector)
	m.tcpMu.Unlock()

	for _, c := range udp {
		if err := c.Stop(); err != nil {
			m.log.Error().Err(err).Msg("stop: udp connector stop failed")
		}
	}
	for _, c := range tcp {
		if err := c.Stop(); err != nil {
			m.log.Error().Err(err).Msg("stop: tcp connector stop failed")
		}
	}
}

// OnFatal evicts the Connector registered at (local, remote) from its
// index. Wired as the onFatal callback passed to NewUDPConnector/
// NewTCPConnector so a Connector's fatal read error causes the
// Manager to forget it without requiring the caller to know which index it
// lives in.
func (m *Manager) OnFatal(local addr.TransportAddress, remote *addr.TransportAddress, err error) {
	m.log.Error().Err(err).Str("local", local.String()).Msg("connector reported fatal error, evicting")
	key := keyFor(local, remote)
	mu, idx := m.indexFor(local.Transport)
	mu.Lock()
	delete(idx, key)
	mu.Unlock()
}
