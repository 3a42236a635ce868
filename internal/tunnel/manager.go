package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/homeprobe/homeprobe/internal/config"
)

var (
	// ErrSpawn means the local side of a forward could not be set up,
	// e.g. the listen port is held by something that is not ours.
	ErrSpawn = errors.New("tunnel: spawn failed")

	// ErrUnreachable means the bastion did not accept the forward within
	// the configured dial timeout.
	ErrUnreachable = errors.New("tunnel: bastion unreachable")
)

// forward is one live port-forward: a local listener whose connections are
// relayed to the target through the bastion.
type forward struct {
	route  config.Route
	ln     net.Listener
	client *ssh.Client
	done   chan struct{}

	closeOnce sync.Once
}

// alive reports whether the forward is still usable.
func (f *forward) alive() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

// close is safe for concurrent callers: shutdown and the client.Wait
// watcher race to it when the bastion connection drops.
func (f *forward) close() {
	f.closeOnce.Do(func() {
		f.ln.Close()
		if f.client != nil {
			f.client.Close()
		}
		close(f.done)
	})
}

// Manager resolves probe targets to network addresses, spawning and
// supervising forwards for routed targets.
type Manager struct {
	routes    map[string]config.Route
	sshConfig *ssh.ClientConfig

	mu    sync.Mutex
	live  map[string]*forward
	group singleflight.Group

	// spawn is swappable so tests can stand up forwards without a bastion.
	spawn func(route config.Route) (*forward, error)

	spawns   atomic.Int64
	restarts atomic.Int64
	uses     atomic.Int64
}

// New builds a Manager from the sshproxy configuration. The private key is
// read eagerly so a bad key path fails at startup, not on the first probe.
func New(cfg config.SSHProxy) (*Manager, error) {
	m := &Manager{
		routes: map[string]config.Route{},
		live:   map[string]*forward{},
	}
	m.spawn = m.spawnSSH
	for _, r := range cfg.Routes {
		m.routes[r.Target] = r
	}
	if len(m.routes) == 0 {
		return m, nil
	}

	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tunnel: read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("tunnel: parse key: %w", err)
	}
	m.sshConfig = &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // bastion is user-configured
		Timeout:         cfg.DialTimeout,
	}
	return m, nil
}

// Resolve returns the address a driver should dial for target: either the
// target itself, or the loopback side of a live forward, spawning one if
// needed. Concurrent resolves for the same target share a single spawn.
func (m *Manager) Resolve(target string) (string, error) {
	route, ok := m.routes[target]
	if !ok {
		return target, nil
	}

	_, err, _ := m.group.Do(target, func() (any, error) {
		m.mu.Lock()
		f := m.live[target]
		m.mu.Unlock()

		if f != nil {
			if f.alive() {
				return nil, nil
			}
			// Reap the dead forward so its local port is free again.
			slog.Warn("tunnel: forward died, respawning", "target", target, "local", route.LocalAddr)
			f.close()
			m.restarts.Add(1)
		}

		nf, err := m.spawn(route)
		if err != nil {
			m.mu.Lock()
			delete(m.live, target)
			m.mu.Unlock()
			return nil, err
		}
		m.spawns.Add(1)
		m.mu.Lock()
		m.live[target] = nf
		m.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return "", err
	}

	m.uses.Add(1)
	return localDialAddr(route.LocalAddr), nil
}

// localDialAddr rewrites a wildcard listen address to loopback for dialing.
// Binding to 0.0.0.0 is needed in some container setups.
func localDialAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return net.JoinHostPort("127.0.0.1", port)
	}
	return addr
}

// spawnSSH dials the bastion and starts relaying the local listener to the
// target. The dial is bounded by the configured timeout.
func (m *Manager) spawnSSH(route config.Route) (*forward, error) {
	client, err := ssh.Dial("tcp", route.Via, m.sshConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %s via %s: %v", ErrUnreachable, route.Target, route.Via, err)
	}

	ln, err := net.Listen("tcp", route.LocalAddr)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: listen %s: %v", ErrSpawn, route.LocalAddr, err)
	}

	f := &forward{route: route, ln: ln, client: client, done: make(chan struct{})}
	remote := net.JoinHostPort(route.Target, strconv.Itoa(route.RemotePort))

	slog.Info("tunnel: forward up", "target", route.Target, "via", route.Via, "local", route.LocalAddr)

	// Mark the forward dead as soon as the SSH connection drops, so the
	// next Resolve respawns instead of handing out a dead listener.
	go func() {
		_ = client.Wait()
		f.close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return // listener closed
			}
			go relay(conn, client, remote)
		}
	}()

	return f, nil
}

// relay copies bytes both ways between a local connection and the remote
// endpoint reached through the bastion.
func relay(local net.Conn, client *ssh.Client, remote string) {
	defer local.Close()
	rc, err := client.Dial("tcp", remote)
	if err != nil {
		slog.Warn("tunnel: remote dial failed", "remote", remote, "err", err)
		return
	}
	defer rc.Close()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(rc, local)
		close(done)
	}()
	_, _ = io.Copy(local, rc)
	<-done
}

// Close tears down every live forward. No forward outlives the exporter.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for target, f := range m.live {
		f.close()
		delete(m.live, target)
	}
}

// Active returns the number of currently live forwards.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.live {
		if f.alive() {
			n++
		}
	}
	return n
}

// Spawns returns the number of forwards spawned since startup.
func (m *Manager) Spawns() int64 { return m.spawns.Load() }

// Restarts returns the number of forwards respawned after dying.
func (m *Manager) Restarts() int64 { return m.restarts.Load() }

// Uses returns the number of resolves served through a forward.
func (m *Manager) Uses() int64 { return m.uses.Load() }
