package sandbox

import (
	"log/slog"
	"os"
	"sync"
)

// environment is one provisioned execution environment. While checked out
// it belongs to exactly one mission; the pool never hands the same
// environment to two concurrent callers.
type environment struct {
	dir         string
	fingerprint string
	hasVenv     bool
}

func (env *environment) remove(logger *slog.Logger) {
	if err := os.RemoveAll(env.dir); err != nil {
		logger.Warn("failed to remove environment",
			slog.String("dir", env.dir),
			slog.String("error", err.Error()),
		)
	}
}

// envPool caches keep-alive environments keyed by dependency fingerprint.
// Checkout removes the environment from the idle set, so reuse is
// first-come, exclusive; a second concurrent mission with the same
// fingerprint simply provisions a fresh environment.
type envPool struct {
	mu   sync.Mutex
	idle map[string][]*environment
}

func newEnvPool() *envPool {
	return &envPool{idle: make(map[string][]*environment)}
}

// Checkout takes an idle environment for the fingerprint, if any.
func (p *envPool) Checkout(fingerprint string) (*environment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	envs := p.idle[fingerprint]
	if len(envs) == 0 {
		return nil, false
	}
	env := envs[len(envs)-1]
	p.idle[fingerprint] = envs[:len(envs)-1]
	return env, true
}

// Return puts an environment back into the idle set for its fingerprint.
func (p *envPool) Return(env *environment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle[env.fingerprint] = append(p.idle[env.fingerprint], env)
}

// Size reports the number of idle cached environments.
func (p *envPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, envs := range p.idle {
		n += len(envs)
	}
	return n
}

// Close removes every idle environment from disk and empties the pool.
func (p *envPool) Close(logger *slog.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for fp, envs := range p.idle {
		for _, env := range envs {
			env.remove(logger)
		}
		delete(p.idle, fp)
	}
}
