package workers

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.metrics
}

// update applies fn to the counters under the pool lock.
func (p *WorkerPool) update(fn func(m *PoolMetrics)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.metrics)
}
