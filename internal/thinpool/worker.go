package thinpool

// workerLoop is the pool's single worker goroutine, the Go analogue of
// do_worker's workqueue callback: on every wake it drains the
// prepared-mappings queue before the deferred-request queue, so a mapping
// that just became installable never waits behind a fresh round of request
// processing (spec.md §4.4/§4.5).
func (p *Pool) workerLoop() {
	p.logger.Info("worker started")
	defer p.logger.Info("worker stopped")
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			p.drainOnce()
			return
		case <-p.wake:
			p.drainOnce()
		}
	}
}

func (p *Pool) drainOnce() {
	p.processPreparedMappings()
	p.processDeferredBios()
}

func (p *Pool) processPreparedMappings() {
	p.mu.Lock()
	maps := p.preparedMappings
	p.preparedMappings = nil
	p.mu.Unlock()

	for _, m := range maps {
		p.installMapping(m)
	}
}

func (p *Pool) processDeferredBios() {
	p.mu.Lock()
	bios := p.deferredBios
	p.deferredBios = nil
	p.mu.Unlock()

	for _, req := range bios {
		p.logger.Debug("processing deferred request", "device", req.Device, "virt", req.Block, "op", req.Op)
		p.processRequest(req)
	}
}
