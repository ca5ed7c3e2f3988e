package reconciler

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"manifold/internal/core/resolver"
	"manifold/internal/core/topology"
	"manifold/internal/runtime"
	"manifold/internal/store/rsm"
	"manifold/internal/utils"
)

func NewController(driver runtime.DriverHandler, opts Options) *Controller {
	return &Controller{
		driver:          driver,
		resolverHandler: resolver.NewResolverService(),
		topologyHandler: topology.NewTopologyService(),
		opts:            opts.withDefaults(),
		statuses:        map[string]*ServiceStatus{},
		backoffs:        map[string]*backoff.ExponentialBackOff{},
		subs:            map[int]chan Event{},
		now:             time.Now,
	}
}

type Controller struct {
	driver          runtime.DriverHandler
	resolverHandler resolver.ResolverHandler
	topologyHandler topology.TopologyServiceHandler
	statusStore     rsm.RsmHandler
	opts            Options

	// mu is the exclusive section over desired state and delta
	// computation. Driver calls are never made while holding it.
	mu         sync.Mutex
	desired    *topology.Topology
	generation uint64
	statuses   map[string]*ServiceStatus
	backoffs   map[string]*backoff.ExponentialBackOff
	snapshot   []runtime.Instance

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int

	now func() time.Time
}

func (c *Controller) SetStatusStore(h rsm.RsmHandler) {
	c.statusStore = h
}

// SetTopology swaps the desired state wholesale. A tick in flight stops
// issuing new actions once it observes the generation change; in-flight
// per-service actions complete. Changed specs get a fresh retry budget,
// which is also how a Degraded service recovers.
func (c *Controller) SetTopology(t *topology.Topology) {
	c.mu.Lock()
	changed := c.topologyHandler.Diff(c.desired, t)
	c.desired = t
	c.generation++
	for _, name := range changed {
		st := c.statuses[name]
		if st == nil {
			continue
		}
		st.Retries = 0
		st.NextAttempt = time.Time{}
		st.LastError = ""
		delete(c.backoffs, name)
		if st.Phase == PhaseDegraded {
			if st.Handle.ID != "" {
				c.transition(st, PhaseUnhealthy, "spec reloaded")
			} else {
				c.transition(st, PhaseAbsent, "spec reloaded")
			}
		}
	}
	c.mu.Unlock()
	log.Printf("topology loaded: name=%s version=%d services=%d changed=%d", t.Name, t.Version, t.Len(), len(changed))
}

func (c *Controller) Desired() *topology.Topology {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desired
}

// Run ticks on a fixed interval until ctx is done. Only a dependency
// cycle is fatal; everything else is logged and retried next tick.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := c.TickOnce(ctx); err != nil {
			var cycleErr *resolver.CycleError
			if errors.As(err, &cycleErr) {
				return err
			}
			if !errors.Is(err, ErrReloadConflict) {
				log.Printf("reconcile tick failed: err=%v", err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunToConvergence ticks until every desired service is Running or
// Degraded and nothing else is left to tear down.
func (c *Controller) RunToConvergence(ctx context.Context) error {
	for {
		if _, err := c.TickOnce(ctx); err != nil {
			var cycleErr *resolver.CycleError
			if errors.As(err, &cycleErr) {
				return err
			}
			if !errors.Is(err, ErrReloadConflict) {
				log.Printf("reconcile tick failed: err=%v", err)
			}
		}
		if c.Steady() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.Interval):
		}
	}
}

// TickOnce performs a single reconciliation pass: snapshot the runtime,
// compute the delta against the desired topology in dependency order, and
// issue at most one state-changing action per service.
func (c *Controller) TickOnce(ctx context.Context) (int, error) {
	c.mu.Lock()
	desired := c.desired
	gen := c.generation
	c.mu.Unlock()
	if desired == nil {
		return 0, nil
	}

	levels, err := c.resolverHandler.Levels(desired)
	if err != nil {
		return 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	instances, err := c.driver.List(callCtx, desired.Name)
	cancel()
	if err != nil {
		return 0, &DriverError{Op: "list", Service: "*", Err: err}
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return 0, ErrReloadConflict
	}
	c.snapshot = instances
	c.observe(desired, instances)
	checks, stops, startLevels := c.plan(desired, levels, instances)
	c.mu.Unlock()

	c.runChecks(ctx, checks)

	actions := c.runStops(ctx, gen, stops)
	actions += c.runStarts(ctx, gen, desired, startLevels)
	return actions, nil
}

func (c *Controller) Steady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.desired == nil {
		return true
	}
	for _, name := range c.desired.Names() {
		spec, _ := c.desired.Get(name)
		st := c.statuses[name]
		if st == nil {
			return false
		}
		switch st.Phase {
		case PhaseDegraded:
		case PhaseRunning:
			if st.Fingerprint != spec.Fingerprint() {
				return false
			}
		default:
			return false
		}
	}
	for name := range c.statuses {
		if _, ok := c.desired.Get(name); !ok {
			return false
		}
	}
	return true
}

func (c *Controller) Statuses() []ServiceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ServiceStatus, 0, len(c.statuses))
	for _, st := range c.statuses {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Controller) Instances() []runtime.Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]runtime.Instance(nil), c.snapshot...)
}

// Lookup returns the addresses of healthy instances of a service, for the
// discovery responder.
func (c *Controller) Lookup(service string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var addrs []string
	for _, inst := range c.snapshot {
		if inst.Service == service && inst.Health == runtime.HealthHealthy && inst.Addr != "" {
			addrs = append(addrs, inst.Addr)
		}
	}
	return addrs
}

func (c *Controller) Subscribe() (<-chan Event, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, 64)
	c.subs[id] = ch
	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

type plannedAction struct {
	name   string
	spec   topology.ServiceSpec
	handle runtime.InstanceHandle
	reason string
}

// observe folds the runtime snapshot into the per-service state machines.
// Observations are not actions: promotions and health demotions happen
// here without touching the driver. Caller holds mu.
func (c *Controller) observe(desired *topology.Topology, instances []runtime.Instance) {
	byService := map[string]runtime.Instance{}
	for _, inst := range instances {
		byService[inst.Service] = inst
	}

	names := map[string]bool{}
	for _, n := range desired.Names() {
		names[n] = true
	}
	for n := range c.statuses {
		names[n] = true
	}
	for n := range byService {
		names[n] = true
	}

	for name := range names {
		st := c.statuses[name]
		obs, seen := byService[name]
		spec, wanted := desired.Get(name)

		if st == nil {
			if !seen {
				continue
			}
			// instance with no local state (reconciler restart or a
			// stray container carrying our labels): adopt it
			st = &ServiceStatus{
				Name:        name,
				Handle:      obs.Handle,
				Fingerprint: obs.Handle.Fingerprint,
				StartedAt:   c.now(),
			}
			if wanted {
				st.Spec = spec
			}
			if obs.Health == runtime.HealthUnhealthy {
				st.Phase = PhaseUnhealthy
			} else {
				st.Phase = PhaseRunning
			}
			st.UpdatedAt = c.now()
			c.statuses[name] = st
			log.Printf("instance adopted: service=%s id=%s health=%s", name, obs.Handle.ID, obs.Health)
			continue
		}

		switch st.Phase {
		case PhaseStarting:
			if !seen {
				c.fail(st, "start", errors.New("instance disappeared while starting"))
				break
			}
			st.Handle = obs.Handle
			// specs that gate on health wait for a healthy report;
			// the rest count as up once the instance is seen
			switch {
			case obs.Health == runtime.HealthHealthy:
				st.Retries = 0
				st.LastError = ""
				delete(c.backoffs, name)
				c.transition(st, PhaseRunning, "healthy")
			case obs.Health == runtime.HealthUnknown && !st.Spec.GatesOnHealth():
				st.Retries = 0
				st.LastError = ""
				delete(c.backoffs, name)
				c.transition(st, PhaseRunning, "running")
			}
		case PhaseRunning:
			switch {
			case !seen:
				c.fail(st, "observe", errors.New("instance disappeared"))
			case obs.Health == runtime.HealthUnhealthy:
				st.Handle = obs.Handle
				c.failTo(st, PhaseUnhealthy, "health", errors.New("health check failed"))
			default:
				st.Handle = obs.Handle
			}
		case PhaseStopping:
			if !seen {
				st.Handle = runtime.InstanceHandle{}
				c.transition(st, PhaseAbsent, "stopped")
			}
		}
	}
}

// plan computes this tick's delta. Caller holds mu. Stop eligibility is
// re-evaluated at execution time so dependents always go down before
// their dependencies.
func (c *Controller) plan(desired *topology.Topology, levels [][]topology.ServiceSpec, instances []runtime.Instance) (checks, stops []plannedAction, startLevels [][]plannedAction) {
	byService := map[string]runtime.Instance{}
	for _, inst := range instances {
		byService[inst.Service] = inst
	}
	now := c.now()

	stopNames := make([]string, 0, len(c.statuses))
	for name := range c.statuses {
		stopNames = append(stopNames, name)
	}
	sort.Strings(stopNames)

	for _, name := range stopNames {
		st := c.statuses[name]
		spec, wanted := desired.Get(name)
		switch {
		case !wanted:
			if st.Phase == PhaseAbsent {
				delete(c.statuses, name)
				delete(c.backoffs, name)
				c.unpersist(name)
				continue
			}
			if st.Handle.ID != "" {
				stops = append(stops, plannedAction{name: name, handle: st.Handle, reason: "removed"})
			} else {
				c.transition(st, PhaseAbsent, "removed")
			}
		case st.Phase == PhaseDegraded:
			// holds its state until a reload changes the spec
		case st.Phase == PhaseUnhealthy:
			stops = append(stops, plannedAction{name: name, handle: st.Handle, reason: "restart"})
		case st.Phase == PhaseStopping:
			if !now.Before(st.NextAttempt) {
				stops = append(stops, plannedAction{name: name, handle: st.Handle, reason: "stop retry"})
			}
		case st.Phase != PhaseAbsent && st.Fingerprint != spec.Fingerprint():
			stops = append(stops, plannedAction{name: name, handle: st.Handle, reason: "spec changed"})
		case st.Phase == PhaseStarting:
			if now.Sub(st.StartedAt) > c.opts.StartTimeout {
				stops = append(stops, plannedAction{name: name, handle: st.Handle, reason: "startup timeout"})
				break
			}
			if obs, seen := byService[name]; seen && obs.Health == runtime.HealthUnknown && st.Spec.GatesOnHealth() {
				checks = append(checks, plannedAction{name: name, handle: obs.Handle})
			}
		}
	}

	for _, level := range levels {
		var wave []plannedAction
		for _, spec := range level {
			st := c.statuses[spec.Name]
			if st == nil {
				st = &ServiceStatus{Name: spec.Name, Phase: PhaseAbsent, UpdatedAt: now}
				c.statuses[spec.Name] = st
			}
			if st.Phase != PhaseAbsent {
				continue
			}
			if now.Before(st.NextAttempt) {
				continue
			}
			if !c.depsReady(desired, spec) {
				continue
			}
			wave = append(wave, plannedAction{name: spec.Name, spec: spec})
		}
		if len(wave) > 0 {
			startLevels = append(startLevels, wave)
		}
	}

	return checks, stops, startLevels
}

// depsReady reports whether every dependency of spec is Running. Caller
// holds mu.
func (c *Controller) depsReady(desired *topology.Topology, spec topology.ServiceSpec) bool {
	for _, dep := range spec.DependsOn {
		st := c.statuses[dep]
		if st == nil || st.Phase != PhaseRunning {
			return false
		}
	}
	return true
}

func (c *Controller) runChecks(ctx context.Context, checks []plannedAction) {
	if len(checks) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range checks {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, c.opts.CallTimeout)
			health, err := c.driver.HealthCheck(callCtx, a.handle)
			cancel()

			c.mu.Lock()
			defer c.mu.Unlock()
			st := c.statuses[a.name]
			if st == nil || st.Phase != PhaseStarting {
				return nil
			}
			switch {
			case err != nil:
				log.Printf("health check failed: service=%s err=%v", a.name, err)
			case health == runtime.HealthHealthy:
				st.Handle = a.handle
				st.Retries = 0
				st.LastError = ""
				delete(c.backoffs, a.name)
				c.transition(st, PhaseRunning, "healthy")
			case health == runtime.HealthAbsent:
				c.fail(st, "health", errors.New("instance disappeared while starting"))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// runStops executes teardown in waves: a service stops only once no live
// dependent remains, so dependents always go down first, within one tick
// when their stops succeed.
func (c *Controller) runStops(ctx context.Context, gen uint64, stops []plannedAction) int {
	actions := 0
	pending := map[string]plannedAction{}
	for _, a := range stops {
		pending[a.name] = a
	}

	for len(pending) > 0 {
		if c.cancelled(gen) {
			break
		}

		var wave []plannedAction
		c.mu.Lock()
		for name, a := range pending {
			if c.hasLiveDependents(name) {
				continue
			}
			wave = append(wave, a)
		}
		c.mu.Unlock()
		if len(wave) == 0 {
			break
		}
		sort.Slice(wave, func(i, j int) bool { return wave[i].name < wave[j].name })
		for _, a := range wave {
			delete(pending, a.name)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, a := range wave {
			actions++
			g.Go(func() error {
				c.mu.Lock()
				if st := c.statuses[a.name]; st != nil {
					c.transition(st, PhaseStopping, a.reason)
				}
				c.mu.Unlock()

				callCtx, cancel := context.WithTimeout(gctx, c.opts.CallTimeout)
				err := c.driver.Stop(callCtx, a.handle)
				cancel()

				c.mu.Lock()
				defer c.mu.Unlock()
				st := c.statuses[a.name]
				if st == nil {
					return nil
				}
				if err != nil {
					// stay in Stopping so the next tick retries the stop
					// instead of starting over the live instance
					c.failTo(st, PhaseStopping, "stop", err)
					return nil
				}
				st.Handle = runtime.InstanceHandle{}
				if a.reason == "startup timeout" {
					c.fail(st, "start", ErrStartupTimeout)
				} else {
					c.transition(st, PhaseAbsent, a.reason)
				}
				if a.reason == "removed" {
					delete(c.statuses, a.name)
					delete(c.backoffs, a.name)
					c.unpersist(a.name)
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return actions
}

// runStarts brings services up wave by wave in dependency order; siblings
// within a wave are dispatched concurrently.
func (c *Controller) runStarts(ctx context.Context, gen uint64, desired *topology.Topology, startLevels [][]plannedAction) int {
	actions := 0
	for _, wave := range startLevels {
		if c.cancelled(gen) {
			break
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, a := range wave {
			c.mu.Lock()
			st := c.statuses[a.name]
			ok := st != nil && st.Phase == PhaseAbsent &&
				!c.now().Before(st.NextAttempt) && c.depsReady(desired, a.spec)
			if ok {
				st.Spec = a.spec
				st.Fingerprint = a.spec.Fingerprint()
				st.StartedAt = c.now()
				c.transition(st, PhaseStarting, "start")
			}
			c.mu.Unlock()
			if !ok {
				continue
			}
			actions++
			g.Go(func() error {
				callCtx, cancel := context.WithTimeout(gctx, c.opts.CallTimeout)
				handle, err := c.driver.Start(callCtx, desired.Name, a.spec)
				cancel()

				c.mu.Lock()
				defer c.mu.Unlock()
				st := c.statuses[a.name]
				if st == nil {
					return nil
				}
				if err != nil {
					c.fail(st, "start", err)
					return nil
				}
				st.Handle = handle
				return nil
			})
		}
		_ = g.Wait()
	}
	return actions
}

// hasLiveDependents reports whether any service that depends on name is
// not yet Absent. Caller holds mu.
func (c *Controller) hasLiveDependents(name string) bool {
	for other, st := range c.statuses {
		if other == name || st.Phase == PhaseAbsent {
			continue
		}
		for _, dep := range st.Spec.DependsOn {
			if dep == name {
				return true
			}
		}
	}
	return false
}

func (c *Controller) cancelled(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.generation
}

func (c *Controller) fail(st *ServiceStatus, op string, err error) {
	c.failTo(st, PhaseAbsent, op, err)
}

// failTo records a recoverable per-service failure: bump the retry count,
// schedule the next attempt with exponential backoff, and mark the
// service Degraded once the budget is spent. Caller holds mu.
func (c *Controller) failTo(st *ServiceStatus, to Phase, op string, err error) {
	st.Retries++
	st.LastError = err.Error()
	if st.Retries >= c.opts.MaxRetries {
		c.transition(st, PhaseDegraded, op+": "+err.Error())
		return
	}
	st.NextAttempt = c.now().Add(c.nextBackoff(st.Name))
	c.transition(st, to, op+": "+err.Error())
}

func (c *Controller) nextBackoff(name string) time.Duration {
	bo := c.backoffs[name]
	if bo == nil {
		bo = backoff.NewExponentialBackOff()
		c.backoffs[name] = bo
	}
	return bo.NextBackOff()
}

func (c *Controller) transition(st *ServiceStatus, to Phase, reason string) {
	from := st.Phase
	if from == to {
		return
	}
	st.Phase = to
	st.UpdatedAt = c.now()
	c.persist(st)
	log.Printf("service transition: service=%s from=%s to=%s reason=%s", st.Name, from, to, reason)
	c.emit(Event{
		ID:      utils.NewUlid(),
		TS:      c.now().Format(time.RFC3339Nano),
		Service: st.Name,
		From:    from,
		To:      to,
		Reason:  reason,
	})
}

func (c *Controller) emit(ev Event) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Controller) persist(st *ServiceStatus) {
	if c.statusStore == nil {
		return
	}
	info := rsm.StatusInfo{
		Service:   st.Name,
		Phase:     string(st.Phase),
		Retries:   st.Retries,
		Degraded:  st.Phase == PhaseDegraded,
		LastError: st.LastError,
		UpdatedAt: c.now(),
	}
	if err := c.statusStore.StoreStatus(info); err != nil {
		log.Printf("status store write failed: service=%s err=%v", st.Name, err)
	}
}

func (c *Controller) unpersist(name string) {
	if c.statusStore == nil {
		return
	}
	if err := c.statusStore.RemoveStatus(name); err != nil {
		log.Printf("status store remove failed: service=%s err=%v", name, err)
	}
}
