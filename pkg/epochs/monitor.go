// Package epochs tracks which epochs are active and which block ranges they
// cover. A single goroutine owns all epoch state; everything else talks to
// it through request messages.
package epochs

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	ErrUnknownEpoch       = errors.New("unknown epoch")
	ErrEpochOutOfOrder    = errors.New("epoch start out of order")
	ErrMonitorStopped     = errors.New("epoch monitor stopped")
	ErrSubscriptionClosed = errors.New("epoch subscription closed")
)

var (
	activeEpochs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "witnessd_epochs_active",
			Help: "Number of epochs that are current or ended but not yet inactive",
		})
	currentEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "witnessd_epochs_current_id",
			Help: "ID of the current epoch",
		})
)

// Record is the persisted form of an epoch. Consumers names the consumers
// that registered but did not acknowledge; after a restart each of them has
// to register again and acknowledge before the epoch can go inactive.
type Record struct {
	ID        uint32
	Start     uint64
	End       *uint64
	Inactive  bool
	Consumers []string
}

// Store persists epoch records.
type Store interface {
	StoreEpoch(r Record) error
	LoadEpochs() ([]Record, error)
}

type epochState struct {
	id        uint32
	start     uint64
	end       *uint64
	state     State
	consumers map[string]*consumerState
	acked     int
	sig       *signals
}

// consumerState tracks the registrations of one named consumer for one
// epoch. A consumer usually restarts by subscribing again before or after its
// previous subscription abandons, so an abandon only counts when no newer
// subscription of the same consumer has registered.
type consumerState struct {
	outstanding int
	acked       bool
	abandoned   bool
	latest      uint64
}

func newEpochState(id uint32, start uint64) *epochState {
	return &epochState{
		id:        id,
		start:     start,
		consumers: make(map[string]*consumerState),
		sig:       newSignals(),
	}
}

func (st *epochState) consumer(name string) *consumerState {
	cs, ok := st.consumers[name]
	if !ok {
		cs = &consumerState{}
		st.consumers[name] = cs
	}
	return cs
}

// pending lists the consumers the epoch is still waiting for.
func (st *epochState) pending() []string {
	var out []string
	for name, cs := range st.consumers {
		if cs.outstanding > 0 || cs.abandoned {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (st *epochState) bounds() Bounds {
	return Bounds{ID: st.id, Start: st.start, End: st.end, State: st.state.String()}
}

type (
	startReq struct {
		id    uint32
		start uint64
		resp  chan error
	}
	subscribeReq struct {
		consumer string
		resp     chan *Subscription
	}
	unsubscribeReq struct {
		sub *Subscription
	}
	boundsReq struct {
		id   uint32
		resp chan boundsResp
	}
	boundsResp struct {
		b   Bounds
		err error
	}
	listReq struct {
		resp chan []Bounds
	}
	resolveReq struct {
		id       uint32
		consumer string
		gen      uint64
		ack      bool
	}
)

type Monitor struct {
	logger *zap.Logger
	store  Store
	reqC   chan interface{}
	done   chan struct{}

	// Owned by the Run goroutine.
	epochs  map[uint32]*epochState
	current *epochState
	maxID   *uint32
	subs    map[*Subscription]struct{}
	lastGen uint64
}

// NewMonitor creates a monitor. store may be nil, in which case epoch state
// does not survive restarts.
func NewMonitor(logger *zap.Logger, store Store) *Monitor {
	return &Monitor{
		logger: logger,
		store:  store,
		reqC:   make(chan interface{}),
		done:   make(chan struct{}),
		epochs: make(map[uint32]*epochState),
		subs:   make(map[*Subscription]struct{}),
	}
}

// Run restores persisted epochs and serves requests until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.done)

	if err := m.restore(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-m.reqC:
			m.handle(req)
		}
	}
}

func (m *Monitor) restore() error {
	if m.store == nil {
		return nil
	}
	recs, err := m.store.LoadEpochs()
	if err != nil {
		return fmt.Errorf("failed to load epochs: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	for _, rec := range recs {
		st := newEpochState(rec.ID, rec.Start)
		st.end = rec.End
		for _, name := range rec.Consumers {
			st.consumer(name).abandoned = true
		}
		switch {
		case rec.Inactive && rec.End != nil:
			st.state = StateInactive
			st.sig.end = *rec.End
			close(st.sig.ended)
			close(st.sig.inactive)
		case rec.End != nil:
			st.state = StateEnded
			st.sig.end = *rec.End
			close(st.sig.ended)
		default:
			st.state = StateCurrent
			m.current = st
			currentEpoch.Set(float64(st.id))
		}
		m.epochs[st.id] = st
		id := st.id
		m.maxID = &id
	}
	m.updateGauge()
	m.logger.Info("restored epochs", zap.Int("count", len(recs)))
	return nil
}

func (m *Monitor) handle(req interface{}) {
	switch r := req.(type) {
	case startReq:
		r.resp <- m.startEpoch(r.id, r.start)
	case subscribeReq:
		r.resp <- m.subscribe(r.consumer)
	case unsubscribeReq:
		delete(m.subs, r.sub)
	case boundsReq:
		st, ok := m.epochs[r.id]
		if !ok {
			r.resp <- boundsResp{err: fmt.Errorf("%w: %d", ErrUnknownEpoch, r.id)}
			return
		}
		r.resp <- boundsResp{b: st.bounds()}
	case listReq:
		var out []Bounds
		for _, st := range m.sorted() {
			if st.state != StateInactive {
				out = append(out, st.bounds())
			}
		}
		r.resp <- out
	case resolveReq:
		m.resolve(r)
	}
}

func (m *Monitor) sorted() []*epochState {
	out := make([]*epochState, 0, len(m.epochs))
	for _, st := range m.epochs {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Monitor) startEpoch(id uint32, start uint64) error {
	if cur := m.current; cur != nil && cur.id == id {
		if cur.start == start {
			return nil
		}
		return fmt.Errorf("%w: epoch %d already started at %d", ErrEpochOutOfOrder, id, cur.start)
	}
	if m.maxID != nil && id <= *m.maxID {
		return fmt.Errorf("%w: epoch %d is not newer than %d", ErrEpochOutOfOrder, id, *m.maxID)
	}

	if cur := m.current; cur != nil {
		if start <= cur.start {
			return fmt.Errorf("%w: epoch %d starts at %d, not after epoch %d at %d", ErrEpochOutOfOrder, id, start, cur.id, cur.start)
		}
		end := start - 1
		cur.end = &end
		cur.state = StateEnded
		cur.sig.end = end
		close(cur.sig.ended)
		m.logger.Info("epoch ended", zap.Uint32("epoch", cur.id), zap.Uint64("start", cur.start), zap.Uint64("end", end))
		m.persist(cur)
		m.checkInactive(cur)
	}

	st := newEpochState(id, start)
	st.state = StateCurrent
	m.epochs[id] = st
	m.current = st
	m.maxID = &id
	currentEpoch.Set(float64(id))
	m.logger.Info("epoch started", zap.Uint32("epoch", id), zap.Uint64("start", start))

	for sub := range m.subs {
		sub.deliver(m.register(st, sub))
	}
	m.persist(st)
	m.updateGauge()
	return nil
}

func (m *Monitor) subscribe(consumer string) *Subscription {
	m.lastGen++
	sub := newSubscription(m, consumer, m.lastGen)
	for _, st := range m.sorted() {
		if st.state == StateInactive {
			continue
		}
		sub.Snapshot = append(sub.Snapshot, m.register(st, sub))
		m.persist(st)
	}
	m.subs[sub] = struct{}{}
	return sub
}

func (m *Monitor) register(st *epochState, sub *Subscription) *Epoch {
	cs := st.consumer(sub.consumer)
	cs.outstanding++
	cs.abandoned = false
	if sub.gen > cs.latest {
		cs.latest = sub.gen
	}
	e := &Epoch{ID: st.id, Start: st.start, consumer: sub.consumer, gen: sub.gen, sig: st.sig, m: m}
	sub.track(e)
	return e
}

func (m *Monitor) resolve(r resolveReq) {
	st, ok := m.epochs[r.id]
	if !ok {
		return
	}
	cs, ok := st.consumers[r.consumer]
	if !ok || cs.outstanding == 0 {
		return
	}
	cs.outstanding--
	switch {
	case r.ack:
		cs.acked = true
		cs.abandoned = false
		st.acked++
	case cs.acked || r.gen < cs.latest:
		m.logger.Debug("epoch consumer abandoned, already covered by a newer registration",
			zap.Uint32("epoch", r.id), zap.String("consumer", r.consumer))
	default:
		cs.abandoned = true
		m.logger.Warn("epoch consumer abandoned", zap.Uint32("epoch", r.id), zap.String("consumer", r.consumer))
	}
	m.checkInactive(st)
	m.persist(st)
}

func (m *Monitor) checkInactive(st *epochState) {
	if st.state != StateEnded || st.acked == 0 || len(st.pending()) > 0 {
		return
	}
	st.state = StateInactive
	close(st.sig.inactive)
	m.logger.Info("epoch inactive", zap.Uint32("epoch", st.id))
	m.updateGauge()
}

func (m *Monitor) persist(st *epochState) {
	if m.store == nil {
		return
	}
	rec := Record{
		ID:        st.id,
		Start:     st.start,
		End:       st.end,
		Inactive:  st.state == StateInactive,
		Consumers: st.pending(),
	}
	if err := m.store.StoreEpoch(rec); err != nil {
		m.logger.Error("failed to persist epoch", zap.Uint32("epoch", st.id), zap.Error(err))
	}
}

func (m *Monitor) updateGauge() {
	n := 0
	for _, st := range m.epochs {
		if st.state != StateInactive {
			n++
		}
	}
	activeEpochs.Set(float64(n))
}

// send delivers a fire-and-forget request. It is dropped if the monitor has stopped.
func (m *Monitor) send(req interface{}) {
	select {
	case m.reqC <- req:
	case <-m.done:
	}
}

func (m *Monitor) call(ctx context.Context, req interface{}) error {
	select {
	case m.reqC <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrMonitorStopped
	}
}

// StartEpoch records the start of a new epoch, ending the current one at start-1.
// Epoch ids must strictly increase; repeating the current epoch's start is a no-op.
func (m *Monitor) StartEpoch(ctx context.Context, id uint32, start uint64) error {
	resp := make(chan error, 1)
	if err := m.call(ctx, startReq{id: id, start: start, resp: resp}); err != nil {
		return err
	}
	return <-resp
}

// Subscribe registers the named consumer for all active and future epochs.
// A consumer that restarts subscribes again under the same name; its new
// registrations stand in for the ones the old subscription abandons.
func (m *Monitor) Subscribe(ctx context.Context, consumer string) (*Subscription, error) {
	resp := make(chan *Subscription, 1)
	if err := m.call(ctx, subscribeReq{consumer: consumer, resp: resp}); err != nil {
		return nil, err
	}
	return <-resp, nil
}

// Bounds returns the bounds of a known epoch or ErrUnknownEpoch.
func (m *Monitor) Bounds(ctx context.Context, id uint32) (Bounds, error) {
	resp := make(chan boundsResp, 1)
	if err := m.call(ctx, boundsReq{id: id, resp: resp}); err != nil {
		return Bounds{}, err
	}
	r := <-resp
	return r.b, r.err
}

// ActiveEpochs lists all epochs that are not yet inactive.
func (m *Monitor) ActiveEpochs(ctx context.Context) ([]Bounds, error) {
	resp := make(chan []Bounds, 1)
	if err := m.call(ctx, listReq{resp: resp}); err != nil {
		return nil, err
	}
	return <-resp, nil
}
