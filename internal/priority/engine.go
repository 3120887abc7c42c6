package priority

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/chatsync/internal/analysis"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/uistate"
	"go.uber.org/zap"
)

// Ranking is one published conversation order. It is the payload of
// bus.RankingUpdated and the value of uistate.KeyRanking.
type Ranking struct {
	Generation uint64
	// Refined is false for the local-only baseline of a pass.
	Refined bool
	Scores  []Score
	At      time.Time
}

// IDs returns the conversation ids in ranked order.
func (r Ranking) IDs() []string {
	ids := make([]string, len(r.Scores))
	for i, s := range r.Scores {
		ids[i] = s.ConversationID
	}
	return ids
}

// SignalCache is implemented by analyzers that can report previously fetched
// signals without a remote call.
type SignalCache interface {
	Lookup(conversationID string) (analysis.Result, bool)
}

// Options tunes an Engine.
type Options struct {
	// Throttle is the minimum time between escalations of one conversation.
	Throttle time.Duration
	// Batch caps escalations per pass.
	Batch int
	// RefreshInterval is the periodic re-rank while in foreground.
	RefreshInterval time.Duration
	// HistoryWindow is how many recent messages are sent for analysis.
	HistoryWindow int
	// Coalesce groups bursts of data events into one pass.
	Coalesce time.Duration
	// AnalyzeTimeout bounds one remote analysis. The call is not tied to the
	// pass that started it.
	AnalyzeTimeout time.Duration
	Now            func() time.Time
}

// flight is one remote analysis in progress. Passes that find a conversation
// in flight wait for it instead of escalating it again.
type flight struct {
	done chan struct{}
	sig  *analysis.Signals
}

// Engine ranks the conversation list.
type Engine struct {
	db       *store.DB
	analyzer analysis.Analyzer
	bus      *bus.Bus
	ui       uistate.Container
	logger   *zap.Logger
	opts     Options
	throttle *Throttle

	gen atomic.Uint64

	passMu     sync.Mutex
	cancelPass context.CancelFunc

	commitMu sync.Mutex
	latest   Ranking

	flightMu    sync.Mutex
	flights     map[string]*flight
	life        context.Context
	stopFlights context.CancelFunc

	refines sync.WaitGroup
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an engine. analyzer may be nil for local-only ranking.
func NewEngine(db *store.DB, analyzer analysis.Analyzer, b *bus.Bus, ui uistate.Container, logger *zap.Logger, opts Options) *Engine {
	if opts.Batch <= 0 {
		opts.Batch = 5
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Minute
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 20
	}
	if opts.Coalesce <= 0 {
		opts.Coalesce = 200 * time.Millisecond
	}
	if opts.AnalyzeTimeout <= 0 {
		opts.AnalyzeTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	life, stop := context.WithCancel(context.Background())
	return &Engine{
		db:          db,
		analyzer:    analyzer,
		bus:         b,
		ui:          ui,
		logger:      logger,
		opts:        opts,
		throttle:    NewThrottle(opts.Throttle),
		flights:     make(map[string]*flight),
		life:        life,
		stopFlights: stop,
	}
}

// Throttle exposes the escalation throttle.
func (e *Engine) Throttle() *Throttle { return e.throttle }

// Latest returns the most recently published ranking.
func (e *Engine) Latest() Ranking {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.latest
}

// ShouldEscalate reports whether a conversation qualifies for a remote
// analysis now, claiming the throttle slot when it does.
func (e *Engine) ShouldEscalate(conversationID string, local float64, unread int) bool {
	if !Eligible(local, unread) {
		return false
	}
	return e.throttle.Claim(conversationID, e.opts.Now())
}

// Rank runs a ranking pass. The local-only baseline is published and returned
// before any remote call starts; refinement continues in the background and
// is dropped if a newer pass starts first.
func (e *Engine) Rank(ctx context.Context) (Ranking, error) {
	return e.rank(ctx, analysis.Options{})
}

// Refresh is a manual re-rank. Escalated conversations bypass the signal
// cache; the throttle still applies.
func (e *Engine) Refresh(ctx context.Context) (Ranking, error) {
	return e.rank(ctx, analysis.Options{ForceRefresh: true})
}

func (e *Engine) rank(ctx context.Context, opts analysis.Options) (Ranking, error) {
	passCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.passMu.Lock()
	if e.cancelPass != nil {
		e.cancelPass()
	}
	e.cancelPass = cancel
	gen := e.gen.Add(1)
	e.passMu.Unlock()

	convs, err := e.db.ListConversations()
	if err != nil {
		cancel()
		return Ranking{}, err
	}

	now := e.opts.Now()
	me := e.db.UserID()
	scores := make([]Score, len(convs))
	for i := range convs {
		c := &convs[i]
		local := LocalScore(c, me, now)
		scores[i] = Score{
			ConversationID: c.ID,
			Local:          local,
			Final:          local,
			Unread:         c.UnreadCount,
			LastMessageAt:  c.LastMessageAt,
		}
	}
	Sort(scores)

	baseline := Ranking{Generation: gen, Scores: scores, At: now}
	e.commit(baseline)

	// Baseline order is local score order, so the first eligible entries are
	// the highest-scoring candidates.
	waits := e.escalate(scores, opts)

	refined := make([]Score, len(scores))
	copy(refined, scores)
	e.refines.Add(1)
	go func() {
		defer e.refines.Done()
		defer cancel()
		e.refine(passCtx, gen, refined, waits)
	}()
	return baseline, nil
}

// escalate starts remote analyses for up to Batch eligible conversations and
// returns the flights this pass waits on, including ones started earlier.
func (e *Engine) escalate(scores []Score, opts analysis.Options) map[string]*flight {
	waits := make(map[string]*flight)
	if e.analyzer == nil {
		return waits
	}
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	launched := 0
	for _, s := range scores {
		if !Eligible(s.Local, s.Unread) {
			continue
		}
		if f, ok := e.flights[s.ConversationID]; ok {
			waits[s.ConversationID] = f
			continue
		}
		if launched < e.opts.Batch && e.ShouldEscalate(s.ConversationID, s.Local, s.Unread) {
			waits[s.ConversationID] = e.launch(s.ConversationID, opts)
			launched++
		}
	}
	return waits
}

// launch runs one analysis on the engine's lifetime context. Callers hold
// flightMu.
func (e *Engine) launch(cid string, opts analysis.Options) *flight {
	f := &flight{done: make(chan struct{})}
	e.flights[cid] = f
	e.refines.Add(1)
	go func() {
		defer e.refines.Done()
		ctx, cancel := context.WithTimeout(e.life, e.opts.AnalyzeTimeout)
		defer cancel()
		f.sig = e.analyze(ctx, cid, opts)

		e.flightMu.Lock()
		delete(e.flights, cid)
		e.flightMu.Unlock()
		close(f.done)
	}()
	return f
}

func (e *Engine) analyze(ctx context.Context, cid string, opts analysis.Options) *analysis.Signals {
	msgs, err := e.db.ListMessages(cid, e.opts.HistoryWindow)
	if err != nil {
		e.logger.Warn("analysis input not loaded", zap.String("conversation_id", cid), zap.Error(err))
		return nil
	}
	res, err := e.analyzer.Analyze(ctx, cid, msgs, opts)
	if err != nil {
		if e.life.Err() == nil {
			e.logger.Warn("analysis failed", zap.String("conversation_id", cid), zap.Error(err))
		}
		return nil
	}
	if !res.Success {
		e.logger.Info("analysis refused", zap.String("conversation_id", cid), zap.String("error_code", res.ErrorCode))
		return nil
	}
	return &res.Signals
}

func (e *Engine) refine(ctx context.Context, gen uint64, scores []Score, waits map[string]*flight) {
	fresh := make(map[string]analysis.Signals)
	for cid, f := range waits {
		select {
		case <-f.done:
			if f.sig != nil {
				fresh[cid] = *f.sig
			}
		case <-ctx.Done():
			return
		}
	}

	cache, _ := e.analyzer.(SignalCache)
	applied := false
	for i := range scores {
		s := &scores[i]
		_, s.Escalated = waits[s.ConversationID]
		if sig, ok := fresh[s.ConversationID]; ok {
			s.Signals = &sig
		} else if cache != nil {
			if res, ok := cache.Lookup(s.ConversationID); ok {
				sig := res.Signals
				s.Signals = &sig
			}
		}
		if s.Signals != nil {
			s.Final = FinalScore(s.Local, s.Signals)
			applied = true
		}
	}
	if !applied && len(waits) == 0 {
		return
	}
	Sort(scores)
	e.commit(Ranking{Generation: gen, Refined: true, Scores: scores, At: e.opts.Now()})
}

// commit publishes a ranking unless a newer pass has started.
func (e *Engine) commit(r Ranking) bool {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	if r.Generation != e.gen.Load() {
		e.logger.Debug("stale ranking dropped", zap.Uint64("generation", r.Generation))
		return false
	}
	e.latest = r
	if e.ui != nil {
		e.ui.Set(uistate.KeyRanking, r)
	}
	if e.bus != nil {
		e.bus.Emit(bus.RankingUpdated, r)
	}
	return true
}

// Start re-ranks on data changes (coalesced), periodically while in
// foreground, and once immediately.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	var (
		data, app         <-chan bus.Event
		unsubData, unsubA = func() {}, func() {}
	)
	if e.bus != nil {
		msgCh, unsubMsg := e.bus.Subscribe("message.", 64)
		convCh, unsubConv := e.bus.Subscribe("conversation.", 64)
		merged := make(chan bus.Event, 64)
		data = merged
		e.wg.Add(2)
		forward := func(in <-chan bus.Event) {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt := <-in:
					select {
					case merged <- evt:
					default:
					}
				}
			}
		}
		go forward(msgCh)
		go forward(convCh)
		unsubData = func() { unsubMsg(); unsubConv() }
		app, unsubA = e.bus.Subscribe("app.", 8)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsubData()
		defer unsubA()

		ticker := time.NewTicker(e.opts.RefreshInterval)
		defer ticker.Stop()
		var (
			coalesce   *time.Timer
			coalesceC  <-chan time.Time
			foreground = true
		)
		run := func() {
			if _, err := e.Rank(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("ranking failed", zap.Error(err))
			}
		}
		run()
		for {
			select {
			case <-ctx.Done():
				if coalesce != nil {
					coalesce.Stop()
				}
				return
			case <-data:
				if coalesce == nil {
					coalesce = time.NewTimer(e.opts.Coalesce)
					coalesceC = coalesce.C
				}
			case <-coalesceC:
				coalesce, coalesceC = nil, nil
				run()
			case evt := <-app:
				foreground = evt.Kind == bus.AppForeground
				if foreground {
					run()
				}
			case <-ticker.C:
				if foreground {
					run()
				}
			}
		}
	}()
}

// Stop ends the trigger loop, cancels remote analyses and waits for them.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.passMu.Lock()
	if e.cancelPass != nil {
		e.cancelPass()
	}
	e.passMu.Unlock()
	e.stopFlights()
	e.refines.Wait()
}
