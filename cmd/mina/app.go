package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/minacoach/internal/audio"
	"github.com/ent0n29/minacoach/internal/avatar"
	"github.com/ent0n29/minacoach/internal/clock"
	"github.com/ent0n29/minacoach/internal/coachapi"
	"github.com/ent0n29/minacoach/internal/config"
	"github.com/ent0n29/minacoach/internal/frameloop"
	"github.com/ent0n29/minacoach/internal/logging"
	"github.com/ent0n29/minacoach/internal/observability"
	"github.com/ent0n29/minacoach/internal/playback"
	"github.com/ent0n29/minacoach/internal/protocol"
	"github.com/ent0n29/minacoach/internal/quota"
	"github.com/ent0n29/minacoach/internal/recorder"
	"github.com/ent0n29/minacoach/internal/render"
	"github.com/ent0n29/minacoach/internal/session"
	"github.com/ent0n29/minacoach/internal/timer"
	"github.com/ent0n29/minacoach/internal/visualizer"
	"github.com/ent0n29/minacoach/internal/voice"
)

const (
	headMesh  = "head"
	teethMesh = "teeth"
)

type appOptions struct {
	Mode  voice.Mode
	Input string
	Out   io.Writer
}

// app holds one wired coaching client.
type app struct {
	cfg     config.Client
	out     io.Writer
	logger  *logging.Logger
	log     zerolog.Logger
	metrics *observability.Metrics

	api      *coachapi.Client
	cache    *quota.Cache
	hub      *render.Hub
	server   *http.Server
	viz      *visualizer.Visualizer
	mouth    *avatar.Animator
	pipeline *voice.Orchestrator
	timer    *timer.Timer
	recorder *recorder.Controller
	manager  *session.Manager

	unsubscribe func()
	printerDone chan struct{}

	mu       sync.Mutex
	timeUp   bool
	streamed map[string]bool
}

func newQuotaCache(cfg config.Client) *quota.Cache {
	path := cfg.StatePath
	if path == "" {
		path = quota.DefaultPath()
	}
	return quota.New(path, cfg.QuotaTTL)
}

func newLogger(cfg config.Client) (*logging.Logger, error) {
	return logging.New(logging.Config{
		App:       "mina",
		Level:     cfg.LogLevel,
		File:      cfg.LogFile,
		NoConsole: cfg.LogFile != "",
	})
}

func newAPI(cfg config.Client, log zerolog.Logger) *coachapi.Client {
	return coachapi.New(coachapi.Config{
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.HTTPTimeout,
		Voice:   cfg.Voice,
	}, log)
}

func newApp(cfg config.Client, opts appOptions) (*app, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:      cfg,
		out:      opts.Out,
		logger:   logger,
		log:      logger.Component("cli"),
		metrics:  observability.NewMetrics(cfg.MetricsNamespace),
		streamed: make(map[string]bool),
	}
	if a.out == nil {
		a.out = os.Stdout
	}
	a.api = newAPI(cfg, logger.Logger)
	a.cache = newQuotaCache(cfg)

	clk := clock.Real()
	sched := frameloop.NewScheduler(clk, frameloop.DefaultInterval)

	a.hub = render.NewHub(render.Options{
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		Metrics:        a.metrics,
		Log:            logger.Logger,
	})
	if cfg.PreloadModel {
		a.hub.Mesh(headMesh).Preload(avatar.MorphTargets())
		a.hub.Mesh(teethMesh).Preload(avatar.MorphTargets())
	}
	if err := a.startRenderServer(); err != nil {
		logger.Close()
		return nil, err
	}

	a.viz = visualizer.New(sched, a.hub, visualizer.Options{
		MinScale: cfg.VisualizerMin,
		MaxScale: cfg.VisualizerMax,
		Log:      logger.Logger,
	})
	a.mouth = avatar.New(sched, a.hub.Mesh(headMesh), a.hub.Mesh(teethMesh), avatar.Options{
		SpeedFactor: cfg.LipSyncSpeed,
		Intensity:   cfg.LipSyncIntensity,
		Log:         logger.Logger,
	})

	var player playback.Player = playback.TimedPlayer{Clock: clk}
	if cfg.PlayerCommand != "" {
		ep, err := playback.NewExecPlayer(cfg.PlayerCommand, logger.Logger)
		if err != nil {
			a.shutdownServer()
			logger.Close()
			return nil, err
		}
		ep.Clock = clk
		player = ep
	}

	a.pipeline = voice.NewOrchestrator(voice.Options{
		Backend:  a.api,
		Player:   player,
		Mouth:    a.mouth,
		Levels:   a.viz,
		Metrics:  a.metrics,
		Clock:    clk,
		Mode:     opts.Mode,
		Stream:   cfg.ChatStream,
		UserID:   cfg.UserID,
		UserName: cfg.UserName,
		Log:      logger.Logger,
	})

	a.timer = timer.New(cfg.SessionDuration, clk, nil)
	a.timer.SetTickHook(func(timer.Snapshot) { a.publishSession() })

	var mic recorder.Microphone
	if opts.Input != "" {
		mic = recorder.FileMicrophone{Path: opts.Input, Realtime: true}
	} else {
		cm, err := recorder.NewCommandMicrophone(cfg.MicCommand, audio.DefaultFormat)
		if err != nil {
			a.shutdownServer()
			logger.Close()
			return nil, err
		}
		mic = cm
	}
	recOpts := recorderOptions(mic, a.pipeline, func() error { return a.manager.Touch() }, a.out, logger.Logger)
	recOpts.Tap = func(audio.Format) io.WriteCloser {
		return a.viz.Attach(visualizer.SourceInput)
	}
	a.recorder = recorder.New(recOpts)

	a.manager = session.New(session.Options{
		UserID:   cfg.UserID,
		Pipeline: a.pipeline,
		Quota:    a.api,
		Cache:    a.cache,
		Timer:    a.timer,
		Recorder: a.recorder,
		Metrics:  a.metrics,
		Clock:    clk,
		OnChange: func(session.State) { a.publishSession() },
		Log:      logger.Logger,
	})

	events, cancel := a.pipeline.Subscribe(64)
	a.unsubscribe = cancel
	a.printerDone = make(chan struct{})
	go a.printEvents(events)
	return a, nil
}

// turnRunner is the part of the orchestrator the recorder is wired to.
type turnRunner interface {
	State() voice.State
	StopPlayback()
	HandleRecording(ctx context.Context, rec recorder.Recording) error
}

// recorderOptions wires recording to the turn pipeline. A new recording is
// refused while a turn waits on the backend, and the session clock starts
// only once the microphone is actually capturing.
func recorderOptions(mic recorder.Microphone, turns turnRunner, touch func() error, out io.Writer, log zerolog.Logger) recorder.Options {
	return recorder.Options{
		Microphone: mic,
		Gate: func() error {
			if turns.State().Busy() {
				return voice.ErrTurnInFlight
			}
			return nil
		},
		BeforeStart: turns.StopPlayback,
		OnStarted: func() {
			if err := touch(); err != nil {
				log.Debug().Err(err).Msg("touch on recording start")
			}
		},
		OnError: func(err error) {
			fmt.Fprintln(out, errorBanner(err.Error()))
		},
		Handoff: func(rec recorder.Recording) error {
			return turns.HandleRecording(context.Background(), rec)
		},
		Log: log,
	}
}

func (a *app) startRenderServer() error {
	addr := strings.TrimSpace(a.cfg.RenderAddr)
	if addr == "" || strings.EqualFold(addr, "off") {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("render bridge listen on %s: %w", addr, err)
	}
	a.server = &http.Server{
		Handler:           render.Router(a.hub, a.metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("render bridge stopped")
		}
	}()
	a.log.Info().Str("addr", ln.Addr().String()).Msg("render bridge listening")
	return nil
}

func (a *app) shutdownServer() {
	if a.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = a.server.Shutdown(ctx)
}

// publishSession mirrors the countdown and pipeline state to renderers and
// announces time-up once per session.
func (a *app) publishSession() {
	st := a.manager.State()
	a.hub.PublishSession(protocol.SessionState{
		SessionID:        st.SessionID,
		State:            string(a.pipeline.State()),
		RemainingSeconds: a.timer.Remaining(),
		RemainingQuota:   st.RemainingQuota,
	})

	sum := a.manager.Summary()
	if sum == nil {
		a.mu.Lock()
		a.timeUp = false
		a.mu.Unlock()
		return
	}
	if sum.Reason != session.ReasonTimeUp {
		return
	}
	a.mu.Lock()
	announced := a.timeUp
	a.timeUp = true
	a.mu.Unlock()
	if !announced {
		fmt.Fprintln(a.out)
		fmt.Fprintln(a.out, renderSummary(sum))
		fmt.Fprintln(a.out, hint("Type /new to start another session or /quit to leave."))
	}
}

func (a *app) printEvents(events <-chan voice.Event) {
	defer close(a.printerDone)
	for ev := range events {
		a.printEvent(ev)
	}
}

func (a *app) printEvent(ev voice.Event) {
	switch ev.Type {
	case voice.EventState:
		a.publishSession()
		if ev.State == voice.StateIdle {
			a.hub.PublishReply("")
		}
	case voice.EventMessage:
		switch ev.Message.Role {
		case voice.RoleUser:
			if a.pipeline.Mode() == voice.ModeVoice {
				fmt.Fprintln(a.out, userPrefix()+ev.Message.Text)
			}
		case voice.RoleAssistant:
			fmt.Fprintln(a.out, coachPrefix()+ev.Message.Text)
		case voice.RoleError:
			fmt.Fprintln(a.out, errorBanner(ev.Message.Text))
		}
	case voice.EventToken:
		a.mu.Lock()
		first := !a.streamed[ev.TurnID]
		a.streamed[ev.TurnID] = true
		a.mu.Unlock()
		if first {
			fmt.Fprint(a.out, coachPrefix())
		}
		fmt.Fprint(a.out, ev.Token)
	case voice.EventReply:
		a.mu.Lock()
		streamed := a.streamed[ev.TurnID]
		delete(a.streamed, ev.TurnID)
		a.mu.Unlock()
		if streamed {
			fmt.Fprintln(a.out)
		}
		if a.pipeline.Mode() == voice.ModeVoice {
			a.hub.PublishReply(ev.Message.Text)
		}
	case voice.EventError:
		a.mu.Lock()
		streamed := a.streamed[ev.TurnID]
		delete(a.streamed, ev.TurnID)
		a.mu.Unlock()
		if streamed {
			fmt.Fprintln(a.out)
		}
		if ev.TurnID == "" {
			fmt.Fprintln(a.out, errorBanner("Report failed: "+ev.Err.Error()))
		}
	case voice.EventReport:
		if ev.Report != nil {
			fmt.Fprintln(a.out)
			fmt.Fprintln(a.out, renderReport(*ev.Report))
		}
	}
}

// begin opens the first session and prints its header.
func (a *app) begin(ctx context.Context) error {
	remaining, err := a.manager.Begin(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, sessionHeader(int(a.cfg.SessionDuration/time.Second), remaining))
	return nil
}

func (a *app) endSession(ctx context.Context) {
	sum, err := a.manager.EndSession(ctx)
	if err != nil {
		fmt.Fprintln(a.out, errorBanner(err.Error()))
		return
	}
	if sum == nil {
		fmt.Fprintln(a.out, hint("No running session to end."))
		return
	}
	fmt.Fprintln(a.out, renderSummary(sum))
	fmt.Fprintln(a.out, hint("Type /new to start another session or /quit to leave."))
}

func (a *app) newSession(ctx context.Context) {
	remaining, err := a.manager.StartNewSession(ctx)
	if err != nil {
		fmt.Fprintln(a.out, errorBanner(err.Error()))
		return
	}
	fmt.Fprintln(a.out, sessionHeader(int(a.cfg.SessionDuration/time.Second), remaining))
}

// Close ends a running session and releases every resource.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if sum := a.closeSession(ctx); sum != nil {
		fmt.Fprintln(a.out, renderSummary(sum))
	}
	a.unsubscribe()
	<-a.printerDone
	a.viz.Detach()
	a.mouth.Stop()
	a.hub.Close()
	a.shutdownServer()
	a.logger.Close()
}

func (a *app) closeSession(ctx context.Context) *session.Summary {
	before := a.manager.Summary()
	a.manager.Close(ctx)
	after := a.manager.Summary()
	if after != nil && after != before && after.Reason == session.ReasonClosed {
		return after
	}
	return nil
}
