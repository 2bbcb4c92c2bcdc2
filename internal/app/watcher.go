package app

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/accel"
	"github.com/relabs-tech/shake_relax/internal/clock"
	"github.com/relabs-tech/shake_relax/internal/config"
	"github.com/relabs-tech/shake_relax/internal/metrics"
	"github.com/relabs-tech/shake_relax/internal/motion"
	"github.com/relabs-tech/shake_relax/internal/sensors"
	"github.com/relabs-tech/shake_relax/internal/settings"
	"github.com/relabs-tech/shake_relax/internal/watcher"
)

// routeTracker is the watcher's view of the app: the retained route and app
// state topics feed it, navigation requests go out on the navigate topic.
type routeTracker struct {
	pub   publisher
	topic string
	clock clock.Clock

	mu         sync.Mutex
	route      string
	foreground bool
}

func newRouteTracker(pub publisher, navigateTopic string, clk clock.Clock) *routeTracker {
	return &routeTracker{pub: pub, topic: navigateTopic, clock: clk, route: RouteHome, foreground: true}
}

func (t *routeTracker) CurrentRouteName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.route
}

// NavigateTo requests the route. The tracker assumes it succeeded so the
// watcher stays suppressed until the app reports otherwise.
func (t *routeTracker) NavigateTo(route string) error {
	if err := t.pub.Publish(t.topic, false, RouteMessage{Route: route, At: t.clock.Now()}); err != nil {
		return err
	}
	t.setRoute(route)
	return nil
}

func (t *routeTracker) Foreground() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.foreground
}

func (t *routeTracker) setRoute(route string) {
	t.mu.Lock()
	t.route = route
	t.mu.Unlock()
}

// setAppState treats only "active" as foreground.
func (t *routeTracker) setAppState(state string) {
	t.mu.Lock()
	t.foreground = state == "active"
	t.mu.Unlock()
}

// transitionCounter feeds the watcher's readings into metrics.
func transitionCounter(detector string) func(motion.Reading) {
	var (
		mu   sync.Mutex
		last bool
	)
	return func(r motion.Reading) {
		mu.Lock()
		changed := r.Shaking != last
		last = r.Shaking
		mu.Unlock()
		if changed {
			metrics.ObserveTransition(detector, r.Shaking)
		}
		metrics.ObserveReading(detector, r.Shaking, r.Intensity)
	}
}

// RunWatcher runs the global shake-to-navigate watcher.
func RunWatcher(ctx context.Context, log *zap.SugaredLogger) error {
	cfg := config.Get()
	clk := clock.Real()

	serveMetrics(ctx, cfg.MetricsPortFor(config.MetricsWatcher), log)

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDWatcher, log)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	prefs, err := settings.Open(cfg.SettingsPath, log)
	if err != nil {
		return err
	}
	go func() {
		if err := prefs.Watch(ctx); err != nil {
			log.Warnf("settings: %v", err)
		}
	}()

	tracker := newRouteTracker(mqttPublisher{client: client}, cfg.TopicNavigate, clk)
	if err := subscribeJSON(client, cfg.TopicRoute, log, func(msg RouteMessage) {
		tracker.setRoute(msg.Route)
	}); err != nil {
		return err
	}
	if err := subscribeJSON(client, cfg.TopicAppState, log, func(msg AppStateMessage) {
		tracker.setAppState(msg.State)
	}); err != nil {
		return err
	}

	sampleClient, err := openSampleClient(cfg, cfg.MQTTClientIDWatcher, log)
	if err != nil {
		return err
	}
	if sampleClient != nil {
		defer sampleClient.Disconnect(250)
	}

	var source accel.Source
	if src, err := sensors.Open(cfg, sampleClient, clk, log); err != nil {
		log.Warnf("sensors: %v; watcher will never fire", err)
	} else {
		source = src
	}
	est, err := motion.New(cfg.WatcherEstimator(), source, clk, log)
	if err != nil {
		return err
	}

	w, err := watcher.New(est, tracker, tracker, cfg.WatcherConfig(), clk, log)
	if err != nil {
		return err
	}
	w.OnFire(func(route string) {
		metrics.IncWatcherFired()
		log.Infof("watcher: sustained shake, navigated to %s", route)
	})
	unbind := w.BindSettings(prefs)
	defer unbind()

	if err := w.Start(); err != nil {
		log.Warnf("watcher: %v", err)
	}
	defer w.Stop()

	unsub, _ := est.Subscribe(transitionCounter("watcher"))
	defer unsub()

	<-ctx.Done()
	log.Infof("watcher: shutting down")
	return nil
}
