// mqtt-probe connects to MQTT broker through tcp, tls, ws or wss transport,
// pings it and optionally publishes one message.
// With -watch it keeps the session, pings periodically and reconnects with backoff.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/alive/v2"
	"github.com/temoto/mqtransport/config"
	"github.com/temoto/mqtransport/helpers"
	"github.com/temoto/mqtransport/log2"
	"github.com/temoto/mqtransport/probe"
	"github.com/temoto/mqtransport/socket"
	"github.com/temoto/mqtransport/transport"
)

var log = log2.NewStderr(log2.LInfo)

type runner struct {
	cfg     *config.Config
	t       transport.Transport
	e       transport.Endpoint
	stat    *socket.Stat
	publish []byte
	errs    int32 // atomic
}

func (r *runner) countError(error)  { atomic.AddInt32(&r.errs, 1) }
func (r *runner) errorCount() int32 { return atomic.LoadInt32(&r.errs) }

func main() {
	flagConfig := flag.String("config", "", "path to HCL config")
	flagURL := flag.String("url", "", "broker URL, overrides broker.url")
	flagFingerprint := flag.String("fingerprint", "", "server certificate SHA-1 or SHA-256 hex, overrides broker.fingerprint")
	flagPublish := flag.String("publish", "", "payload to publish to mqtt.topic")
	flagWatch := flag.Duration("watch", 0, "keep session and ping with this interval")
	flagDebug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	if sdnotify("start") {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		log.SetFlags(log2.LStdFlags)
	}

	cfg := &config.Config{}
	if *flagConfig != "" {
		cfg = config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	}
	if *flagURL != "" {
		cfg.Broker.URL = *flagURL
	}
	if *flagFingerprint != "" {
		cfg.Broker.Fingerprint = *flagFingerprint
	}
	if cfg.LogDebug || *flagDebug {
		log.SetLevel(log2.LDebug)
	}

	r := &runner{cfg: cfg, stat: &socket.Stat{}}
	if *flagPublish != "" {
		if cfg.Mqtt.Topic == "" {
			log.Fatal("-publish requires mqtt.topic in config")
		}
		r.publish = []byte(*flagPublish)
	}
	var err error
	if r.t, r.e, err = cfg.Transport(log.Prefixed("transport: "), r.stat); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	log.Debugf("broker=%s", r.e.String())

	if *flagWatch <= 0 {
		if err = r.once(context.Background()); err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		log.Infof("ok broker=%s %s", r.e.String(), r.stat.String())
		return
	}

	log.SetErrorFunc(r.countError)
	a := alive.NewAlive()
	go stopOnSignal(a)
	a.Add(1)
	go r.watchLoop(a, *flagWatch)
	a.Wait()
	sdnotify(daemon.SdNotifyStopping)
	log.Infof("stopped errors=%d %s", r.errorCount(), r.stat.String())
}

func (r *runner) once(ctx context.Context) error {
	sess, err := probe.Dial(ctx, r.t, r.e.Host, r.e.Port, r.cfg.ProbeOptions(log))
	if err != nil {
		return err
	}
	if err = r.check(ctx, sess); err != nil {
		_ = sess.Close()
		return err
	}
	return sess.Close()
}

func (r *runner) check(ctx context.Context, sess *probe.Session) error {
	rtt, err := sess.Ping(ctx)
	if err != nil {
		return err
	}
	log.Infof("ping rtt=%v", rtt)
	if r.publish != nil {
		if err = sess.Publish(r.cfg.Mqtt.Topic, r.publish, false); err != nil {
			return err
		}
		log.Debugf("published topic=%s", r.cfg.Mqtt.Topic)
	}
	return nil
}

func (r *runner) watchLoop(a *alive.Alive, interval time.Duration) {
	defer a.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.StopChan()
		cancel()
	}()

	backoff := helpers.Backoff{Min: time.Second, Max: time.Minute, K: 2, Res: 100 * time.Millisecond}
	ready := false
	stopch := a.StopChan()
	for a.IsRunning() {
		connected, err := r.watch(ctx, stopch, interval, func() {
			if !ready {
				ready = true
				sdnotify(daemon.SdNotifyReady)
			}
		})
		if err != nil && a.IsRunning() {
			log.Error(errors.ErrorStack(err))
		}
		if delay := backoff.DelayAfter(connected); delay > 0 {
			log.Infof("reconnect in %v", delay)
			select {
			case <-time.After(delay):
			case <-stopch:
				return
			}
		}
	}
}

// watch returns after session breaks or stop, connected=true means session was established.
func (r *runner) watch(ctx context.Context, stopch <-chan struct{}, interval time.Duration, onReady func()) (bool, error) {
	sess, err := probe.Dial(ctx, r.t, r.e.Host, r.e.Port, r.cfg.ProbeOptions(log))
	if err != nil {
		return false, errors.Annotatef(err, "dial broker=%s", r.e.String())
	}
	defer sess.Close()
	log.Infof("connected broker=%s", r.e.String())
	onReady()

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
		case <-stopch:
			return true, nil
		}
		if err = r.check(ctx, sess); err != nil {
			return true, err
		}
		log.Debugf("stat %s", r.stat.String())
	}
}

func stopOnSignal(a *alive.Alive) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infof("signal=%v, stopping", sig)
	a.Stop()
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
