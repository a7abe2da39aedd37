// Command ddspubd demonstrates the ddspub publication core: it wires a
// Participant-equivalent event loop, a Publisher and one DataWriter
// over a loopback transport, writing a sample on an interval until
// signaled to exit. It is not part of the core's public API (spec.md §6
// "CLI / config: None in the core; QoS is supplied programmatically") —
// grounded on go/flow-ingester/main.go's single-command serve shape.
package main

import (
	"context"
	"fmt"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/server"
	"go.gazette.dev/core/task"

	"github.com/estuary/ddspub/flowcontrol"
	"github.com/estuary/ddspub/guid"
	"github.com/estuary/ddspub/ops"
	"github.com/estuary/ddspub/participant"
	"github.com/estuary/ddspub/persistence"
	"github.com/estuary/ddspub/pool"
	"github.com/estuary/ddspub/publisher"
	"github.com/estuary/ddspub/qos"
	"github.com/estuary/ddspub/writer"
)

const iniFilename = "ddspubd.ini"

// config is the top-level configuration of the demonstration binary.
var config = new(struct {
	Ddspub struct {
		Port          string        `long:"port" env:"PORT" default:"8090" description:"HTTP port serving /metrics and pprof"`
		Topic         string        `long:"topic" env:"TOPIC" default:"demo/topic" description:"Topic name of the demonstration writer"`
		WriteInterval time.Duration `long:"write-interval" env:"WRITE_INTERVAL" default:"1s" description:"Interval between demonstration writes"`
		Reliable      bool          `long:"reliable" description:"Use reliable, keep_all QoS instead of best-effort volatile"`
		Persistent    bool          `long:"persistent" description:"Use persistent durability, backed by an in-memory store"`
	} `group:"ddspub" namespace:"ddspub" env-namespace:"DDSPUB"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdServe struct{}

func demoWriterQoS() qos.WriterQoS {
	var q = qos.DefaultWriterQoS()
	if config.Ddspub.Reliable {
		q.Reliability = qos.Reliable
		q.History = qos.History{Kind: qos.KeepAll}
		q.MaxBlockingTime = 500 * time.Millisecond
	}
	if config.Ddspub.Persistent {
		q.Durability = qos.Persistent
	}
	return q
}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(config.Diagnostics)()
	mbp.InitLog(config.Log)

	log.WithFields(log.Fields{
		"config":    config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("ddspubd configuration")

	var srv, err = server.New("", config.Ddspub.Port)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}
	srv.HTTPMux.Handle("/metrics", promhttp.Handler())
	srv.HTTPMux.HandleFunc("/debug/pprof/", pprof.Index)
	srv.HTTPMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	srv.HTTPMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	var tasks = task.NewGroup(context.Background())
	var loop = participant.NewEventLoop(tasks.Context())
	srv.QueueTasks(tasks)

	var controllerName = "default"
	var controller = flowcontrol.New(flowcontrol.Config{
		Name:   controllerName,
		Mode:   flowcontrol.Async,
		Policy: flowcontrol.FIFO,
	})
	loop.QueueWorker("flow-controller."+controllerName, func() error { return controller.Run(loop.Context()) })

	var writerGUID guid.Guid
	copy(writerGUID[:], []byte("ddspubd-demo-writer"))

	var demoQoS = demoWriterQoS()
	var readers = newLoopbackReaders(demoQoS.Reliability, demoQoS.Durability)

	var store persistence.Store
	if config.Ddspub.Persistent {
		store = persistence.NewMemoryStore()
	}

	var pub = publisher.New(publisher.Config{
		DefaultQoS:   demoQoS,
		Listener:     ops.StatusListener{},
		ListenerMask: writer.AllStatuses,
	})

	w, err := pub.CreateDataWriter(writer.Config{
		WriterGUID: writerGUID,
		TopicName:  config.Ddspub.Topic,
		Changes:    pool.NewChangePool(0, pool.NewPayloadPool(0)),
		Controller: controller,
		EventLoop:  loop,
		Transport:  loopbackTransport{},
		Types:      stringTypeSupport{},
		Readers:    readers,
		Store:      store,
	})
	if err != nil {
		return fmt.Errorf("creating demonstration writer: %w", err)
	}

	loop.QueueWorker("ddspubd.demo-writer", func() error {
		var ticker = time.NewTicker(config.Ddspub.WriteInterval)
		defer ticker.Stop()
		var n int
		for {
			select {
			case <-ticker.C:
				n++
				var sample = fmt.Sprintf("sample-%d", n)
				if err := w.Write(sample, time.Time{}, guid.Nil); err != nil {
					log.WithFields(log.Fields{"error": err, "sample": sample}).Warn("write failed")
				}
			case <-loop.Context().Done():
				return nil
			}
		}
	})

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			loop.Cancel()
			tasks.Cancel()
			srv.BoundedGracefulStop()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})

	log.WithFields(log.Fields{
		"topic":    config.Ddspub.Topic,
		"endpoint": srv.Endpoint(),
	}).Info("starting ddspubd")

	tasks.GoRun()
	loop.GoRun()

	if err := loop.Wait(); err != nil {
		return fmt.Errorf("event loop failed: %w", err)
	}
	if err := tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}

func main() {
	var parser = flags.NewParser(config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the ddspub demonstration writer", `
Serve a demonstration DataWriter, periodically writing samples, until
signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
