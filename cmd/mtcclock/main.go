package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mtcclock/internal/certs"
	"github.com/zsiec/mtcclock/internal/config"
	"github.com/zsiec/mtcclock/internal/distribution"
	"github.com/zsiec/mtcclock/internal/ingest"
	"github.com/zsiec/mtcclock/internal/ingest/port"
	srtingest "github.com/zsiec/mtcclock/internal/ingest/srt"
	"github.com/zsiec/mtcclock/internal/oscout"
	"github.com/zsiec/mtcclock/internal/pipeline"
	"github.com/zsiec/mtcclock/internal/stream"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("MTC_CONFIG"), "YAML config file (env MTC_CONFIG)")
	listPorts := flag.Bool("list-ports", false, "print the available MIDI input ports and exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if *listPorts {
		for _, name := range port.Ports() {
			fmt.Println(name)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	level, _ := cfg.Level()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cert, err := loadCert(cfg.TLS)
	if err != nil {
		slog.Error("failed to set up certificate", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("mtcclock starting",
		"version", version,
		"srt", cfg.SRTAddr,
		"api", cfg.APIAddr,
		"h3", cfg.H3Addr,
		"ports", cfg.MIDIPorts,
		"timeout", cfg.Timeout,
		"cert_hash", cert.FingerprintBase64(),
	)

	a := &app{
		cfg: cfg,
		mgr: stream.NewManager(nil),
	}
	if len(cfg.OSCTargets) > 0 {
		a.osc, err = oscout.Dial(cfg.OSCTargets, nil)
		if err != nil {
			slog.Error("failed to set up OSC output", "error", err)
			os.Exit(1)
		}
		defer a.osc.Close()
		slog.Info("sending OSC time code", "targets", cfg.OSCTargets)
	}

	g, ctx := errgroup.WithContext(ctx)

	// The registry and caller are created after the errgroup so their
	// closures capture the errgroup context and sources stop when any
	// component fails.
	a.registry = ingest.NewRegistry(func(key string, input io.Reader, format ingest.InputFormat) {
		a.handleNewSource(ctx, key, input, format)
	})
	a.srtCaller = srtingest.NewCaller(a.registry, nil)
	ports := port.NewListener(a.registry, nil)

	distSrv, err := distribution.NewServer(distribution.ServerConfig{
		Addr:    cfg.H3Addr,
		Cert:    cert,
		Sources: a.mgr,
		SRTPull: func(address, key, streamID string) error {
			return a.srtCaller.Pull(ctx, srtingest.PullRequest{
				Address:   address,
				SourceKey: key,
				StreamID:  streamID,
			})
		},
		SRTStop:      a.srtCaller.Stop,
		SRTList:      a.listSRTPulls,
		IngestLookup: a.lookupIngest,
		Ports:        port.Ports,
	})
	if err != nil {
		slog.Error("failed to create distribution server", "error", err)
		os.Exit(1)
	}

	apiSrv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: distSrv.APIHandler(),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert.TLSCert},
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.SRTAddr != "" {
		srtSrv := srtingest.NewServer(cfg.SRTAddr, a.registry, nil)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	g.Go(func() error {
		return ports.Run(ctx, cfg.MIDIPorts)
	})

	g.Go(func() error {
		a.startPulls(ctx)
		return nil
	})

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", cfg.APIAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return distSrv.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func loadCert(c config.TLS) (*certs.CertInfo, error) {
	if c.CertFile != "" {
		slog.Info("loading certificate", "cert", c.CertFile)
		return certs.Load(c.CertFile, c.KeyFile)
	}
	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(certs.MaxValidity, c.Hosts...)
	if err != nil {
		return nil, err
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

type app struct {
	cfg       config.Config
	mgr       *stream.Manager
	registry  *ingest.Registry
	srtCaller *srtingest.Caller
	osc       *oscout.Sender
}

func (a *app) startPulls(ctx context.Context) {
	for _, p := range a.cfg.Pulls {
		err := a.srtCaller.Pull(ctx, srtingest.PullRequest{
			Address:   p.Address,
			SourceKey: p.SourceKey,
			StreamID:  p.StreamID,
		})
		if err != nil {
			slog.Warn("configured SRT pull failed", "source", p.SourceKey, "address", p.Address, "error", err)
		}
	}
}

func (a *app) listSRTPulls() []distribution.SRTPullInfo {
	pulls := a.srtCaller.ActivePulls()
	out := make([]distribution.SRTPullInfo, len(pulls))
	for i, p := range pulls {
		out[i] = distribution.SRTPullInfo{
			Address:   p.Address,
			SourceKey: p.SourceKey,
			StreamID:  p.StreamID,
		}
	}
	return out
}

func (a *app) lookupIngest(key string) *ingest.Stats {
	src, ok := a.registry.Get(key)
	if !ok {
		return nil
	}
	s := src.Stats()
	return &s
}

// handleNewSource runs the host loop for a registered source until its
// input ends.
func (a *app) handleNewSource(ctx context.Context, key string, input io.Reader, format ingest.InputFormat) {
	slog.Info("new source from ingest", "key", key, "format", format)
	src, registered := a.registry.Get(key)

	p := pipeline.New(key, input, pipeline.Config{
		Timeout:      a.cfg.Timeout,
		PollInterval: a.cfg.PollInterval,
	})
	if _, created := a.mgr.Create(p); !created {
		slog.Warn("rejecting duplicate source", "key", key)
		if registered {
			a.registry.Release(src)
		}
		return
	}

	if a.osc != nil {
		go a.osc.Follow(ctx, p)
	}

	if err := p.Run(ctx); err != nil {
		slog.Error("pipeline error", "source", key, "error", err)
	}
	// Remove before Release: a publisher that reconnects as soon as its
	// source is released must find the key free in the manager too.
	a.mgr.Remove(key)
	if registered {
		a.registry.Release(src)
	}
	slog.Info("source ended", "key", key)
}
