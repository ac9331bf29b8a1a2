package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/gen2brain/sof"
)

// session is a booted device on the host side of a mailbox.
type session struct {
	logger klog.Logger
	mb     *sof.ShmMailbox
	dev    *sof.Device
	srv    *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
	runErr error
}

// openSession maps the mailbox, starts the doorbell loop, boots the firmware
// and loads the configured topology.
func openSession(ctx context.Context, vip *viper.Viper) (*session, error) {
	cfg := loadConfig(vip)
	logger := klog.FromContext(ctx)

	mb, err := sof.OpenShmMailbox(cfg.Mailbox, sof.MailboxHost, logger)
	if err != nil {
		return nil, err
	}

	opts := &sof.Options{
		IpcTimeout:  cfg.IpcTimeout,
		BootTimeout: cfg.BootTimeout,
		StrictABI:   cfg.StrictABI,
		XrunStop:    cfg.XrunStop,
		Logger:      logger,
		OnFwException: func(cmd uint32) {
			logger.Error(nil, "DSP stopped answering", "cmd", sof.CmdString(cmd))
		},
	}

	var reg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		opts.Registerer = reg
	}

	dev, err := sof.NewDevice(mb, mb, opts)
	if err != nil {
		_ = mb.Close()

		return nil, err
	}

	s := &session{logger: logger, mb: mb, dev: dev}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runErr = mb.Run(runCtx, sof.DefaultPollInterval, dev)
	}()

	if reg != nil {
		s.serveMetrics(cfg.MetricsAddr, reg)
	}

	if err := dev.Boot(); err != nil {
		return nil, multierr.Append(err, s.Close())
	}

	v := dev.FwVersion()
	logger.V(1).Info("Firmware ready", "version", v.String(), "abi", sof.AbiString(v.AbiVersion))

	if cfg.Topology != "" {
		if err := s.load(cfg.Topology); err != nil {
			return nil, multierr.Append(err, s.Close())
		}
	}

	return s, nil
}

func (s *session) load(path string) error {
	t, err := sof.LoadTopologyFile(path)
	if err != nil {
		return err
	}

	return s.dev.LoadTopology(t)
}

func (s *session) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	s.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(err, "Metrics server failed", "addr", addr)
		}
	}()
}

// Close stops the doorbell loop, powers the DSP down and unmaps the mailbox.
func (s *session) Close() error {
	var errs error

	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		errs = multierr.Append(errs, s.srv.Shutdown(ctx))
		cancel()
	}

	s.cancel()
	s.wg.Wait()

	errs = multierr.Append(errs, s.runErr)
	errs = multierr.Append(errs, s.dev.Close())

	if errs != nil {
		return fmt.Errorf("closing session: %w", errs)
	}

	return nil
}
