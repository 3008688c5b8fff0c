package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bft-labs/framerelay/internal/cliconfig"
	"github.com/bft-labs/framerelay/pkg/consumer"
	"github.com/bft-labs/framerelay/pkg/lifecycle"
	"github.com/bft-labs/framerelay/pkg/log"
	"github.com/bft-labs/framerelay/pkg/pipeline"
	"github.com/bft-labs/framerelay/pkg/reassembly"
	"github.com/bft-labs/framerelay/pkg/relay"
	"github.com/bft-labs/framerelay/pkg/transport"
)

// stdinChunkSize is how much of a piped stream becomes one frame.
const stdinChunkSize = 32 << 10

func (a *app) relayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward producer frames to the registered consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile, err := a.load(cmd)
			if err != nil {
				return err
			}
			cfg := a.cfg

			srv, err := relay.New(relay.Config{
				RegistrationAddr: cfg.RegistrationAddr,
				IngressAddr:      cfg.IngressAddr,
				MaxChunkSize:     cfg.MaxChunkSize,
				RegistrationTTL:  cfg.RegistrationTTL,
				Network:          cfg.Network,
			}, relay.WithLogger(a.logger.Named("relay")))
			if err != nil {
				return err
			}

			services := []lifecycle.Service{srv}
			if w := a.watcher(cfgFile, func(t cliconfig.Tunables) {
				if t.MaxChunkSize == 0 {
					return
				}
				if err := srv.Update(relay.Tunables{MaxChunkSize: t.MaxChunkSize}); err != nil {
					a.logger.Warn("max chunk size not applied", log.Err(err))
				}
			}); w != nil {
				services = append(services, w)
			}

			err = a.run(services...)
			st := srv.Stats()
			a.logger.Info("relay totals",
				log.Uint64("received", st.Received),
				log.Uint64("forwarded", st.Forwarded),
				log.Uint64("fragmented", st.Fragmented),
				log.Uint64("dropped", st.Dropped),
				log.Uint64("registrations", st.Registrations),
			)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&a.cfg.RegistrationAddr, "registration-addr", a.cfg.RegistrationAddr, "address consumers register on")
	f.StringVar(&a.cfg.IngressAddr, "ingress-addr", a.cfg.IngressAddr, "address the producer sends frames to")
	f.IntVar(&a.cfg.MaxChunkSize, "max-chunk-size", a.cfg.MaxChunkSize, "largest frame forwarded unfragmented, and fragment payload size")
	f.DurationVar(&a.cfg.RegistrationTTL, "registration-ttl", a.cfg.RegistrationTTL, "expire a consumer that stopped re-registering (0 keeps it)")
	return cmd
}

func (a *app) produceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Send frames from a directory or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile, err := a.load(cmd)
			if err != nil {
				return err
			}
			cfg := a.cfg

			target, err := transport.ResolveAddr(cfg.Target)
			if err != nil {
				return err
			}

			var src pipeline.Source
			if cfg.FrameDir == "" {
				stdin := pipeline.NewReaderSource(os.Stdin, stdinChunkSize)
				defer stdin.Close()
				src = stdin
			} else {
				ds, err := pipeline.NewDirSource(cfg.FrameDir, cfg.FrameInterval, cfg.Loop)
				if err != nil {
					return err
				}
				src = ds
			}

			conn, err := transport.Listen(":0",
				transport.WithNetwork(cfg.Network),
				transport.WithLogger(a.logger.Named("transport")),
			)
			if err != nil {
				return err
			}
			defer conn.Close()

			pcfg := pipeline.DefaultConfig()
			pcfg.Target = target
			pcfg.QueueCapacity = cfg.QueueCapacity
			pcfg.MaxChunkSize = cfg.MaxChunkSize
			pcfg.Fragment = cfg.Fragment

			p, err := pipeline.NewProducer(pcfg, conn, src, pipeline.WithLogger(a.logger.Named("producer")))
			if err != nil {
				return err
			}

			services := []lifecycle.Service{p}
			if w := a.watcher(cfgFile, nil); w != nil {
				services = append(services, w)
			}

			err = a.run(services...)
			st := p.Stats()
			a.logger.Info("producer totals",
				log.Uint64("captured", st.Captured),
				log.Uint64("sent", st.Sent),
				log.Uint64("fragments", st.Fragments),
				log.Uint64("queue_drops", st.QueueDrops),
				log.Uint64("send_errors", st.SendErrors),
			)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&a.cfg.Target, "target", a.cfg.Target, "relay ingress address, or a consumer with --fragment")
	f.IntVar(&a.cfg.MaxChunkSize, "max-chunk-size", a.cfg.MaxChunkSize, "largest frame sent as one datagram, and fragment payload size")
	f.IntVar(&a.cfg.QueueCapacity, "queue-capacity", a.cfg.QueueCapacity, "frames buffered between capture and send")
	f.BoolVar(&a.cfg.Fragment, "fragment", a.cfg.Fragment, "fragment large frames here instead of at the relay")
	f.StringVar(&a.cfg.FrameDir, "frame-dir", a.cfg.FrameDir, "replay one frame per file from this directory (default: read stdin)")
	f.DurationVar(&a.cfg.FrameInterval, "frame-interval", a.cfg.FrameInterval, "delay between frames replayed from --frame-dir")
	f.BoolVar(&a.cfg.Loop, "loop", a.cfg.Loop, "restart --frame-dir replay after the last file")
	return cmd
}

func (a *app) consumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Register with the relay and write received frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile, err := a.load(cmd)
			if err != nil {
				return err
			}
			cfg := a.cfg

			var sink consumer.Sink = consumer.NewStreamSink(os.Stdout)
			if cfg.OutputDir != "" {
				ds, err := consumer.NewDirSink(cfg.OutputDir)
				if err != nil {
					return err
				}
				sink = ds
			}

			hs := transport.DefaultHandshakeConfig()
			hs.Timeout = cfg.HandshakeTimeout
			hs.Retries = cfg.HandshakeRetries

			rcfg := consumer.DefaultConfig()
			rcfg.ListenAddr = cfg.ListenAddr
			rcfg.RelayAddr = cfg.RelayAddr
			rcfg.RegisterInterval = cfg.RegisterInterval
			rcfg.Handshake = hs
			rcfg.Network = cfg.Network
			rcfg.Reassembly = reassembly.Config{
				Timeout:          cfg.ReassemblyTimeout,
				MaxBufferedBytes: cfg.ReassemblyMaxBytes,
			}

			r, err := consumer.New(rcfg, sink, consumer.WithLogger(a.logger.Named("consumer")))
			if err != nil {
				return err
			}

			services := []lifecycle.Service{r}
			if w := a.watcher(cfgFile, nil); w != nil {
				services = append(services, w)
			}

			err = a.run(services...)
			st := r.Stats()
			a.logger.Info("consumer totals",
				log.Uint64("frames", st.Frames),
				log.Uint64("fragments", st.Fragments),
				log.Uint64("malformed", st.Malformed),
				log.Uint64("evicted_timeout", st.EvictedTimeout),
				log.Uint64("evicted_overflow", st.EvictedOverflow),
			)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&a.cfg.ListenAddr, "listen-addr", a.cfg.ListenAddr, "local address to receive on")
	f.StringVar(&a.cfg.RelayAddr, "relay-addr", a.cfg.RelayAddr, "relay registration address (empty: receive directly from a producer)")
	f.DurationVar(&a.cfg.RegisterInterval, "register-interval", a.cfg.RegisterInterval, "repeat registration this often (0 registers once)")
	f.DurationVar(&a.cfg.HandshakeTimeout, "handshake-timeout", a.cfg.HandshakeTimeout, "wait per registration attempt")
	f.IntVar(&a.cfg.HandshakeRetries, "handshake-retries", a.cfg.HandshakeRetries, "registration attempts after the first")
	f.DurationVar(&a.cfg.ReassemblyTimeout, "reassembly-timeout", a.cfg.ReassemblyTimeout, "drop a partial frame after this much inactivity")
	f.IntVar(&a.cfg.ReassemblyMaxBytes, "reassembly-max-bytes", a.cfg.ReassemblyMaxBytes, "ceiling on buffered partial-frame bytes")
	f.StringVar(&a.cfg.OutputDir, "output-dir", a.cfg.OutputDir, "write one file per frame here (default: stdout)")
	return cmd
}

// run supervises services until SIGINT/SIGTERM or until they all return.
func (a *app) run(services ...lifecycle.Service) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	sup := lifecycle.NewSupervisor(a.logger.Named("lifecycle"), nil, services...)
	err := sup.Run(ctx)
	if ctx.Err() != nil {
		a.logger.Info("received signal, stopped")
	}
	a.logger.Debug("services stopped", log.Duration("uptime", time.Since(start)))
	return err
}
