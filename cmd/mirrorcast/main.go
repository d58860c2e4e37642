// Command mirrorcast runs either end of a screen-mirroring session:
// a sender streaming encrypted frames toward a receiver, or the
// receiver itself. It exists to exercise the transport and session
// core from the command line; real deployments embed the session
// package behind their capture and render pipelines.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mirrorcast/mirrorcast/bitrate"
	"github.com/mirrorcast/mirrorcast/config"
	"github.com/mirrorcast/mirrorcast/crypto"
	"github.com/mirrorcast/mirrorcast/session"
	"github.com/mirrorcast/mirrorcast/transport"
)

// passphraseEnv names the environment variable holding the key-store
// master passphrase.
const passphraseEnv = "MIRRORCAST_PASSPHRASE"

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:          "mirrorcast",
		Short:        "Screen mirroring over Wi-Fi sockets or Bluetooth RFCOMM",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newStreamCmd(), newReceiveCmd(), newKeygenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func openEngine(cfg *config.Config) (*crypto.Engine, *crypto.FileKeyStore, error) {
	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return nil, nil, fmt.Errorf("%s must be set", passphraseEnv)
	}

	store, err := crypto.NewFileKeyStore(cfg.KeyDir, []byte(passphrase))
	if err != nil {
		return nil, nil, err
	}
	engine, err := crypto.NewEngine(store, cfg.KeyAlias)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return engine, store, nil
}

func newSession(cfg *config.Config, engine *crypto.Engine, dialerFor func(transport.Kind) (transport.Dialer, error)) (*session.Session, error) {
	bitrateCfg := bitrate.DefaultConfig()
	bitrateCfg.MinBitrate = cfg.MinBitrate
	bitrateCfg.MaxBitrate = cfg.MaxBitrate

	return session.New(engine, &session.Options{
		DeadZoneThreshold: cfg.DeadZoneThreshold,
		Bitrate:           bitrateCfg,
		InitialBitrate:    cfg.InitialBitrate,
		DialerFor:         dialerFor,
	})
}

// newStreamCmd streams chunks read from a file (or stdin) as encoded
// video frames. Each read chunk stands in for one encoder output
// buffer.
func newStreamCmd() *cobra.Command {
	var inputPath string

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Connect to a receiver and stream frames from a file or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kind, err := cfg.TransportKind()
			if err != nil {
				return err
			}
			engine, store, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sess, err := newSession(cfg, engine, nil)
			if err != nil {
				return err
			}
			sess.Bitrate().SetTargetCallback(func(bps uint32) {
				logrus.WithField("target_bps", bps).Info("Encoder target bitrate adjusted")
			})

			if err := sess.Connect(kind, cfg.Target()); err != nil {
				return err
			}
			defer sess.Disconnect()
			if err := awaitConnected(sess); err != nil {
				return err
			}

			in := io.Reader(os.Stdin)
			if inputPath != "" {
				f, err := os.Open(inputPath)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			return pumpFrames(sess, in)
		},
	}
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "file with encoded frames (default stdin)")
	return cmd
}

// awaitConnected blocks until the session reports Connected or fails.
func awaitConnected(sess *session.Session) error {
	for ev := range sess.Events() {
		switch ev.Type {
		case session.EventConnected:
			return nil
		case session.EventError:
			return fmt.Errorf("connect failed: %s", ev.Cause)
		}
	}
	return fmt.Errorf("session closed before connecting")
}

// pumpFrames reads chunks and submits them as video frames until EOF
// or interrupt.
func pumpFrames(sess *session.Session, in io.Reader) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	reader := bufio.NewReader(in)
	buf := make([]byte, 64*1024)
	start := time.Now()

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			ts := time.Since(start).Microseconds()
			if sendErr := sess.SendVideoFrame(buf[:n], 0, ts); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			stats := sess.Stats()
			logrus.WithFields(logrus.Fields{
				"frames_sent": stats.FramesSent,
				"bytes_sent":  stats.BytesSent,
				"dropped":     stats.DroppedFrames,
			}).Info("Stream finished")
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// acceptedDialer adapts an already-accepted carrier to the Dialer
// contract so the receiver side reuses the same session machinery.
type acceptedDialer struct {
	carrier transport.Transport
}

func (d *acceptedDialer) Dial(target string) (transport.Transport, error) {
	return d.carrier, nil
}

// newReceiveCmd accepts one sender and writes decrypted frame payloads
// to a file (or stdout), logging input events as they arrive.
func newReceiveCmd() *cobra.Command {
	var listenAddr string
	var outputPath string

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept one sender and write decrypted frames out",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			engine, store, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			listener, err := transport.Listen(listenAddr)
			if err != nil {
				return err
			}
			defer listener.Close()
			logrus.WithField("addr", listener.Addr().String()).Info("Waiting for sender")

			carrier, err := listener.Accept()
			if err != nil {
				return err
			}

			sess, err := newSession(cfg, engine, func(transport.Kind) (transport.Dialer, error) {
				return &acceptedDialer{carrier: carrier}, nil
			})
			if err != nil {
				return err
			}
			if err := sess.Connect(transport.KindWifiSocket, "accepted"); err != nil {
				return err
			}
			defer sess.Disconnect()
			if err := awaitConnected(sess); err != nil {
				return err
			}

			out := io.Writer(os.Stdout)
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			return consumeEvents(sess, out)
		},
	}
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", fmt.Sprintf(":%d", transport.DefaultPort), "listen address")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "file for decrypted frame payloads (default stdout)")
	return cmd
}

// consumeEvents drains the session until it ends, writing video
// payloads and logging everything else.
func consumeEvents(sess *session.Session, out io.Writer) error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	for {
		select {
		case <-stop:
			return nil
		case ev := <-sess.Events():
			switch ev.Type {
			case session.EventDataReceived:
				if ev.Video != nil {
					if _, err := out.Write(ev.Video.Payload); err != nil {
						return err
					}
				}
				if ev.Input != nil {
					logrus.WithFields(logrus.Fields{
						"kind":   ev.Input.Kind.String(),
						"code":   ev.Input.Code,
						"value":  ev.Input.Value,
						"active": ev.Input.Active,
					}).Info("Input event")
				}
			case session.EventDisconnected:
				logrus.Info("Sender disconnected")
				return nil
			case session.EventError:
				return fmt.Errorf("session failed: %s", ev.Cause)
			}
		}
	}
}

// newKeygenCmd provisions the session key so both ends can be set up
// before the first stream.
func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate the session key if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// openEngine provisions the key via EnsureKeyExists.
			_, store, err := openEngine(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			fmt.Printf("key %q ready in %s\n", cfg.KeyAlias, cfg.KeyDir)
			return nil
		},
	}
}
