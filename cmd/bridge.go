package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/jtaka1125-beep/mirage/internal/adb"
	"github.com/jtaka1125-beep/mirage/internal/bridge"
	"github.com/jtaka1125-beep/mirage/internal/logging"
	"github.com/jtaka1125-beep/mirage/internal/nal"
)

// ProbeResult summarizes a raw video stream.
type ProbeResult struct {
	Units      int
	Keyframes  int
	ParamSets  int
	Bytes      int64
	Discarded  uint64
	FirstFrame time.Duration
}

// Probe splits an Annex-B stream from r until it ends or ctx is done,
// copying every unit to w when w is non-nil.
func Probe(ctx context.Context, r io.Reader, w io.Writer) (ProbeResult, error) {
	var res ProbeResult
	start := time.Now()
	splitter := nal.NewSplitter()
	buf := make([]byte, 64*1024)

	count := func(u nal.Unit) error {
		res.Units++
		if u.IsParameterSet() {
			res.ParamSets++
		}
		if u.IsKeyframe() {
			if res.Keyframes == 0 {
				res.FirstFrame = time.Since(start)
			}
			res.Keyframes++
		}
		if w != nil {
			if _, err := w.Write(u.AnnexB()); err != nil {
				return err
			}
		}
		return nil
	}

	for ctx.Err() == nil {
		n, err := r.Read(buf)
		res.Bytes += int64(n)
		for u := range splitter.Push(buf[:n]) {
			if werr := count(u); werr != nil {
				return res, werr
			}
		}
		if err != nil {
			if u, ok := splitter.Flush(); ok {
				if werr := count(u); werr != nil {
					return res, werr
				}
			}
			res.Discarded = splitter.Discarded()
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			if ctx.Err() != nil {
				break
			}
			return res, err
		}
	}
	res.Discarded = splitter.Discarded()
	return res, nil
}

// CreateBridgeCmd creates the bridge command.
func CreateBridgeCmd() *cobra.Command {
	var adbPath string
	var output string
	var duration time.Duration
	var port int
	cfg := bridge.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "bridge [serial]",
		Short: "Launch the capture helper on one device and probe its stream",
		Long: `Stages and starts the capture helper on the adb device, reads raw H.264 for the given ` +
			`duration and reports what arrived. Everything launched is torn down on exit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serial := args[0]
			logging.Initialize(logging.Config{Level: "info", Format: "text"})
			logger := logging.GetLogger("bridge").With("serial", serial)

			client, err := adb.New(adbPath, logging.GetLogger("adb"))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			b := bridge.New(client, bridge.Options{Config: cfg, Logger: logger})
			sess, err := b.Launch(ctx, bridge.Target{HardwareID: serial, Serial: serial, Port: port})
			if err != nil {
				return err
			}
			defer sess.Close()

			var w io.Writer
			if output != "" {
				f, createErr := os.Create(output)
				if createErr != nil {
					return createErr
				}
				defer f.Close()
				w = f
			}

			probeCtx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()
			go func() {
				// Unblock the read when time is up.
				<-probeCtx.Done()
				sess.Close()
			}()

			res, err := Probe(probeCtx, sess.Reader(), w)
			if err != nil && probeCtx.Err() == nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %dx%d: %d units (%d keyframes, %d parameter sets), %d bytes, %d bytes discarded, first keyframe after %s\n",
				sess.Header.DeviceName, sess.Header.Width, sess.Header.Height,
				res.Units, res.Keyframes, res.ParamSets, res.Bytes, res.Discarded, res.FirstFrame.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&adbPath, "adb", "adb", "adb command line")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the raw Annex-B stream to this file")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 5*time.Second, "How long to read video")
	cmd.Flags().IntVar(&port, "port", 0, "Local forward port (0 lets adb choose)")
	cmd.Flags().StringVar(&cfg.ServerPath, "server", cfg.ServerPath, "Local capture helper artifact")
	cmd.Flags().StringVar(&cfg.Version, "server-version", cfg.Version, "Capture helper version")
	cmd.Flags().IntVar(&cfg.MaxSize, "max-size", cfg.MaxSize, "Maximum video dimension")
	cmd.Flags().IntVar(&cfg.BitRate, "bit-rate", cfg.BitRate, "Video bit rate")
	cmd.Flags().IntVar(&cfg.MaxFPS, "max-fps", cfg.MaxFPS, "Maximum frame rate")
	return cmd
}
