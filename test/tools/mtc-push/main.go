// Command mtc-push generates a running MIDI time code stream and pushes it
// to an mtcclock SRT listener, or writes it to a file.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/mtcclock/internal/midiwire"
	"github.com/zsiec/mtcclock/internal/mtc"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT listener address")
	keyFlag := flag.String("key", "generator", "Source key")
	startFlag := flag.String("start", "01:00:00:00", "Start timecode HH:MM:SS:FF")
	fpsFlag := flag.Float64("fps", 25, "Frame rate: 24, 25, 29.97 or 30")
	backFlag := flag.Bool("backward", false, "Run the timecode backward")
	fileFlag := flag.String("file", "", "Write the stream to this file instead of pushing it")
	secondsFlag := flag.Float64("seconds", 10, "Stream length when writing a file")
	fullEvery := flag.Duration("full-every", 0, "Resend a full frame at this interval (0 = only at start)")
	flag.Parse()

	start, err := mtc.ParseTimecode(*startFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	g, err := newGenerator(start, mtc.Framerate(*fpsFlag), *backFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	if *fileFlag != "" {
		if err := writeFile(*fileFlag, g, *secondsFlag); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	push(ctx, *addrFlag, "mtc/"+*keyFlag, g, *fullEvery)
}

func writeFile(path string, g *generator, seconds float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	n := int(seconds * float64(g.rate.Frames()) / 2)
	if _, err := w.Write(g.fullFrame()); err != nil {
		f.Close()
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := w.Write(g.cycle()); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	fmt.Printf("Wrote %d cycles (%s) to %s\n", n, g.tc, path)
	return f.Close()
}

func push(ctx context.Context, addr, streamID string, g *generator, fullEvery time.Duration) {
	for ctx.Err() == nil {
		fmt.Printf("[%s] Connecting to SRT %s...\n", streamID, addr)

		cfg := srt.DefaultConfig()
		cfg.StreamID = streamID

		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v, retrying...\n", streamID, err)
			sleep(ctx, time.Second)
			continue
		}

		fmt.Printf("[%s] Connected, sending %s fps from %s\n", streamID, g.rate, g.tc)
		err = stream(ctx, conn, g, fullEvery)
		conn.Close()
		if err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "[%s] Connection lost: %v, reconnecting...\n", streamID, err)
			sleep(ctx, time.Second)
		}
	}
}

// stream writes a full frame, then quarter frames paced at four per frame
// against a global clock so the rate does not drift.
func stream(ctx context.Context, w io.Writer, g *generator, fullEvery time.Duration) error {
	if _, err := w.Write(g.fullFrame()); err != nil {
		return err
	}
	interval := g.quarterFrameInterval()
	begin := time.Now()
	lastFull := begin
	lastLog := begin
	for sent := 0; ctx.Err() == nil; sent++ {
		if fullEvery > 0 && time.Since(lastFull) >= fullEvery && g.atCycleStart() {
			if _, err := w.Write(g.fullFrame()); err != nil {
				return err
			}
			lastFull = time.Now()
		}
		if _, err := w.Write(g.next()); err != nil {
			return err
		}
		if time.Since(lastLog) >= 10*time.Second {
			fmt.Printf("tc=%s sent=%d\n", g.tc, sent)
			lastLog = time.Now()
		}
		due := begin.Add(time.Duration(sent+1) * interval)
		sleep(ctx, time.Until(due))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// generator produces the quarter-frame sequence of a transport running at
// constant speed. Each eight-piece cycle carries the time code of the frame
// it starts on and spans two frames.
type generator struct {
	tc       mtc.Timecode
	rate     mtc.Framerate
	backward bool

	pieces [8]mtc.QuarterFrame
	pos    int
}

func newGenerator(start mtc.Timecode, rate mtc.Framerate, backward bool) (*generator, error) {
	if _, ok := mtc.RateCode(rate); !ok {
		return nil, fmt.Errorf("unsupported frame rate %v", float64(rate))
	}
	if start.Frame >= rate.Frames() {
		return nil, fmt.Errorf("start frame %d out of range at %s fps", start.Frame, rate)
	}
	return &generator{tc: start, rate: rate, backward: backward}, nil
}

func (g *generator) quarterFrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / (float64(g.rate) * 4))
}

func (g *generator) atCycleStart() bool { return g.pos == 0 }

func (g *generator) fullFrame() []byte {
	ff, err := mtc.FullFrame(g.tc, g.rate, mtc.AllDevices)
	if err != nil {
		panic(err) // tc and rate were validated in newGenerator
	}
	return midiwire.Encode(ff)
}

// next returns the wire bytes of the next quarter frame.
func (g *generator) next() []byte {
	if g.pos == 0 {
		qf, err := mtc.QuarterFrames(g.tc, g.rate)
		if err != nil {
			panic(err)
		}
		g.pieces = qf
	}
	i := g.pos
	if g.backward {
		i = 7 - g.pos
	}
	msg := midiwire.Encode(g.pieces[i])

	g.pos++
	if g.pos == 8 {
		g.pos = 0
		step := 2
		if g.backward {
			step = -2
		}
		g.tc = g.tc.Add(step, g.rate)
	}
	return msg
}

// cycle returns the wire bytes of a whole eight-piece cycle.
func (g *generator) cycle() []byte {
	var out []byte
	for i := 0; i < 8; i++ {
		out = append(out, g.next()...)
	}
	return out
}
