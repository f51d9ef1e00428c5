package oscout

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/zsiec/mtcclock/internal/mtc"
	"github.com/zsiec/mtcclock/internal/pipeline"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	return pc
}

func receive(t *testing.T, pc *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 1500)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := pc.ReadFromUDP(buf)
	if err != nil {
		t.Fatal(err)
	}
	return buf[:n]
}

func TestMessage(t *testing.T) {
	t.Parallel()

	msg := Message(pipeline.Snapshot{
		Key:       "stage",
		Timecode:  mtc.Timecode{Hour: 1, Minute: 2, Second: 3, Frame: 4},
		Framerate: mtc.Rate25,
		Direction: mtc.DirectionBackward,
		Indicator: pipeline.IndicatorLocked,
		Mode:      pipeline.ModeTimecode,
	})
	if msg.Address != "/mtc/stage" {
		t.Errorf("address = %q", msg.Address)
	}
	if len(msg.Arguments) != 5 {
		t.Fatalf("got %d arguments, want 5", len(msg.Arguments))
	}
	tc, err := msg.Arguments[0].ReadString()
	if err != nil || tc != "01:02:03:04" {
		t.Errorf("timecode = %q, %v", tc, err)
	}
	rate, err := msg.Arguments[1].ReadFloat32()
	if err != nil || rate != 25 {
		t.Errorf("rate = %v, %v", rate, err)
	}
	dir, err := msg.Arguments[2].ReadInt32()
	if err != nil || dir != -1 {
		t.Errorf("direction = %d, %v", dir, err)
	}
	ind, err := msg.Arguments[3].ReadInt32()
	if err != nil || ind != 2 {
		t.Errorf("indicator = %d, %v", ind, err)
	}
}

func TestSendReachesTarget(t *testing.T) {
	t.Parallel()

	pc := listen(t)
	s, err := Dial([]string{pc.LocalAddr().String()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	err = s.Send(pipeline.Snapshot{
		Key:       "demo",
		Timecode:  mtc.Timecode{Hour: 10},
		Framerate: mtc.Rate30,
	})
	if err != nil {
		t.Fatal(err)
	}

	got := receive(t, pc)
	// Address and type tags are NUL padded to four bytes.
	if !bytes.HasPrefix(got, []byte("/mtc/demo\x00\x00\x00")) {
		t.Errorf("packet % X does not start with the address", got)
	}
	if !bytes.Contains(got, []byte(",sfiii\x00\x00")) {
		t.Errorf("packet % X lacks type tags", got)
	}
	if !bytes.Contains(got, []byte("10:00:00:00\x00")) {
		t.Errorf("packet % X lacks the timecode", got)
	}
}

func TestFollowForwardsUntilInputEnds(t *testing.T) {
	t.Parallel()

	pc := listen(t)
	s, err := Dial([]string{pc.LocalAddr().String()}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	pr, pw := io.Pipe()
	p := pipeline.New("live", pr, pipeline.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	followed := make(chan struct{})
	go func() {
		s.Follow(ctx, p)
		close(followed)
	}()
	go p.Run(ctx)

	// The subscription is primed with the current snapshot.
	if got := receive(t, pc); !bytes.HasPrefix(got, []byte("/mtc/live\x00")) {
		t.Errorf("first packet % X", got)
	}

	pw.Close()
	select {
	case <-followed:
	case <-ctx.Done():
		t.Fatal("Follow did not return after the input ended")
	}
}

func TestDialRejectsBadAddress(t *testing.T) {
	t.Parallel()

	if _, err := Dial([]string{"no-port"}, nil); err == nil {
		t.Fatal("expected error")
	}
}
