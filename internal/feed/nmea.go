package feed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	nmea "github.com/adrianmo/go-nmea"

	"github.com/relabs-tech/inertial_orientation/internal/imu"
)

// Sentence types emitted by serial IMU boards, one per sensor:
//
//	$IIACC,<x>,<y>,<z>*hh   accelerometer
//	$IIMAG,<x>,<y>,<z>*hh   magnetometer
//	$IIGYR,<x>,<y>,<z>*hh   gyroscope, rad/s
//
// The board accepts $PIMUI,<ms>*hh to change its output interval.
const (
	TypeACC = "ACC"
	TypeMAG = "MAG"
	TypeGYR = "GYR"

	intervalCommand = "PIMUI"
)

// VectorSentence is a parsed 3-axis IMU sentence.
type VectorSentence struct {
	nmea.BaseSentence
	X, Y, Z float64
}

// Measurement returns the sentence payload.
func (s VectorSentence) Measurement() imu.Measurement {
	return imu.Measurement{X: s.X, Y: s.Y, Z: s.Z}
}

func init() {
	for _, t := range []string{TypeACC, TypeMAG, TypeGYR} {
		nmea.MustRegisterParser(t, parseVector)
	}
}

func parseVector(s nmea.BaseSentence) (nmea.Sentence, error) {
	p := nmea.NewParser(s)
	return VectorSentence{
		BaseSentence: s,
		X:            p.Float64(0, "x"),
		Y:            p.Float64(1, "y"),
		Z:            p.Float64(2, "z"),
	}, p.Err()
}

func kindOf(dataType string) (imu.Kind, bool) {
	switch dataType {
	case TypeACC:
		return imu.Accelerometer, true
	case TypeMAG:
		return imu.Magnetometer, true
	case TypeGYR:
		return imu.Gyroscope, true
	}
	return 0, false
}

// NMEA demultiplexes one line-oriented sentence stream (typically a serial
// port) into three ports. Run must be called to pump the stream.
type NMEA struct {
	r io.Reader
	w io.Writer // nil when the device is read-only

	wmu          sync.Mutex
	lastInterval int

	ports [3]*nmeaPort
	open  atomic.Bool
}

// NewNMEA wraps a stream. w may be nil.
func NewNMEA(r io.Reader, w io.Writer) *NMEA {
	n := &NMEA{r: r, w: w}
	for _, k := range []imu.Kind{imu.Accelerometer, imu.Magnetometer, imu.Gyroscope} {
		n.ports[k] = &nmeaPort{parent: n, kind: k}
	}
	n.open.Store(true)
	return n
}

// Port returns the feed for one sensor kind.
func (n *NMEA) Port(kind imu.Kind) Port {
	return n.ports[kind]
}

// Run reads sentences until the stream ends or ctx is cancelled. Malformed
// lines are logged and skipped. The ports report unavailable once Run returns.
func (n *NMEA) Run(ctx context.Context) error {
	defer n.open.Store(false)

	scanner := bufio.NewScanner(n.r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "$") {
			continue
		}

		sentence, err := nmea.Parse(line)
		if err != nil {
			log.Printf("feed: nmea parse error: %v (line: %q)", err, line)
			continue
		}
		v, ok := sentence.(VectorSentence)
		if !ok {
			continue
		}
		kind, ok := kindOf(v.DataType())
		if !ok {
			continue
		}
		n.ports[kind].reg.deliver(v.Measurement())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("nmea read: %w", err)
	}
	return nil
}

// writeInterval asks the board for a new output interval. The board has a
// single interval for all sensors, so repeats from sibling ports are dropped.
func (n *NMEA) writeInterval(ms int) error {
	if n.w == nil {
		return nil
	}

	n.wmu.Lock()
	defer n.wmu.Unlock()
	if ms == n.lastInterval {
		return nil
	}
	body := fmt.Sprintf("%s,%d", intervalCommand, ms)
	if _, err := fmt.Fprintf(n.w, "$%s*%s\r\n", body, nmea.Checksum(body)); err != nil {
		return err
	}
	n.lastInterval = ms
	return nil
}

type nmeaPort struct {
	parent *NMEA
	kind   imu.Kind
	reg    registry
}

func (p *nmeaPort) AddListener(h Handler) Subscription {
	return p.reg.add(h)
}

func (p *nmeaPort) SetUpdateInterval(ms int) {
	if ms <= 0 {
		return
	}
	if err := p.parent.writeInterval(ms); err != nil {
		log.Printf("feed: nmea %s interval write error: %v", p.kind, err)
	}
}

func (p *nmeaPort) Available(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.parent.open.Load(), nil
}
