package app

import (
	"context"
	"fmt"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/inertial_orientation/internal/config"
	"github.com/relabs-tech/inertial_orientation/internal/feed"
	"github.com/relabs-tech/inertial_orientation/internal/hub"
	"github.com/relabs-tech/inertial_orientation/internal/imu"
	"github.com/relabs-tech/inertial_orientation/internal/orientation"
	"github.com/relabs-tech/inertial_orientation/internal/sensors"
)

var kinds = []imu.Kind{imu.Accelerometer, imu.Magnetometer, imu.Gyroscope}

// sources lazily opens each transport once, however many feeds use it.
type sources struct {
	ctx  context.Context
	cfg  *config.Config
	role string

	body   *feed.MockBody
	imu    *sensors.MPU9250
	imuErr error
	client mqtt.Client
	stream *feed.NMEA
	nmeaOK bool

	closers []func()
}

// BuildHub opens the feeds selected by the *_SOURCE keys and returns an
// idle hub over them. role names the process in its MQTT client ID. The
// returned func releases every transport.
func BuildHub(ctx context.Context, cfg *config.Config, role string) (*hub.Hub, func(), error) {
	s := &sources{ctx: ctx, cfg: cfg, role: role}

	var ports [3]feed.Port
	for _, k := range kinds {
		p, err := s.port(k)
		if err != nil {
			s.close()
			return nil, nil, err
		}
		ports[k] = p
		log.Printf("sources: %s from %s", k, sourceFor(cfg, k))
	}

	filter, err := orientation.New(cfg.FilterOptions())
	if err != nil {
		s.close()
		return nil, nil, err
	}

	h, err := hub.New(ports[imu.Accelerometer], ports[imu.Magnetometer], ports[imu.Gyroscope],
		hub.WithFilter(filter),
		hub.WithSampleInterval(cfg.SampleIntervalMS),
	)
	if err != nil {
		s.close()
		return nil, nil, err
	}
	return h, s.close, nil
}

func sourceFor(cfg *config.Config, k imu.Kind) config.Source {
	switch k {
	case imu.Accelerometer:
		return cfg.AccelSource
	case imu.Magnetometer:
		return cfg.MagSource
	default:
		return cfg.GyroSource
	}
}

func topicFor(cfg *config.Config, k imu.Kind) string {
	switch k {
	case imu.Accelerometer:
		return cfg.TopicAccel
	case imu.Magnetometer:
		return cfg.TopicMag
	default:
		return cfg.TopicGyro
	}
}

func (s *sources) port(k imu.Kind) (feed.Port, error) {
	switch src := sourceFor(s.cfg, k); src {
	case config.SourceMock:
		if s.body == nil {
			s.body = feed.NewMockBody()
		}
		return s.body.Port(k), nil

	case config.SourceMPU9250:
		if s.imu == nil && s.imuErr == nil {
			s.imu, s.imuErr = sensors.OpenMPU9250(sensors.Options{
				Name:       "main",
				SPIDevice:  s.cfg.IMUSPIDevice,
				CSPin:      s.cfg.IMUCSPin,
				AccelRange: s.cfg.IMUAccelRange,
				GyroRange:  s.cfg.IMUGyroRange,
			})
			if s.imuErr != nil {
				log.Printf("sources: MPU9250 unavailable: %v", s.imuErr)
			}
		}
		switch {
		case s.imu == nil:
			return feed.Unavailable{Name: k.String()}, nil
		case k == imu.Gyroscope:
			return s.imu.Gyroscope(), nil
		case k == imu.Accelerometer:
			return s.imu.Accelerometer(), nil
		}
		return nil, fmt.Errorf("sources: MPU9250 has no %s", k)

	case config.SourceMQTT:
		if s.client == nil {
			client, err := connectMQTT(s.cfg, s.role)
			if err != nil {
				return nil, err
			}
			s.client = client
			s.closers = append(s.closers, func() { client.Disconnect(250) })
		}
		return feed.NewMQTT(s.client, topicFor(s.cfg, k), s.cfg.TopicInterval), nil

	case config.SourceNMEA:
		if s.stream == nil && !s.nmeaOK {
			s.nmeaOK = true
			if err := s.openNMEA(); err != nil {
				log.Printf("sources: NMEA unavailable: %v", err)
			}
		}
		if s.stream == nil {
			return feed.Unavailable{Name: k.String()}, nil
		}
		return s.stream.Port(k), nil

	default:
		return nil, fmt.Errorf("sources: unknown source %q for %s", src, k)
	}
}

func (s *sources) openNMEA() error {
	serialOpts := serial.OpenOptions{
		PortName:        s.cfg.NMEASerialPort,
		BaudRate:        uint(s.cfg.NMEABaudRate),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	}

	port, err := serial.Open(serialOpts)
	if err != nil {
		return fmt.Errorf("open %s: %w", serialOpts.PortName, err)
	}
	log.Printf("sources: NMEA serial port opened on %s at %d baud", serialOpts.PortName, serialOpts.BaudRate)

	ctx, cancel := context.WithCancel(s.ctx)
	s.stream = feed.NewNMEA(port, port)
	go func() {
		if err := s.stream.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("sources: NMEA stream ended: %v", err)
		}
	}()
	s.closers = append(s.closers, func() {
		cancel()
		port.Close()
	})
	return nil
}

func (s *sources) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// connectMQTT connects one client for a process role. Message handlers
// run on the client's router in order, so hub listeners fed from MQTT must
// hand work off instead of waiting on tokens.
func connectMQTT(cfg *config.Config, role string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.ClientID(role)).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("MQTT connect error: %w", token.Error())
	}
	log.Printf("%s: connected to MQTT broker at %s", role, cfg.MQTTBroker)
	return client, nil
}
