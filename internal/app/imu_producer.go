// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/inertial_orientation/internal/config"
	"github.com/relabs-tech/inertial_orientation/internal/feed"
	"github.com/relabs-tech/inertial_orientation/internal/imu"
	"github.com/relabs-tech/inertial_orientation/internal/sensors"
)

// RunIMUProducer publishes MPU9250 accelerometer and gyroscope samples to
// TOPIC_ACCEL and TOPIC_GYRO, following interval requests that consumers
// post on TOPIC_INTERVAL.
func RunIMUProducer(ctx context.Context) error {
	log.Println("starting IMU producer (MPU9250 → MQTT)")

	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("config not initialized")
	}

	dev, err := sensors.OpenMPU9250(sensors.Options{
		Name:       "main",
		SPIDevice:  cfg.IMUSPIDevice,
		CSPin:      cfg.IMUCSPin,
		AccelRange: cfg.IMUAccelRange,
		GyroRange:  cfg.IMUGyroRange,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize IMU: %w", err)
	}

	client, err := connectMQTT(cfg, "imu-producer")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	router := intervalRouter{
		cfg.TopicAccel: dev.Accelerometer(),
		cfg.TopicGyro:  dev.Gyroscope(),
	}
	router.apply(cfg.SampleIntervalMS)

	for topic, port := range router {
		sub := port.AddListener(samplePublisher(client, topic))
		defer sub.Remove()
	}

	if cfg.TopicInterval != "" {
		token := client.Subscribe(cfg.TopicInterval, 1, func(_ mqtt.Client, msg mqtt.Message) {
			router.handle(msg.Payload())
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("IMU producer: following interval requests on %s", cfg.TopicInterval)
	}

	<-ctx.Done()
	log.Println("IMU producer stopping")
	return nil
}

func samplePublisher(client mqtt.Client, topic string) feed.Handler {
	return func(m imu.Measurement) {
		payload, err := json.Marshal(imu.Sample{
			Source:      "mpu9250",
			Measurement: m,
			Time:        time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			log.Printf("json marshal error (%s): %v", topic, err)
			return
		}
		if token := client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
			log.Printf("MQTT publish error (%s): %v", topic, token.Error())
		}
	}
}

// intervalRouter maps a data topic to the feed producing it.
type intervalRouter map[string]feed.Port

func (r intervalRouter) apply(ms int) {
	for _, p := range r {
		p.SetUpdateInterval(ms)
	}
}

// handle applies one feed.IntervalRequest. A request without a topic
// applies to every feed; requests for topics this producer does not
// publish are ignored.
func (r intervalRouter) handle(payload []byte) {
	var req feed.IntervalRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Printf("IMU producer: interval request unmarshal error: %v", err)
		return
	}
	if req.IntervalMS <= 0 {
		log.Printf("IMU producer: ignoring interval %d ms", req.IntervalMS)
		return
	}
	if req.Topic == "" {
		r.apply(req.IntervalMS)
		return
	}
	if p, ok := r[req.Topic]; ok {
		p.SetUpdateInterval(req.IntervalMS)
		log.Printf("IMU producer: %s interval %d ms", req.Topic, req.IntervalMS)
	}
}
