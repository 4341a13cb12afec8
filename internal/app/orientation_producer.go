package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/relabs-tech/inertial_orientation/internal/config"
	"github.com/relabs-tech/inertial_orientation/internal/orientation"
)

// RunOrientationProducer fuses the configured feeds and publishes every
// pose as JSON to TOPIC_ORIENTATION until ctx is cancelled.
func RunOrientationProducer(ctx context.Context) error {
	log.Println("starting orientation producer (feeds → hub → MQTT)")

	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("config not initialized")
	}

	h, closeSources, err := BuildHub(ctx, cfg, "orientation-feeds")
	if err != nil {
		return err
	}
	defer closeSources()

	if ok, err := h.Available(ctx); err != nil {
		log.Printf("orientation producer: availability check failed: %v", err)
	} else if !ok {
		log.Println("WARNING: not all feeds are available, orientation will not be published until they are")
	}

	client, err := connectMQTT(cfg, "orientation-producer")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	// The listener runs on a feed goroutine; publishing happens here.
	poses := make(chan orientation.Pose, 1)
	sub := h.AddListener(func(e orientation.EulerAngles) {
		offerLatest(poses, e.Pose())
	})
	defer sub.Remove()

	log.Printf("publishing orientation to %s every %d ms", cfg.TopicOrientation, h.UpdateInterval())

	for {
		select {
		case <-ctx.Done():
			log.Println("orientation producer stopping")
			return nil
		case p := <-poses:
			payload, err := json.Marshal(p)
			if err != nil {
				log.Printf("json marshal error (pose): %v", err)
				continue
			}
			if token := client.Publish(cfg.TopicOrientation, 0, true, payload); token.Wait() && token.Error() != nil {
				log.Printf("MQTT publish error (orientation): %v", token.Error())
			}
		}
	}
}
