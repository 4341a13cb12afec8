package app

import (
	"context"
	"fmt"
	"image"
	"log"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/inertial_orientation/internal/config"
	"github.com/relabs-tech/inertial_orientation/internal/orientation"
)

// RunDisplay renders the fused orientation on an SSD1306 OLED.
func RunDisplay(ctx context.Context) error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("config not initialized")
	}

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	// Open I2C bus ("" is the first available)
	bus, err := i2creg.Open(cfg.DisplayI2CBus)
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	defer dev.Halt()
	log.Printf("display: initialized on I2C bus %q", cfg.DisplayI2CBus)

	h, closeSources, err := BuildHub(ctx, cfg, "display")
	if err != nil {
		return err
	}
	defer closeSources()

	var latest latestPose
	sub := h.AddListener(latest.set)
	defer sub.Remove()

	ticker := time.NewTicker(time.Duration(cfg.DisplayUpdateInterval) * time.Millisecond)
	defer ticker.Stop()

	log.Println("display: starting update loop")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pose, ok := latest.get()
			img := renderPose(dev.Bounds(), pose, ok)
			if err := dev.Draw(dev.Bounds(), img, image.Point{}); err != nil {
				log.Printf("display: error updating display: %v", err)
			}
		}
	}
}

// renderPose draws three lines of roll, pitch and yaw in degrees, or a
// waiting message before the first pose.
func renderPose(bounds image.Rectangle, pose orientation.Pose, haveData bool) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(bounds)

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}

	lines := []string{"Orientation", "Waiting..."}
	if haveData {
		lines = []string{
			fmt.Sprintf("R: %6.1f", pose.Roll),
			fmt.Sprintf("P: %6.1f", pose.Pitch),
			fmt.Sprintf("Y: %6.1f", pose.Yaw),
		}
	}
	for i, line := range lines {
		drawer.Dot = fixed.P(0, 13*(i+1))
		drawer.DrawString(line)
	}
	return img
}
