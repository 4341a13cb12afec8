// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/relabs-tech/inertial_orientation/internal/config"
	"github.com/relabs-tech/inertial_orientation/internal/hub"
	"github.com/relabs-tech/inertial_orientation/internal/orientation"
)

// RunConsole prints the fused orientation every CONSOLE_LOG_INTERVAL.
func RunConsole(ctx context.Context) error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("config not initialized")
	}

	h, closeSources, err := BuildHub(ctx, cfg, "console")
	if err != nil {
		return err
	}
	defer closeSources()

	return printPoses(ctx, h, os.Stdout, time.Duration(cfg.ConsoleLogInterval)*time.Millisecond)
}

func printPoses(ctx context.Context, h *hub.Hub, w io.Writer, every time.Duration) error {
	var latest latestPose
	sub := h.AddListener(latest.set)
	defer sub.Remove()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			pose, ok := latest.get()
			if !ok {
				log.Println("console: waiting for all feeds")
				continue
			}
			fmt.Fprintln(w, formatPose(pose))
		}
	}
}

func formatPose(p orientation.Pose) string {
	return fmt.Sprintf("ROLL=%6.2f  PITCH=%6.2f  YAW=%6.2f", p.Roll, p.Pitch, p.Yaw)
}
