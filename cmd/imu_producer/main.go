// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/inertial_orientation/internal/app"
	"github.com/relabs-tech/inertial_orientation/internal/config"
)

func main() {
	configPath := flag.String("config", "./inertial_config.txt", "path to configuration file (.txt or .yaml)")
	flag.Parse()

	log.Println("starting inertial-orientation IMU producer (MPU9250 → MQTT)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunIMUProducer(ctx); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
