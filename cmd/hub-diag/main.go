/*
 * Copyright 2025 pylabhub authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// hub-diag inspects and recovers shared-memory channels on this host.
//
// Usage:
//
//	hub-diag -channel NAME [-op diagnose|validate|cleanup|recover|consumers|info] [flags]
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	shmhub "github.com/Qing-LAB/pylabhub-sub016"
)

func main() {
	var (
		channel   = flag.String("channel", "", "channel name (required)")
		op        = flag.String("op", "diagnose", "operation: diagnose, validate, cleanup, recover, consumers, info")
		slot      = flag.Int("slot", -1, "slot index; -1 means all slots (diagnose) ")
		action    = flag.String("action", "writer", "recovery action: writer, readers, reset")
		force     = flag.Bool("force", false, "allow destructive reset")
		repair    = flag.Bool("repair", false, "repair issues found by validate")
		threshold = flag.Duration("threshold", 10*time.Second, "heartbeat age past which a consumer counts as dead")
		stuck     = flag.Duration("stuck", 5*time.Second, "inactivity window for stuck-slot detection")
		encode    = flag.String("encode", "", "also write the msgpack-encoded result to this file")
	)
	flag.Parse()

	if *channel == "" {
		flag.Usage()
		os.Exit(2)
	}
	if !shmhub.ChannelExists(*channel) {
		log.Fatalf("channel %q not found on this host", *channel)
	}

	admin := shmhub.NewAdmin(nil)
	admin.HeartbeatThreshold = *threshold
	admin.StuckThreshold = *stuck

	var result any
	switch *op {
	case "diagnose":
		ds, err := admin.Diagnose(*channel, *slot)
		if err != nil {
			log.Fatalf("diagnose failed: %v", err)
		}
		fmt.Printf("=== Slot Diagnostics: %s ===\n", *channel)
		for _, d := range ds {
			fmt.Printf("slot %3d  state=%-9s readers=%d owner=%d/%d task=%d checksum=%08x last=%s",
				d.Index, d.State, d.Readers, d.OwnerPID, d.OwnerGen, d.Task,
				d.Checksum, d.LastActivity.Format(time.RFC3339))
			if d.Stuck {
				fmt.Printf("  STUCK")
			} else if d.OwnerPID != 0 && !d.HolderAlive {
				fmt.Printf("  holder dead")
			}
			fmt.Println()
		}
		result = ds

	case "validate":
		report, err := admin.Validate(*channel, *repair)
		if err != nil {
			log.Fatalf("validate failed: %v", err)
		}
		fmt.Printf("=== Validation: %s ===\n", *channel)
		fmt.Printf("slots checked: %d\n", report.SlotsChecked)
		if report.OK {
			fmt.Println("no issues found")
		}
		for _, issue := range report.Issues {
			state := "found"
			if issue.Repaired {
				state = "repaired"
			}
			fmt.Printf("slot %d: %s (%s)\n", issue.Slot, issue.Problem, state)
		}
		result = report

	case "cleanup":
		removed, err := admin.CleanupDeadConsumers(*channel)
		if err != nil {
			log.Fatalf("cleanup failed: %v", err)
		}
		fmt.Printf("=== Consumer Cleanup: %s ===\n", *channel)
		fmt.Printf("removed %d dead consumer(s)\n", len(removed))
		for _, c := range removed {
			fmt.Printf("  %s (pid %d, last pulse %s)\n",
				c.Identity, c.PID, c.LastPulse.Format(time.RFC3339))
		}
		result = removed

	case "recover":
		if *slot < 0 {
			log.Fatal("recover requires -slot")
		}
		var ra shmhub.RecoverAction
		switch *action {
		case "writer":
			ra = shmhub.RecoverWriter
		case "readers":
			ra = shmhub.RecoverReaders
		case "reset":
			ra = shmhub.RecoverReset
		default:
			log.Fatalf("unknown recovery action %q", *action)
		}
		if err := admin.Recover(*channel, uint32(*slot), ra, *force); err != nil {
			log.Fatalf("recover failed: %v", err)
		}
		fmt.Printf("recovery %s completed on %s slot %d\n", ra, *channel, *slot)

	case "consumers":
		cs, err := admin.Consumers(*channel)
		if err != nil {
			log.Fatalf("consumers failed: %v", err)
		}
		fmt.Printf("=== Consumers: %s ===\n", *channel)
		for _, c := range cs {
			fmt.Printf("  [%d] %s pid=%d registered=%s last_pulse=%s\n",
				c.Index, c.Identity, c.PID,
				c.Registered.Format(time.RFC3339), c.LastPulse.Format(time.RFC3339))
		}
		result = cs

	case "info":
		info, err := admin.Info(*channel)
		if err != nil {
			log.Fatalf("info failed: %v", err)
		}
		fmt.Printf("=== Channel: %s ===\n", info.Name)
		fmt.Printf("schema:    %s (version %s)\n", info.SchemaHash, info.SchemaVersion)
		fmt.Printf("producer:  pid %d\n", info.ProducerPID)
		fmt.Printf("geometry:  %d slots x %d bytes\n", info.SlotCount, info.SlotSize)
		fmt.Printf("checksum:  %s\n", info.Checksum)
		delivery := "lossless"
		if info.DeliveryLatest {
			delivery = "latest-value"
		}
		fmt.Printf("delivery:  %s\n", delivery)
		fmt.Printf("created:   %s\n", info.CreatedAt.Format(time.RFC3339))
		result = info

	default:
		log.Fatalf("unknown operation %q", *op)
	}

	if *encode != "" && result != nil {
		data, err := shmhub.MarshalReport(result)
		if err != nil {
			log.Fatalf("encode failed: %v", err)
		}
		if err := os.WriteFile(*encode, data, 0644); err != nil {
			log.Fatalf("write %s failed: %v", *encode, err)
		}
		fmt.Printf("encoded result written to %s (%d bytes)\n", *encode, len(data))
	}
}
